package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"downlink/internal/migrate"
	"downlink/internal/query"
)

// SQLite is a local, file-backed implementation of Index. Documents are
// stored as JSON and merged on upsert with json_patch, so concurrent
// writers to the same id converge field-by-field.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database and applies
// migrations.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// DB exposes the underlying handle for migrations and tests.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Search(ctx context.Context, typ string, q query.Query, from, size int) (Hits, error) {
	where, args, err := whereClause(typ, q)
	if err != nil {
		return Hits{}, err
	}
	total, err := s.countWhere(ctx, where, args)
	if err != nil {
		return Hits{}, err
	}
	hits := Hits{Total: total}
	if size <= 0 {
		return hits, nil
	}
	order, err := orderBy(q.Sort)
	if err != nil {
		return Hits{}, err
	}
	stmt := fmt.Sprintf(`SELECT doc FROM records WHERE %s ORDER BY %s LIMIT ? OFFSET ?`, where, order)
	rows, err := s.db.QueryContext(ctx, stmt, append(args, size, from)...)
	if err != nil {
		return Hits{}, fmt.Errorf("search %s: %w", typ, err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return Hits{}, err
		}
		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Hits{}, fmt.Errorf("decode document: %w", err)
		}
		hits.Docs = append(hits.Docs, doc)
	}
	return hits, rows.Err()
}

func (s *SQLite) Count(ctx context.Context, typ string, q query.Query) (int, error) {
	where, args, err := whereClause(typ, q)
	if err != nil {
		return 0, err
	}
	return s.countWhere(ctx, where, args)
}

func (s *SQLite) countWhere(ctx context.Context, where string, args []any) (int, error) {
	var count int
	stmt := `SELECT COUNT(*) FROM records WHERE ` + where
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// Upsert creates the document if absent and merges fields into it if
// present. Fields not present in doc are left untouched.
func (s *SQLite) Upsert(ctx context.Context, typ, id string, doc Doc) error {
	if id == "" {
		return fmt.Errorf("upsert %s: empty id", typ)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", typ, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records(type, id, doc) VALUES (?, ?, json(?))
		ON CONFLICT(type, id) DO UPDATE SET
			doc = json_patch(records.doc, excluded.doc),
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		typ, id, string(raw))
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", typ, id, err)
	}
	return nil
}

// Delete removes a document. Deleting an absent document is a no-op.
func (s *SQLite) Delete(ctx context.Context, typ, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE type = ? AND id = ?`, typ, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", typ, id, err)
	}
	return nil
}

func (s *SQLite) Aggregate(ctx context.Context, typ string, q query.Query, spec AggSpec) (AggResult, error) {
	where, args, err := whereClause(typ, q)
	if err != nil {
		return AggResult{}, err
	}
	switch spec.Kind {
	case AggTerms:
		expr, err := fieldExpr(spec.Field)
		if err != nil {
			return AggResult{}, err
		}
		stmt := fmt.Sprintf(
			`SELECT %s AS k, COUNT(*) FROM records WHERE %s AND %s IS NOT NULL GROUP BY k ORDER BY COUNT(*) DESC, k`,
			expr, where, expr)
		return s.buckets(ctx, stmt, args)
	case AggDateHistogram:
		expr, err := dateExpr(spec.Field, spec.Interval)
		if err != nil {
			return AggResult{}, err
		}
		stmt := fmt.Sprintf(
			`SELECT %s AS k, COUNT(*) FROM records WHERE %s AND %s IS NOT NULL GROUP BY k ORDER BY k`,
			expr, where, expr)
		return s.buckets(ctx, stmt, args)
	case AggStats:
		expr, err := fieldExpr(spec.Field)
		if err != nil {
			return AggResult{}, err
		}
		stmt := fmt.Sprintf(
			`SELECT COUNT(%[1]s), COALESCE(AVG(%[1]s), 0), COALESCE(MIN(%[1]s), 0), COALESCE(MAX(%[1]s), 0), COALESCE(TOTAL(%[1]s), 0)
			 FROM records WHERE %[2]s AND %[1]s IS NOT NULL`, expr, where)
		var st Stats
		if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&st.Count, &st.Avg, &st.Min, &st.Max, &st.Sum); err != nil {
			return AggResult{}, fmt.Errorf("stats aggregate on %s: %w", spec.Field, err)
		}
		return AggResult{Stats: &st}, nil
	default:
		return AggResult{}, fmt.Errorf("unsupported aggregation %q", spec.Kind)
	}
}

func (s *SQLite) buckets(ctx context.Context, stmt string, args []any) (AggResult, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return AggResult{}, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()
	var res AggResult
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return AggResult{}, err
		}
		res.Buckets = append(res.Buckets, b)
	}
	return res, rows.Err()
}
