// Package migrate brings the index database schema up to date. Steps are
// plain SQL applied in order; the database's user_version pragma records
// the last applied step, so reopening an existing index is a no-op.
package migrate

import (
	"database/sql"
	"fmt"
)

// steps is the ordered schema history. Step N runs only on databases
// whose user_version is below N; never reorder or edit a shipped step.
var steps = [][]string{
	{
		`CREATE TABLE records (
			type       TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        TEXT NOT NULL CHECK (json_valid(doc)),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (type, id)
		)`,
		`CREATE INDEX idx_records_type_status
			ON records (type, json_extract(doc, '$.status'))`,
		`CREATE INDEX idx_records_type_timestamp
			ON records (type, json_extract(doc, '$.timestamp'))`,
	},
}

// Version reports the schema version of an open database. A fresh
// database reports zero.
func Version(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies every step the database has not seen yet. Each step
// commits together with its version bump, so a failure leaves the
// database on the last complete step.
func Migrate(db *sql.DB) error {
	version, err := Version(db)
	if err != nil {
		return err
	}
	for i := version; i < len(steps); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := applyStep(tx, i); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema step %d: %w", i+1, err)
		}
	}
	return nil
}

func applyStep(tx *sql.Tx, i int) error {
	for _, stmt := range steps[i] {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("schema step %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
		return fmt.Errorf("stamp schema version %d: %w", i+1, err)
	}
	return nil
}
