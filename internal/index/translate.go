package index

import (
	"fmt"
	"strings"

	"downlink/internal/query"
)

// fieldExpr returns the SQL expression addressing a document field. Field
// names are validated before interpolation; "_id" addresses the id column.
func fieldExpr(field string) (string, error) {
	if field == "_id" {
		return "id", nil
	}
	if !validField(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return fmt.Sprintf("json_extract(doc, '$.%s')", field), nil
}

func validField(field string) bool {
	if field == "" {
		return false
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// bindValue maps Go values onto their json_extract representation. JSON
// booleans extract as 0/1 in SQLite.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func clauseSQL(c query.Clause) (string, []any, error) {
	switch c.Op {
	case query.OpTerm:
		expr, err := fieldExpr(c.Field)
		if err != nil {
			return "", nil, err
		}
		return expr + " = ?", []any{bindValue(c.Value)}, nil
	case query.OpTerms:
		expr, err := fieldExpr(c.Field)
		if err != nil {
			return "", nil, err
		}
		terms, ok := c.Value.([]any)
		if !ok || len(terms) == 0 {
			return "", nil, fmt.Errorf("terms clause on %q has no values", c.Field)
		}
		args := make([]any, 0, len(terms))
		for _, t := range terms {
			args = append(args, bindValue(t))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terms)), ",")
		return expr + " IN (" + placeholders + ")", args, nil
	case query.OpRange:
		expr, err := fieldExpr(c.Field)
		if err != nil {
			return "", nil, err
		}
		var parts []string
		var args []any
		if c.From != nil {
			parts = append(parts, expr+" >= ?")
			args = append(args, bindValue(c.From))
		}
		if c.To != nil {
			parts = append(parts, expr+" <= ?")
			args = append(args, bindValue(c.To))
		}
		if len(parts) == 0 {
			return "", nil, fmt.Errorf("range clause on %q has no bounds", c.Field)
		}
		return "(" + strings.Join(parts, " AND ") + ")", args, nil
	case query.OpExists:
		if c.Field == "_id" {
			return "1 = 1", nil, nil
		}
		if !validField(c.Field) {
			return "", nil, fmt.Errorf("invalid field name %q", c.Field)
		}
		return fmt.Sprintf("json_type(doc, '$.%s') IS NOT NULL", c.Field), nil, nil
	case query.OpPrefix:
		expr, err := fieldExpr(c.Field)
		if err != nil {
			return "", nil, err
		}
		prefix, _ := c.Value.(string)
		return expr + " LIKE ? ESCAPE '\\'", []any{escapeLike(prefix) + "%"}, nil
	case query.OpGeneral:
		text := fmt.Sprintf("%v", c.Value)
		return "instr(doc, ?) > 0", []any{text}, nil
	default:
		return "", nil, fmt.Errorf("unsupported clause op %q", c.Op)
	}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// whereClause translates the boolean clause tree for one record type.
func whereClause(typ string, q query.Query) (string, []any, error) {
	parts := []string{"type = ?"}
	args := []any{typ}

	for _, c := range q.Bool.Must {
		sql, a, err := clauseSQL(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, a...)
	}
	for _, c := range q.Bool.MustNot {
		sql, a, err := clauseSQL(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "NOT ("+sql+")")
		args = append(args, a...)
	}
	if len(q.Bool.Should) > 0 {
		var ors []string
		for _, c := range q.Bool.Should {
			sql, a, err := clauseSQL(c)
			if err != nil {
				return "", nil, err
			}
			ors = append(ors, sql)
			args = append(args, a...)
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(parts, " AND "), args, nil
}

// orderBy translates sort keys, with the id column as a stable tiebreak.
func orderBy(sorts []query.Sort) (string, error) {
	var parts []string
	for _, s := range sorts {
		expr, err := fieldExpr(s.Field)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		parts = append(parts, expr+" "+dir)
	}
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", "), nil
}

// dateExpr buckets an epoch-millis field by interval.
func dateExpr(field, interval string) (string, error) {
	expr, err := fieldExpr(field)
	if err != nil {
		return "", err
	}
	format := "%Y-%m-%d"
	switch interval {
	case "hour":
		format = "%Y-%m-%dT%H:00:00"
	case "month":
		format = "%Y-%m"
	case "", "day":
	default:
		return "", fmt.Errorf("unsupported histogram interval %q", interval)
	}
	return fmt.Sprintf("strftime('%s', %s / 1000, 'unixepoch')", format, expr), nil
}
