package query

import (
	"sort"
	"strconv"
	"strings"
)

// Params is the flat filter mapping taken from a caller's request.
type Params map[string]string

// Reserved control keys. These are never interpreted as filters.
var reserved = map[string]bool{
	"page":     true,
	"limit":    true,
	"skip":     true,
	"sort_by":  true,
	"order":    true,
	"prefix":   true,
	"fields":   true,
	"q":        true,
	"field":    true,
	"interval": true,
	"format":   true,
}

// prefixFields is the whitelist of human-identifier fields searched by the
// prefix control key.
var prefixFields = []string{
	"granuleId",
	"pdrName",
	"collectionId",
	"provider",
	"name",
	"status",
}

type rangeBounds struct {
	from any
	to   any
}

// Compile turns filter parameters into a structured query. The result is
// built once and never mutated afterwards.
func Compile(params Params) Query {
	q := Query{Sort: compileSort(params)}

	// Free text replaces every other filter.
	if text, ok := params["q"]; ok && text != "" {
		q.Bool.Must = append(q.Bool.Must, Clause{Op: OpGeneral, Value: text})
		return q
	}

	ranges := map[string]rangeBounds{}
	exactFields := map[string]bool{}

	for _, key := range sortedKeys(params) {
		if reserved[key] {
			continue
		}
		value := params[key]
		switch {
		case strings.HasSuffix(key, "__in"):
			field := strings.TrimSuffix(key, "__in")
			q.Bool.Must = append(q.Bool.Must, Clause{Op: OpTerms, Field: field, Exact: true, Value: splitTerms(value)})
			exactFields[field] = true
		case strings.HasSuffix(key, "__not"):
			field := strings.TrimSuffix(key, "__not")
			q.Bool.MustNot = append(q.Bool.MustNot, Clause{Op: OpTerms, Field: field, Exact: true, Value: splitTerms(value)})
		case strings.HasSuffix(key, "__exists"):
			// the value is dropped; presence of the key is the test
			q.Bool.Must = append(q.Bool.Must, Clause{Op: OpExists, Field: strings.TrimSuffix(key, "__exists")})
		case strings.HasSuffix(key, "__from"):
			field := strings.TrimSuffix(key, "__from")
			b := ranges[field]
			b.from = coerce(value)
			ranges[field] = b
		case strings.HasSuffix(key, "__to"):
			field := strings.TrimSuffix(key, "__to")
			b := ranges[field]
			b.to = coerce(value)
			ranges[field] = b
		default:
			q.Bool.Must = append(q.Bool.Must, termClause(key, value))
			exactFields[key] = true
		}
	}

	// one inclusive range clause per base field
	for _, field := range sortedRangeFields(ranges) {
		b := ranges[field]
		q.Bool.Must = append(q.Bool.Must, Clause{Op: OpRange, Field: field, From: b.from, To: b.to})
	}

	if prefix, ok := params["prefix"]; ok && prefix != "" {
		for _, field := range prefixFields {
			if exactFields[field] {
				continue
			}
			q.Bool.Should = append(q.Bool.Should, Clause{Op: OpPrefix, Field: field, Value: prefix})
		}
		if len(q.Bool.Should) > 0 {
			q.Bool.MinimumShouldMatch = 1
		}
	}
	return q
}

// termClause builds an equality clause. Boolean-typed values match the raw
// field; everything else matches the untokenized variant.
func termClause(field, value string) Clause {
	if value == "true" || value == "false" {
		return Clause{Op: OpTerm, Field: field, Value: value == "true"}
	}
	return Clause{Op: OpTerm, Field: field, Exact: true, Value: coerce(value)}
}

// coerce maps numeric strings to numbers so that range comparisons work on
// epoch-millis fields; anything else stays a string.
func coerce(value string) any {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func splitTerms(value string) []any {
	parts := strings.Split(value, ",")
	terms := make([]any, 0, len(parts))
	for _, p := range parts {
		terms = append(terms, coerce(strings.TrimSpace(p)))
	}
	return terms
}

func compileSort(params Params) []Sort {
	field := params["sort_by"]
	if field == "" {
		return []Sort{{Field: "timestamp", Descending: true}}
	}
	return []Sort{{Field: field, Descending: params["order"] != "asc"}}
}

func sortedKeys(params Params) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRangeFields(ranges map[string]rangeBounds) []string {
	fields := make([]string, 0, len(ranges))
	for f := range ranges {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
