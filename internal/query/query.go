// Package query compiles flat key/value filter parameters into a structured
// boolean query executed against the search index.
package query

// Op identifies a clause operator.
type Op string

const (
	OpTerm    Op = "term"
	OpTerms   Op = "terms"
	OpRange   Op = "range"
	OpExists  Op = "exists"
	OpPrefix  Op = "prefix"
	OpGeneral Op = "general"
)

// Clause is one leaf of the boolean clause tree.
type Clause struct {
	Op    Op
	Field string
	// Exact marks string equality against the untokenized variant of the
	// field (free-text analysis never applies).
	Exact bool
	// Value holds the term value, the terms slice, the prefix, or the
	// free-text query depending on Op.
	Value any
	// From/To bound an inclusive range clause. Either may be nil.
	From any
	To   any
}

// Bool is the boolean clause tree of a structured query.
type Bool struct {
	Must               []Clause
	MustNot            []Clause
	Should             []Clause
	MinimumShouldMatch int
}

// Sort is one sort key.
type Sort struct {
	Field      string
	Descending bool
}

// Query is a compiled, immutable structured query. Built once per request.
type Query struct {
	Bool Bool
	Sort []Sort
}

// MatchAll reports whether the query has no filter clauses at all.
func (q Query) MatchAll() bool {
	b := q.Bool
	return len(b.Must) == 0 && len(b.MustNot) == 0 && len(b.Should) == 0
}
