// Package index defines the search-index collaborator consumed by the core
// and provides a SQLite-backed implementation of it.
package index

import (
	"context"

	"downlink/internal/query"
)

// Doc is one flat indexed document.
type Doc map[string]any

// Hits is a page of search results plus the total match count.
type Hits struct {
	Total int
	Docs  []Doc
}

// AggKind selects an aggregation.
type AggKind string

const (
	AggTerms         AggKind = "terms"
	AggDateHistogram AggKind = "date_histogram"
	AggStats         AggKind = "stats"
)

// AggSpec describes one aggregate query over a field.
type AggSpec struct {
	Kind AggKind
	Field string
	// Interval applies to date histograms: "hour", "day" or "month".
	Interval string
}

// Bucket is one terms or histogram bucket.
type Bucket struct {
	Key   any   `json:"key"`
	Count int   `json:"count"`
}

// Stats summarizes a numeric field.
type Stats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
}

// AggResult carries either buckets or stats depending on the spec kind.
type AggResult struct {
	Buckets []Bucket
	Stats   *Stats
}

// Index is the search index the core reads and writes. Upserts merge fields
// into any existing document; they never blindly overwrite. There are no
// transactions: concurrent writers to the same id race field-by-field and
// the data model tolerates it.
type Index interface {
	Search(ctx context.Context, typ string, q query.Query, from, size int) (Hits, error)
	Count(ctx context.Context, typ string, q query.Query) (int, error)
	Upsert(ctx context.Context, typ, id string, doc Doc) error
	Delete(ctx context.Context, typ, id string) error
	Aggregate(ctx context.Context, typ string, q query.Query, spec AggSpec) (AggResult, error)
}
