// Package search executes compiled queries against the index: pagination,
// single-record lookup and aggregate statistics.
package search

import (
	"context"
	"fmt"
	"strconv"

	"downlink/internal/index"
	"downlink/internal/query"
)

const (
	defaultSize = 1
	maxSize     = 100
)

// Meta describes one result page.
type Meta struct {
	Limit int    `json:"limit"`
	Page  int    `json:"page"`
	Count int    `json:"count"`
	Table string `json:"table,omitempty"`
	Field string `json:"field,omitempty"`
}

// Response is one page of documents.
type Response struct {
	Meta    Meta        `json:"meta"`
	Results []index.Doc `json:"results"`
}

// LookupStatus tags a single-record lookup result.
type LookupStatus int

const (
	// Found means exactly one record matched.
	Found LookupStatus = iota
	// NotFound means zero records matched. This is data, not an error;
	// callers at the CRUD layer translate it themselves.
	NotFound
	// Ambiguous means more than one record matched the id.
	Ambiguous
)

// Lookup is the tagged result of Get.
type Lookup struct {
	Status  LookupStatus
	Record  index.Doc
	Matches int
}

// Search holds per-request paging state over one record type. The index
// handle is injected once and reused across calls on the same instance.
type Search struct {
	idx    index.Index
	typ    string
	params query.Params
	q      query.Query
	page   int
	size   int
	from   int
}

// New builds a request-scoped search over a record type. Paging controls
// come from the reserved parameters; everything else is compiled into the
// structured query exactly once.
func New(idx index.Index, typ string, params query.Params) *Search {
	if params == nil {
		params = query.Params{}
	}
	s := &Search{
		idx:    idx,
		typ:    typ,
		params: params,
		q:      query.Compile(params),
		page:   intParam(params, "page", 1),
		size:   intParam(params, "limit", defaultSize),
	}
	s.clampSize(maxSize)
	return s
}

func (s *Search) clampSize(cap int) {
	if s.size > cap {
		s.size = cap
	}
	if s.size < 1 {
		s.size = 1
	}
	if s.page < 1 {
		s.page = 1
	}
	s.from = (s.page - 1) * s.size
	// skip overrides the page-derived offset
	if n := intParam(s.params, "skip", -1); n >= 0 {
		s.from = n
	}
}

func intParam(params query.Params, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Query runs the compiled query with paging.
func (s *Search) Query(ctx context.Context) (Response, error) {
	hits, err := s.idx.Search(ctx, s.typ, s.q, s.from, s.size)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Meta:    Meta{Limit: s.size, Page: s.page, Count: hits.Total, Table: s.typ},
		Results: hits.Docs,
	}, nil
}

// Get looks up a record by its exact id. Absence and ambiguity are returned
// as tagged results, never as errors.
func (s *Search) Get(ctx context.Context, id string) (Lookup, error) {
	q := query.Query{
		Bool: query.Bool{Must: []query.Clause{{Op: query.OpTerm, Field: "_id", Exact: true, Value: id}}},
		Sort: []query.Sort{{Field: "timestamp", Descending: true}},
	}
	hits, err := s.idx.Search(ctx, s.typ, q, 0, 2)
	if err != nil {
		return Lookup{}, err
	}
	switch {
	case hits.Total == 0:
		return Lookup{Status: NotFound}, nil
	case hits.Total > 1:
		return Lookup{Status: Ambiguous, Matches: hits.Total}, nil
	default:
		return Lookup{Status: Found, Record: hits.Docs[0], Matches: 1}, nil
	}
}

// Count buckets matching records by terms over a field (default status).
func (s *Search) Count(ctx context.Context) (Response, []index.Bucket, error) {
	field := s.params["field"]
	if field == "" {
		field = "status"
	}
	total, err := s.idx.Count(ctx, s.typ, s.q)
	if err != nil {
		return Response{}, nil, err
	}
	res, err := s.idx.Aggregate(ctx, s.typ, s.q, index.AggSpec{Kind: index.AggTerms, Field: field})
	if err != nil {
		return Response{}, nil, err
	}
	return Response{Meta: Meta{Count: total, Field: field, Table: s.typ}}, res.Buckets, nil
}

// HistogramBucket is one date-interval bucket.
type HistogramBucket struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Histogram buckets matching records by date interval over a field
// (default timestamp, by day).
func (s *Search) Histogram(ctx context.Context) (Response, []HistogramBucket, error) {
	field := s.params["field"]
	if field == "" {
		field = "timestamp"
	}
	interval := s.params["interval"]
	if interval == "" {
		interval = "day"
	}
	total, err := s.idx.Count(ctx, s.typ, s.q)
	if err != nil {
		return Response{}, nil, err
	}
	res, err := s.idx.Aggregate(ctx, s.typ, s.q, index.AggSpec{
		Kind: index.AggDateHistogram, Field: field, Interval: interval,
	})
	if err != nil {
		return Response{}, nil, err
	}
	buckets := make([]HistogramBucket, 0, len(res.Buckets))
	for _, b := range res.Buckets {
		buckets = append(buckets, HistogramBucket{Date: fmt.Sprintf("%v", b.Key), Count: b.Count})
	}
	return Response{Meta: Meta{Count: total, Field: field, Table: s.typ}}, buckets, nil
}

// Avg summarizes a numeric field over the matching records.
func (s *Search) Avg(ctx context.Context, field string) (Response, index.Stats, error) {
	if field == "" {
		return Response{}, index.Stats{}, fmt.Errorf("field parameter must be provided")
	}
	total, err := s.idx.Count(ctx, s.typ, s.q)
	if err != nil {
		return Response{}, index.Stats{}, err
	}
	res, err := s.idx.Aggregate(ctx, s.typ, s.q, index.AggSpec{Kind: index.AggStats, Field: field})
	if err != nil {
		return Response{}, index.Stats{}, err
	}
	return Response{Meta: Meta{Count: total, Field: field, Table: s.typ}}, *res.Stats, nil
}
