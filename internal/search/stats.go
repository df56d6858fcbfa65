package search

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/query"
)

// SummaryValue is one dashboard metric over a date range.
type SummaryValue struct {
	DateFrom    string  `json:"dateFrom"`
	DateTo      string  `json:"dateTo"`
	Value       float64 `json:"value"`
	Aggregation string  `json:"aggregation"`
	Unit        string  `json:"unit"`
}

// Summary is the operational dashboard report.
type Summary struct {
	Errors         SummaryValue `json:"errors"`
	Collections    SummaryValue `json:"collections"`
	ProcessingTime SummaryValue `json:"processingTime"`
	Granules       SummaryValue `json:"granules"`
}

// Summarize runs three independent aggregate queries (granule error count,
// collection count, average processing duration) and assembles one report.
// A failure in any sub-query propagates; it is never merged in as zero.
func Summarize(ctx context.Context, idx index.Index, params query.Params, now func() time.Time) (Summary, error) {
	if params == nil {
		params = query.Params{}
	}
	dateFrom := formatEpochParam(params["timestamp__from"], time.Unix(0, 0).UTC())
	dateTo := formatEpochParam(params["timestamp__to"], now().UTC())

	rangeQuery := query.Compile(rangedParams(params, nil))
	failedQuery := query.Compile(rangedParams(params, map[string]string{"status": domain.StatusFailed}))

	errorCount, err := idx.Count(ctx, domain.TypeGranule, failedQuery)
	if err != nil {
		return Summary{}, fmt.Errorf("granule error count: %w", err)
	}
	collectionCount, err := idx.Count(ctx, domain.TypeCollection, query.Compile(nil))
	if err != nil {
		return Summary{}, fmt.Errorf("collection count: %w", err)
	}
	duration, err := idx.Aggregate(ctx, domain.TypeGranule, rangeQuery, index.AggSpec{
		Kind: index.AggStats, Field: "duration",
	})
	if err != nil {
		return Summary{}, fmt.Errorf("average processing duration: %w", err)
	}
	granuleCount, err := idx.Count(ctx, domain.TypeGranule, rangeQuery)
	if err != nil {
		return Summary{}, fmt.Errorf("granule count: %w", err)
	}

	return Summary{
		Errors: SummaryValue{
			DateFrom: dateFrom, DateTo: dateTo,
			Value: float64(errorCount), Aggregation: "count", Unit: "error",
		},
		Collections: SummaryValue{
			DateFrom: formatEpochParam("", time.Unix(0, 0).UTC()), DateTo: dateTo,
			Value: float64(collectionCount), Aggregation: "count", Unit: "collection",
		},
		ProcessingTime: SummaryValue{
			DateFrom: dateFrom, DateTo: dateTo,
			Value: duration.Stats.Avg, Aggregation: "average", Unit: "second",
		},
		Granules: SummaryValue{
			DateFrom: dateFrom, DateTo: dateTo,
			Value: float64(granuleCount), Aggregation: "count", Unit: "granule",
		},
	}, nil
}

// rangedParams keeps only the timestamp range from the caller's parameters
// and overlays extra filters.
func rangedParams(params query.Params, extra map[string]string) query.Params {
	out := query.Params{}
	for _, key := range []string{"timestamp__from", "timestamp__to"} {
		if v, ok := params[key]; ok {
			out[key] = v
		}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func formatEpochParam(value string, def time.Time) string {
	if value == "" {
		return def.Format(time.RFC3339)
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def.Format(time.RFC3339)
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
