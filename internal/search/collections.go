package search

import (
	"context"
	"fmt"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/query"
)

// collectionMaxSize keeps collection pages small: every result fans out
// into a granule aggregate.
const collectionMaxSize = 50

// GranuleStats is the per-collection granule status rollup merged onto
// collection results.
type GranuleStats struct {
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Collections is the collection-specialized search: results carry a stats
// block aggregated from their child granules.
type Collections struct {
	*Search
}

// NewCollections builds a collection search with the tighter page cap.
func NewCollections(idx index.Index, params query.Params) *Collections {
	s := New(idx, domain.TypeCollection, params)
	s.clampSize(collectionMaxSize)
	return &Collections{Search: s}
}

// Query pages collections and merges granule status aggregates onto each
// result. Collections with no granules get zeroed stats; the merge is
// stable and never drops a result.
func (c *Collections) Query(ctx context.Context) (Response, error) {
	resp, err := c.Search.Query(ctx)
	if err != nil {
		return Response{}, err
	}
	for _, doc := range resp.Results {
		id, _ := doc["name"].(string)
		version, _ := doc["version"].(string)
		stats, err := c.granuleStats(ctx, domain.CollectionID(id, version))
		if err != nil {
			return Response{}, fmt.Errorf("granule stats for %s: %w", domain.CollectionID(id, version), err)
		}
		doc["stats"] = stats
	}
	return resp, nil
}

func (c *Collections) granuleStats(ctx context.Context, collectionID string) (GranuleStats, error) {
	q := query.Query{
		Bool: query.Bool{Must: []query.Clause{
			{Op: query.OpTerm, Field: "collectionId", Exact: true, Value: collectionID},
		}},
	}
	res, err := c.idx.Aggregate(ctx, domain.TypeGranule, q, index.AggSpec{Kind: index.AggTerms, Field: "status"})
	if err != nil {
		return GranuleStats{}, err
	}
	var stats GranuleStats
	for _, b := range res.Buckets {
		switch b.Key {
		case domain.StatusRunning:
			stats.Running = b.Count
		case domain.StatusCompleted:
			stats.Completed = b.Count
		case domain.StatusFailed:
			stats.Failed = b.Count
		}
	}
	stats.Total = stats.Running + stats.Completed + stats.Failed
	return stats, nil
}
