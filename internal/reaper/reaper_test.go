package reaper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/indexer"
	"downlink/internal/logger"
	"downlink/internal/platform/memory"
	"downlink/internal/query"
)

var frozen = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestReaper(t *testing.T) (*Reaper, *index.SQLite, *memory.Engine) {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	eng := memory.NewEngine()
	ix := indexer.New(idx, logger.Nop())
	ix.Now = func() time.Time { return frozen }
	r := New(idx, ix, eng, logger.Nop())
	r.Now = func() time.Time { return frozen }
	return r, idx, eng
}

func seedRunning(t *testing.T, idx *index.SQLite, typ, id string, age time.Duration, extra index.Doc) {
	t.Helper()
	doc := index.Doc{
		"status":    domain.StatusRunning,
		"createdAt": frozen.Add(-age).UnixMilli(),
	}
	for k, v := range extra {
		doc[k] = v
	}
	if err := idx.Upsert(context.Background(), typ, id, doc); err != nil {
		t.Fatalf("seed %s %s: %v", typ, id, err)
	}
}

func getDoc(t *testing.T, idx *index.SQLite, typ, id string) index.Doc {
	t.Helper()
	q := query.Query{Bool: query.Bool{Must: []query.Clause{
		{Op: query.OpTerm, Field: "_id", Exact: true, Value: id},
	}}}
	hits, err := idx.Search(context.Background(), typ, q, 0, 1)
	if err != nil || hits.Total != 1 {
		t.Fatalf("get %s %s: total=%d err=%v", typ, id, hits.Total, err)
	}
	return hits.Docs[0]
}

func TestSweepFailsStaleRecords(t *testing.T) {
	r, idx, eng := newTestReaper(t)
	ctx := context.Background()

	arn := "arn:aws:states:us-east-1:111:execution:IngestGranule:stuck"
	granuleARN := "arn:aws:states:us-east-1:111:execution:IngestGranule:g-stuck"
	pdrARN := "arn:aws:states:us-east-1:111:execution:DiscoverPdrs:p-stuck"
	for _, a := range []string{arn, granuleARN, pdrARN} {
		eng.Register(a, "RUNNING")
	}
	seedRunning(t, idx, domain.TypeExecution, arn, 5*time.Hour+time.Second, index.Doc{"arn": arn})
	seedRunning(t, idx, domain.TypeGranule, "g-stale", 6*time.Hour, index.Doc{"granuleId": "g-stale", "arn": granuleARN})
	seedRunning(t, idx, domain.TypePDR, "p-stale", 11*time.Hour, index.Doc{"pdrName": "p-stale", "arn": pdrARN})

	rep, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Executions != 1 || rep.Granules != 1 || rep.PDRs != 1 || rep.Failures != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	// every stale record's underlying execution is aborted, not just the
	// execution sweep's own
	for _, a := range []string{arn, granuleARN, pdrARN} {
		if !eng.Aborted(a) {
			t.Fatalf("execution %s not aborted", a)
		}
	}

	for _, probe := range []struct{ typ, id string }{
		{domain.TypeExecution, arn},
		{domain.TypeGranule, "g-stale"},
		{domain.TypePDR, "p-stale"},
	} {
		doc := getDoc(t, idx, probe.typ, probe.id)
		if doc["status"] != domain.StatusFailed {
			t.Fatalf("%s %s not marked failed: %+v", probe.typ, probe.id, doc)
		}
		block, ok := doc["error"].(map[string]any)
		if !ok || block["Error"] != "Timeout" {
			t.Fatalf("%s %s missing timeout error block: %+v", probe.typ, probe.id, doc)
		}
	}
}

func TestSweepLeavesFreshRecords(t *testing.T) {
	r, idx, _ := newTestReaper(t)

	seedRunning(t, idx, domain.TypeGranule, "g-fresh", 4*time.Hour+59*time.Minute, index.Doc{"granuleId": "g-fresh"})
	seedRunning(t, idx, domain.TypePDR, "p-fresh", 9*time.Hour, index.Doc{"pdrName": "p-fresh"})

	rep, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Total() != 0 {
		t.Fatalf("fresh records swept: %+v", rep)
	}
	if getDoc(t, idx, domain.TypeGranule, "g-fresh")["status"] != domain.StatusRunning {
		t.Fatalf("fresh granule touched")
	}
}

func TestSweepIgnoresFinishedRecords(t *testing.T) {
	r, idx, _ := newTestReaper(t)
	ctx := context.Background()

	doc := index.Doc{
		"granuleId": "g-done",
		"status":    domain.StatusCompleted,
		"createdAt": frozen.Add(-24 * time.Hour).UnixMilli(),
	}
	if err := idx.Upsert(ctx, domain.TypeGranule, "g-done", doc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rep, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Total() != 0 {
		t.Fatalf("completed record swept: %+v", rep)
	}
}

func TestSweepToleratesMissingExecution(t *testing.T) {
	r, idx, eng := newTestReaper(t)
	ctx := context.Background()

	// the engine has no record of this arn
	arn := "arn:aws:states:us-east-1:111:execution:IngestGranule:gone"
	seedRunning(t, idx, domain.TypeExecution, arn, 6*time.Hour, index.Doc{"arn": arn})

	rep, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep must tolerate missing executions: %v", err)
	}
	if rep.Executions != 1 {
		t.Fatalf("record should still be marked failed: %+v", rep)
	}
	if eng.Started() != 0 {
		t.Fatalf("engine should be untouched")
	}
	if getDoc(t, idx, domain.TypeExecution, arn)["status"] != domain.StatusFailed {
		t.Fatalf("record not marked failed")
	}
}

func TestSweepReapedRecordsStayPut(t *testing.T) {
	r, idx, _ := newTestReaper(t)
	ctx := context.Background()

	seedRunning(t, idx, domain.TypeGranule, "g1", 6*time.Hour, index.Doc{"granuleId": "g1"})

	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	rep, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if rep.Total() != 0 {
		t.Fatalf("already-failed record swept again: %+v", rep)
	}
}
