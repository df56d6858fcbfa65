package dispatch

import (
	"context"
	"encoding/json"
	"errors"
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

func termQuery(field string, value any) query.Query {
	return query.Query{Bool: query.Bool{Must: []query.Clause{
		{Op: query.OpTerm, Field: field, Exact: true, Value: value},
	}}}
}

type fixture struct {
	dispatcher *Dispatcher
	queue      *memory.Queue
	engine     *memory.Engine
	topic      *memory.Topic
	blobs      *memory.BlobStore
	idx        *index.SQLite
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	f := &fixture{
		queue:  memory.NewQueue(),
		engine: memory.NewEngine(),
		topic:  memory.NewTopic(),
		blobs:  memory.NewBlobStore(),
		idx:    idx,
	}
	ix := indexer.New(idx, logger.Nop())
	f.dispatcher = New(f.queue, f.engine, f.topic, f.blobs, idx, ix, "test-internal", "test-start", logger.Nop())
	return f
}

func (f *fixture) putTemplate(t *testing.T, key string, template map[string]any) {
	t.Helper()
	raw, err := json.Marshal(template)
	if err != nil {
		t.Fatalf("encode template: %v", err)
	}
	if err := f.blobs.Put(context.Background(), "test-internal", key, raw); err != nil {
		t.Fatalf("put template: %v", err)
	}
}

func (f *fixture) receiveOne(t *testing.T) map[string]any {
	t.Helper()
	msgs, err := f.queue.Receive(context.Background(), "test-start", 1, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(msgs))
	}
	var m map[string]any
	if err := json.Unmarshal(msgs[0].Body, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

func TestScheduleHydratesTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.Now = func() time.Time { return time.UnixMilli(1700000000000) }

	key := TemplateKey("test", "IngestGranule")
	f.putTemplate(t, key, map[string]any{
		"ingest_meta": map[string]any{
			"state_machine": "arn:aws:states:us-east-1:111:stateMachine:IngestGranule",
			"topic_arn":     "arn:aws:sns:us-east-1:111:events",
		},
		"meta": map[string]any{"stack": "test"},
	})

	err := f.dispatcher.Schedule(ctx, Request{
		Template: key,
		Meta:     map[string]any{"retries": float64(3)},
		Payload:  map[string]any{"granules": []any{}},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	msg := f.receiveOne(t)
	ingest := msg["ingest_meta"].(map[string]any)
	if ingest["state_machine"] != "arn:aws:states:us-east-1:111:stateMachine:IngestGranule" {
		t.Fatalf("template fields lost: %+v", ingest)
	}
	if name, _ := ingest["execution_name"].(string); name == "" {
		t.Fatalf("execution name not stamped: %+v", ingest)
	}
	if ingest["createdAt"] != float64(1700000000000) {
		t.Fatalf("createdAt not stamped: %v", ingest["createdAt"])
	}
	meta := msg["meta"].(map[string]any)
	if meta["stack"] != "test" || meta["retries"] != float64(3) {
		t.Fatalf("meta overlay wrong: %+v", meta)
	}
	if _, ok := msg["payload"]; !ok {
		t.Fatalf("payload not set: %+v", msg)
	}
}

func TestScheduleStampsDefaultTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.TopicARN = "arn:aws:sns:us-east-1:111:default"

	key := TemplateKey("test", "IngestGranule")
	f.putTemplate(t, key, map[string]any{
		"ingest_meta": map[string]any{"state_machine": "sm"},
	})
	if err := f.dispatcher.Schedule(ctx, Request{Template: key}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ingest := f.receiveOne(t)["ingest_meta"].(map[string]any)
	if ingest["topic_arn"] != "arn:aws:sns:us-east-1:111:default" {
		t.Fatalf("default topic not stamped: %+v", ingest)
	}
}

func TestScheduleKeepsTemplateTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.TopicARN = "arn:aws:sns:us-east-1:111:default"

	key := TemplateKey("test", "IngestGranule")
	f.putTemplate(t, key, map[string]any{
		"ingest_meta": map[string]any{"topic_arn": "arn:aws:sns:us-east-1:111:events"},
	})
	if err := f.dispatcher.Schedule(ctx, Request{Template: key}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ingest := f.receiveOne(t)["ingest_meta"].(map[string]any)
	if ingest["topic_arn"] != "arn:aws:sns:us-east-1:111:events" {
		t.Fatalf("template topic overwritten: %+v", ingest)
	}
}

func TestScheduleResolvesReferencesAfterTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, domain.TypeProvider, "podaac", index.Doc{"id": "podaac", "host": "example.org"}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := f.idx.Upsert(ctx, domain.TypeCollection, "MOD09GQ___006", index.Doc{"name": "MOD09GQ", "version": "006"}); err != nil {
		t.Fatalf("seed collection: %v", err)
	}

	key := TemplateKey("test", "IngestGranule")
	// the template carries stale defaults that resolution must replace
	f.putTemplate(t, key, map[string]any{
		"ingest_meta": map[string]any{"state_machine": "sm"},
		"provider":    map[string]any{"id": "stale"},
		"collection":  map[string]any{"name": "stale"},
	})

	err := f.dispatcher.Schedule(ctx, Request{
		Template:   key,
		Provider:   "podaac",
		Collection: &domain.CollectionRef{Name: "MOD09GQ", Version: "006"},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	msg := f.receiveOne(t)
	provider := msg["provider"].(map[string]any)
	if provider["id"] != "podaac" || provider["host"] != "example.org" {
		t.Fatalf("provider not resolved over template default: %+v", provider)
	}
	collection := msg["collection"].(map[string]any)
	if collection["name"] != "MOD09GQ" {
		t.Fatalf("collection not resolved over template default: %+v", collection)
	}
}

func TestScheduleUnknownProviderFails(t *testing.T) {
	f := newFixture(t)
	key := TemplateKey("test", "IngestGranule")
	f.putTemplate(t, key, map[string]any{"ingest_meta": map[string]any{}})

	err := f.dispatcher.Schedule(context.Background(), Request{Template: key, Provider: "nope"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if f.queue.Len("test-start") != 0 {
		t.Fatalf("failed schedule must not enqueue")
	}
}

func TestRunConsumerStartsExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := TemplateKey("test", "IngestGranule")
		f.putTemplate(t, key, map[string]any{
			"ingest_meta": map[string]any{"state_machine": "arn:aws:states:us-east-1:111:stateMachine:IngestGranule"},
		})
		if err := f.dispatcher.Schedule(ctx, Request{Template: key}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	started, err := f.dispatcher.RunConsumer(ctx, "test-start", Budget{MessageLimit: 2, TimeLimit: 5 * time.Second})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if started != 2 {
		t.Fatalf("message budget ignored: started=%d", started)
	}
	if f.engine.Started() != 2 {
		t.Fatalf("engine should have 2 executions, got %d", f.engine.Started())
	}
	if f.queue.Len("test-start") != 1 {
		t.Fatalf("one message should remain, got %d", f.queue.Len("test-start"))
	}
}

func TestRunConsumerTimeBudget(t *testing.T) {
	f := newFixture(t)

	begin := time.Now()
	started, err := f.dispatcher.RunConsumer(context.Background(), "test-start", Budget{MessageLimit: 10, TimeLimit: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if started != 0 {
		t.Fatalf("empty queue started executions: %d", started)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("consumer ran past its time budget: %v", elapsed)
	}
}

func TestRunConsumerLeavesBadMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, "test-start", []byte(`{"no": "ingest_meta"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	started, err := f.dispatcher.RunConsumer(ctx, "test-start", Budget{MessageLimit: 1, TimeLimit: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if started != 0 {
		t.Fatalf("malformed message must not start an execution: %d", started)
	}
	if f.engine.Started() != 0 {
		t.Fatalf("engine should be untouched")
	}
}

func TestBroadcastStartPhase(t *testing.T) {
	f := newFixture(t)
	ev := domain.WorkflowEvent{}
	ev.IngestMeta.TopicARN = "arn:aws:sns:us-east-1:111:events"
	ev.IngestMeta.Status = domain.StatusRunning

	if err := f.dispatcher.Broadcast(context.Background(), ev, PhaseStart); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(f.topic.Messages("arn:aws:sns:us-east-1:111:events")) != 1 {
		t.Fatalf("event not published")
	}
}

func TestBroadcastWithoutTopicFails(t *testing.T) {
	f := newFixture(t)
	if err := f.dispatcher.Broadcast(context.Background(), domain.WorkflowEvent{}, PhaseStart); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestBroadcastEndPhaseFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, domain.TypeGranule, "g1", index.Doc{"granuleId": "g1", "status": "running"}); err != nil {
		t.Fatalf("seed granule: %v", err)
	}

	ev := domain.WorkflowEvent{}
	ev.IngestMeta.TopicARN = "arn:aws:sns:us-east-1:111:events"
	ev.Payload.Granules = []domain.EventGranule{{GranuleID: "g1"}}
	ev.Exception = json.RawMessage(`{"Error": "RemoteResourceError", "Cause": "connection reset"}`)

	err := f.dispatcher.Broadcast(ctx, ev, PhaseEnd)
	var failure *WorkflowFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected WorkflowFailure, got %v", err)
	}
	if failure.Name != "RemoteResourceError" {
		t.Fatalf("unexpected failure name: %s", failure.Name)
	}

	// the granule is marked failed before the error is raised
	hits, err2 := f.idx.Search(ctx, domain.TypeGranule, termQuery("_id", "g1"), 0, 1)
	if err2 != nil {
		t.Fatalf("search: %v", err2)
	}
	if hits.Docs[0]["status"] != domain.StatusFailed {
		t.Fatalf("granule status not persisted: %+v", hits.Docs[0])
	}
}

func TestBroadcastEndPhaseUnknownFailure(t *testing.T) {
	f := newFixture(t)
	ev := domain.WorkflowEvent{}
	ev.IngestMeta.TopicARN = "arn:aws:sns:us-east-1:111:events"
	ev.Exception = json.RawMessage(`{"Error": "SomethingNew", "Cause": "?"}`)

	err := f.dispatcher.Broadcast(context.Background(), ev, PhaseEnd)
	var unknown *UnknownWorkflowFailure
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownWorkflowFailure, got %v", err)
	}
}

func TestBroadcastEndPhaseCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.idx.Upsert(ctx, domain.TypeGranule, "g1", index.Doc{"granuleId": "g1", "status": "running"}); err != nil {
		t.Fatalf("seed granule: %v", err)
	}
	ev := domain.WorkflowEvent{}
	ev.IngestMeta.TopicARN = "arn:aws:sns:us-east-1:111:events"
	ev.Payload.Granules = []domain.EventGranule{{GranuleID: "g1"}}

	if err := f.dispatcher.Broadcast(ctx, ev, PhaseEnd); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	hits, err := f.idx.Search(ctx, domain.TypeGranule, termQuery("_id", "g1"), 0, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits.Docs[0]["status"] != domain.StatusCompleted {
		t.Fatalf("granule not marked completed: %+v", hits.Docs[0])
	}
}
