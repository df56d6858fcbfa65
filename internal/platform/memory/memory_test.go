package memory

import (
	"context"
	"testing"
	"time"
)

func TestQueueReceiptDelete(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, "q1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Receive(ctx, "q1", 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := q.Delete(ctx, "q1", msgs[0].Receipt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.Delete(ctx, "q1", msgs[0].Receipt); err == nil {
		t.Fatal("second delete with same receipt must fail")
	}
}

func TestQueueWaitHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Receive(ctx, "empty", 1, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
}

func TestEngineLifecycle(t *testing.T) {
	eng := NewEngine()
	ctx := context.Background()

	arn, err := eng.Start(ctx, "sm", "run-1", []byte(`{}`))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := eng.Describe(ctx, arn)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if status.Status != "RUNNING" {
		t.Fatalf("unexpected status: %s", status.Status)
	}
	if err := eng.Abort(ctx, arn, "Timeout", "too slow"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !eng.Aborted(arn) {
		t.Fatal("execution not aborted")
	}
}

func TestTriggerTargets(t *testing.T) {
	tr := NewTriggers()
	ctx := context.Background()

	ref, err := tr.PutTrigger(ctx, "daily", "rate(1 day)", "ENABLED")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tr.AttachTarget(ctx, ref, []byte(`{"template":"t"}`)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := tr.DetachTarget(ctx, ref); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := tr.DeleteTrigger(ctx, "daily"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tr.DeleteTrigger(ctx, "daily"); err == nil {
		t.Fatal("deleting an absent trigger must fail")
	}
}
