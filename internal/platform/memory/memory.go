// Package memory provides in-process implementations of the platform
// collaborators, used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"downlink/internal/platform"
)

// Queue is an in-memory work queue with receipt-based deletes.
type Queue struct {
	mu       sync.Mutex
	messages map[string][]platform.Message
	inflight map[string]string // receipt -> queueRef
}

func NewQueue() *Queue {
	return &Queue{
		messages: map[string][]platform.Message{},
		inflight: map[string]string{},
	}
}

func (q *Queue) Enqueue(_ context.Context, queueRef string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := platform.Message{Body: append([]byte(nil), body...), Receipt: uuid.New().String()}
	q.messages[queueRef] = append(q.messages[queueRef], msg)
	return nil
}

func (q *Queue) Receive(ctx context.Context, queueRef string, maxMessages int, wait time.Duration) ([]platform.Message, error) {
	q.mu.Lock()
	if len(q.messages[queueRef]) == 0 && wait > 0 {
		// emulate long polling
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()
	pending := q.messages[queueRef]
	if maxMessages > len(pending) {
		maxMessages = len(pending)
	}
	batch := pending[:maxMessages]
	q.messages[queueRef] = pending[maxMessages:]
	for _, m := range batch {
		q.inflight[m.Receipt] = queueRef
	}
	return batch, nil
}

func (q *Queue) Delete(_ context.Context, queueRef, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[receipt] != queueRef {
		return fmt.Errorf("unknown receipt %q for queue %q", receipt, queueRef)
	}
	delete(q.inflight, receipt)
	return nil
}

// Len reports the backlog of a queue.
func (q *Queue) Len(queueRef string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages[queueRef])
}

// Engine is an in-memory execution engine.
type Engine struct {
	mu         sync.Mutex
	executions map[string]*execution
	// StartErr, when set, is returned by Start.
	StartErr error
}

type execution struct {
	status  string
	errName string
	cause   string
	input   []byte
}

func NewEngine() *Engine {
	return &Engine{executions: map[string]*execution{}}
}

func (e *Engine) Start(_ context.Context, stateMachine, name string, input []byte) (string, error) {
	if e.StartErr != nil {
		return "", e.StartErr
	}
	arn := fmt.Sprintf("%s:%s", stateMachine, name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions[arn] = &execution{status: "RUNNING", input: append([]byte(nil), input...)}
	return arn, nil
}

func (e *Engine) Describe(_ context.Context, arn string) (platform.ExecutionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[arn]
	if !ok {
		return platform.ExecutionStatus{}, platform.ErrExecutionNotFound
	}
	return platform.ExecutionStatus{ARN: arn, Status: ex.status}, nil
}

func (e *Engine) Abort(_ context.Context, arn, errName, cause string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[arn]
	if !ok {
		return platform.ErrExecutionNotFound
	}
	ex.status = "ABORTED"
	ex.errName = errName
	ex.cause = cause
	return nil
}

// Register seeds an execution so it can be described or aborted.
func (e *Engine) Register(arn, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions[arn] = &execution{status: status}
}

// Aborted reports whether an execution has been aborted.
func (e *Engine) Aborted(arn string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.executions[arn]
	return ok && ex.status == "ABORTED"
}

// Started returns the number of executions the engine knows about.
func (e *Engine) Started() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executions)
}

// Topic is an in-memory pub/sub topic recording published messages.
type Topic struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func NewTopic() *Topic {
	return &Topic{published: map[string][][]byte{}}
}

func (t *Topic) Publish(_ context.Context, topicRef string, message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published[topicRef] = append(t.published[topicRef], append([]byte(nil), message...))
	return nil
}

// Messages returns everything published to a topic.
func (t *Topic) Messages(topicRef string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[topicRef]
}

// BlobStore is an in-memory bucket/key object store.
type BlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: map[string][]byte{}}
}

func blobKey(bucket, key string) string { return bucket + "/" + key }

func (b *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.objects[blobKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: s3://%s/%s", platform.ErrBlobNotFound, bucket, key)
	}
	return append([]byte(nil), body...), nil
}

func (b *BlobStore) Put(_ context.Context, bucket, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[blobKey(bucket, key)] = append([]byte(nil), body...)
	return nil
}

func (b *BlobStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[blobKey(bucket, key)]
	return ok, nil
}

// Triggers is an in-memory trigger registry.
type Triggers struct {
	mu       sync.Mutex
	triggers map[string]*trigger
}

type trigger struct {
	ref      string
	schedule string
	state    string
	payload  []byte
}

func NewTriggers() *Triggers {
	return &Triggers{triggers: map[string]*trigger{}}
}

func (t *Triggers) PutTrigger(_ context.Context, name, schedule, state string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.triggers[name]
	if !ok {
		tr = &trigger{ref: "trigger:" + name}
		t.triggers[name] = tr
	}
	tr.schedule = schedule
	tr.state = state
	return tr.ref, nil
}

func (t *Triggers) DeleteTrigger(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.triggers[name]; !ok {
		return fmt.Errorf("trigger %q does not exist", name)
	}
	delete(t.triggers, name)
	return nil
}

func (t *Triggers) AttachTarget(_ context.Context, triggerRef string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.triggers {
		if tr.ref == triggerRef {
			tr.payload = append([]byte(nil), payload...)
			return nil
		}
	}
	return fmt.Errorf("trigger ref %q does not exist", triggerRef)
}

func (t *Triggers) DetachTarget(_ context.Context, triggerRef string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.triggers {
		if tr.ref == triggerRef {
			tr.payload = nil
			return nil
		}
	}
	return fmt.Errorf("trigger ref %q does not exist", triggerRef)
}

// Exists reports whether a named trigger is registered.
func (t *Triggers) Exists(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.triggers[name]
	return ok
}

// Schedule returns the registered schedule for a named trigger.
func (t *Triggers) Schedule(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.triggers[name]; ok {
		return tr.schedule
	}
	return ""
}
