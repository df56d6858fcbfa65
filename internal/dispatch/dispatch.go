// Package dispatch turns rule payloads into running workflow executions:
// a producer that hydrates templates onto the start queue, a budgeted
// queue consumer that starts executions, and the start/completion event
// broadcast.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/indexer"
	"downlink/internal/metrics"
	"downlink/internal/platform"
	"downlink/internal/query"
)

// Request is the dispatch payload contract shared with the rule
// scheduler: a workflow template location plus references resolved fresh
// at dispatch time, so a rule's effective input follows collection and
// provider changes.
type Request struct {
	Template   string                `json:"template"`
	Provider   string                `json:"provider,omitempty"`
	Collection *domain.CollectionRef `json:"collection,omitempty"`
	Meta       map[string]any        `json:"meta,omitempty"`
	Payload    map[string]any        `json:"payload,omitempty"`
}

// TemplateKey is the blob-store key of a workflow template.
func TemplateKey(stack, workflow string) string {
	return stack + "/workflows/" + workflow + ".json"
}

// Budget bounds one consumer run. The budget is the cancellation
// mechanism: there is no external stop signal.
type Budget struct {
	MessageLimit int
	TimeLimit    time.Duration
}

const (
	defaultMessageLimit = 1
	defaultTimeLimit    = 120 * time.Second
	receiveBatch        = 10
)

// Dispatcher wires the start queue, the execution engine and the
// broadcast topic together.
type Dispatcher struct {
	Queue      platform.Queue
	Engine     platform.ExecutionEngine
	Topic      platform.Topic
	Blobs      platform.BlobStore
	Idx        index.Index
	Indexer    *indexer.Indexer
	Bucket     string
	StartQueue string
	TopicARN   string
	Log        zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

func New(q platform.Queue, eng platform.ExecutionEngine, topic platform.Topic, blobs platform.BlobStore, idx index.Index, ix *indexer.Indexer, bucket, startQueue string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Queue:      q,
		Engine:     eng,
		Topic:      topic,
		Blobs:      blobs,
		Idx:        idx,
		Indexer:    ix,
		Bucket:     bucket,
		StartQueue: startQueue,
		Log:        log.With().Str("component", "dispatcher").Logger(),
		Now:        time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Schedule hydrates a workflow template into a concrete execution input
// and enqueues it onto the start queue. Provider and collection
// references are resolved after the template is loaded so template
// defaults never shadow resolved values.
func (d *Dispatcher) Schedule(ctx context.Context, req Request) error {
	body, err := d.Blobs.Get(ctx, d.Bucket, req.Template)
	if err != nil {
		return fmt.Errorf("fetch template %s: %w", req.Template, err)
	}
	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode template %s: %w", req.Template, err)
	}

	ingest, _ := msg["ingest_meta"].(map[string]any)
	if ingest == nil {
		ingest = map[string]any{}
	}
	ingest["execution_name"] = uuid.New().String()
	ingest["createdAt"] = d.now().UnixMilli()
	if _, ok := ingest["topic_arn"]; !ok && d.TopicARN != "" {
		ingest["topic_arn"] = d.TopicARN
	}
	msg["ingest_meta"] = ingest

	if len(req.Meta) > 0 {
		meta, _ := msg["meta"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		for k, v := range req.Meta {
			meta[k] = v
		}
		msg["meta"] = meta
	}
	if req.Payload != nil {
		msg["payload"] = req.Payload
	}

	if req.Provider != "" {
		doc, err := d.lookup(ctx, domain.TypeProvider, req.Provider)
		if err != nil {
			return fmt.Errorf("resolve provider %s: %w", req.Provider, err)
		}
		msg["provider"] = doc
	}
	if req.Collection != nil {
		id := domain.CollectionID(req.Collection.Name, req.Collection.Version)
		doc, err := d.lookup(ctx, domain.TypeCollection, id)
		if err != nil {
			return fmt.Errorf("resolve collection %s: %w", id, err)
		}
		msg["collection"] = doc
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode execution input: %w", err)
	}
	if err := d.Queue.Enqueue(ctx, d.StartQueue, out); err != nil {
		return fmt.Errorf("enqueue execution input: %w", err)
	}
	d.Log.Info().Str("template", req.Template).Msg("scheduled workflow start")
	return nil
}

func (d *Dispatcher) lookup(ctx context.Context, typ, id string) (index.Doc, error) {
	q := query.Query{Bool: query.Bool{Must: []query.Clause{
		{Op: query.OpTerm, Field: "_id", Exact: true, Value: id},
	}}}
	hits, err := d.Idx.Search(ctx, typ, q, 0, 1)
	if err != nil {
		return nil, err
	}
	if hits.Total == 0 {
		return nil, domain.ErrNotFound
	}
	return hits.Docs[0], nil
}

// RunConsumer pulls start messages from a queue and starts an execution
// for each, until either the message or the time budget is exhausted. It
// never loops forever; an external scheduler re-invokes it. Returns the
// number of executions started.
func (d *Dispatcher) RunConsumer(ctx context.Context, queueRef string, budget Budget) (int, error) {
	if budget.MessageLimit <= 0 {
		budget.MessageLimit = defaultMessageLimit
	}
	if budget.TimeLimit <= 0 {
		budget.TimeLimit = defaultTimeLimit
	}
	deadline := d.now().Add(budget.TimeLimit)

	started := 0
	for started < budget.MessageLimit {
		remaining := deadline.Sub(d.now())
		if remaining <= 0 {
			break
		}
		batch := budget.MessageLimit - started
		if batch > receiveBatch {
			batch = receiveBatch
		}
		wait := time.Second
		if remaining < wait {
			wait = remaining
		}
		msgs, err := d.Queue.Receive(ctx, queueRef, batch, wait)
		if err != nil {
			if ctx.Err() != nil {
				return started, ctx.Err()
			}
			return started, fmt.Errorf("receive from %s: %w", queueRef, err)
		}
		for _, msg := range msgs {
			if err := d.startFromMessage(ctx, queueRef, msg); err != nil {
				// leave the message for redelivery
				d.Log.Error().Err(err).Msg("start from queue message failed")
				continue
			}
			started++
			d.Metrics.RecordMessageConsumed()
		}
	}
	return started, nil
}

// startFromMessage stamps a dispatch timestamp into the payload, starts
// the execution named inside it, and deletes the message.
func (d *Dispatcher) startFromMessage(ctx context.Context, queueRef string, msg platform.Message) error {
	var m map[string]any
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		return fmt.Errorf("decode queue message: %w", err)
	}
	ingest, _ := m["ingest_meta"].(map[string]any)
	if ingest == nil {
		return fmt.Errorf("queue message has no ingest_meta")
	}
	stateMachine, _ := ingest["state_machine"].(string)
	name, _ := ingest["execution_name"].(string)
	if stateMachine == "" || name == "" {
		return fmt.Errorf("queue message names no state machine or execution")
	}
	ingest["dispatched_at"] = d.now().UnixMilli()

	input, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode execution input: %w", err)
	}
	arn, err := d.Engine.Start(ctx, stateMachine, name, input)
	if err != nil {
		return fmt.Errorf("start execution %s: %w", name, err)
	}
	if err := d.Queue.Delete(ctx, queueRef, msg.Receipt); err != nil {
		return fmt.Errorf("delete message for %s: %w", arn, err)
	}
	d.Metrics.RecordExecutionStart()
	d.Log.Info().Str("arn", arn).Msg("started execution")
	return nil
}
