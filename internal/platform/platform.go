// Package platform declares the external collaborators the core depends
// on: the work queue, the execution engine, the pub/sub topic, the blob
// store and the trigger registry. The physical transports behind these
// interfaces are out of scope; package memory provides in-process
// implementations for tests and local runs.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrExecutionNotFound is returned by ExecutionEngine calls referencing an
// execution the engine does not know. The reaper treats it as expected and
// ignorable on abort; everything else propagates.
var ErrExecutionNotFound = errors.New("execution does not exist")

// ErrBlobNotFound is returned by BlobStore.Get for a missing object.
var ErrBlobNotFound = errors.New("object not found")

// Message is one received queue message.
type Message struct {
	Body    []byte
	Receipt string
}

// Queue is the work queue. Delivery is at-least-once; consumers must
// tolerate redelivery.
type Queue interface {
	Enqueue(ctx context.Context, queueRef string, body []byte) error
	Receive(ctx context.Context, queueRef string, maxMessages int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, queueRef, receipt string) error
}

// ExecutionStatus is the engine's view of one execution.
type ExecutionStatus struct {
	ARN    string
	Status string
}

// ExecutionEngine starts, inspects and aborts workflow executions.
type ExecutionEngine interface {
	Start(ctx context.Context, stateMachine, name string, input []byte) (arn string, err error)
	Describe(ctx context.Context, arn string) (ExecutionStatus, error)
	Abort(ctx context.Context, arn, errName, cause string) error
}

// Topic is the pub/sub broadcast channel for workflow events.
type Topic interface {
	Publish(ctx context.Context, topicRef string, message []byte) error
}

// BlobStore holds workflow templates and snapshots.
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body []byte) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// TriggerRegistry registers external triggers for scheduled and
// queue-triggered rules. A trigger is 1:1 with its rule; no trigger may
// outlive the rule that owns it.
type TriggerRegistry interface {
	PutTrigger(ctx context.Context, name, schedule, state string) (triggerRef string, err error)
	DeleteTrigger(ctx context.Context, name string) error
	AttachTarget(ctx context.Context, triggerRef string, payload []byte) error
	DetachTarget(ctx context.Context, triggerRef string) error
}
