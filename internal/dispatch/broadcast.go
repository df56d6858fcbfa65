package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"downlink/internal/domain"
	"downlink/internal/index"
)

// Phase names the two broadcast points of an execution's life.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// registeredFailures are the exception kinds upstream workflows are known
// to raise. Anything else is wrapped generically.
var registeredFailures = map[string]bool{
	"WorkflowError":        true,
	"NotNeededError":       true,
	"IncompleteError":      true,
	"ResourcesLockedError": true,
	"RemoteResourceError":  true,
	"ConnectionTimeout":    true,
}

// WorkflowFailure is a failure remapped from a registered exception kind.
type WorkflowFailure struct {
	Name  string
	Cause string
}

func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("workflow failed with %s: %s", e.Name, e.Cause)
}

// UnknownWorkflowFailure wraps an exception kind no one registered.
type UnknownWorkflowFailure struct {
	Name  string
	Cause string
}

func (e *UnknownWorkflowFailure) Error() string {
	return fmt.Sprintf("workflow failed with unrecognized error %q: %s", e.Name, e.Cause)
}

// failureError remaps an error block to a registered kind when one
// exists.
func failureError(block domain.WorkflowError) error {
	if registeredFailures[block.Name] {
		return &WorkflowFailure{Name: block.Name, Cause: block.Cause}
	}
	return &UnknownWorkflowFailure{Name: block.Name, Cause: block.Cause}
}

// Broadcast publishes the full event to the topic the event itself names.
// On the end phase it derives the final status, persists it against any
// referenced granules, and re-raises workflow failures so upstream retry
// and alerting logic can react. Failures are never swallowed here.
func (d *Dispatcher) Broadcast(ctx context.Context, ev domain.WorkflowEvent, phase Phase) error {
	topic := ev.IngestMeta.TopicARN
	if topic == "" {
		return fmt.Errorf("event names no broadcast topic")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := d.Topic.Publish(ctx, topic, raw); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if phase != PhaseEnd {
		d.Metrics.RecordBroadcast(string(phase), ev.IngestMeta.Status)
		return nil
	}

	status := domain.StatusCompleted
	if ev.HasError() {
		status = domain.StatusFailed
	}
	d.Metrics.RecordBroadcast(string(phase), status)

	for _, g := range ev.Payload.Granules {
		if g.GranuleID == "" {
			continue
		}
		if err := d.Indexer.Patch(ctx, domain.TypeGranule, g.GranuleID, index.Doc{"status": status}); err != nil {
			return fmt.Errorf("persist granule %s status: %w", g.GranuleID, err)
		}
	}

	if status == domain.StatusFailed {
		return failureError(ev.ErrorBlock())
	}
	return nil
}
