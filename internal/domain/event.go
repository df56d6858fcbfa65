package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// IngestMeta is the workflow bookkeeping block every event carries.
type IngestMeta struct {
	ExecutionName string `json:"execution_name,omitempty"`
	StateMachine  string `json:"state_machine,omitempty"`
	WorkflowName  string `json:"workflow_name,omitempty"`
	Status        string `json:"status,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
	TopicARN      string `json:"topic_arn,omitempty"`
	// DispatchedAt is stamped by the queue consumer just before the
	// execution is started.
	DispatchedAt int64 `json:"dispatched_at,omitempty"`
}

// CMRInfo carries the metadata-repository link for a published granule.
type CMRInfo struct {
	Link string `json:"link,omitempty"`
}

// EventGranule is one granule entry inside an event payload.
type EventGranule struct {
	GranuleID string   `json:"granuleId"`
	Files     []any    `json:"files,omitempty"`
	CMR       *CMRInfo `json:"cmr,omitempty"`
}

// PDRInfo is the PDR entry inside an event payload.
type PDRInfo struct {
	Name       string `json:"name"`
	PANSent    bool   `json:"PANSent,omitempty"`
	PANMessage string `json:"PANmessage,omitempty"`
}

// EventBody is the workflow-specific half of an event payload.
type EventBody struct {
	PDR       *PDRInfo       `json:"pdr,omitempty"`
	Granules  []EventGranule `json:"granules,omitempty"`
	Running   []string       `json:"running,omitempty"`
	Completed []string       `json:"completed,omitempty"`
	Failed    []string       `json:"failed,omitempty"`
}

// WorkflowEvent is the message exchanged between the dispatcher, the
// execution engine and the indexer. Fields are optional by design; missing
// values fall back to defaults at the indexer boundary rather than ad hoc in
// every transform.
type WorkflowEvent struct {
	IngestMeta IngestMeta      `json:"ingest_meta"`
	Collection EventCollection `json:"collection,omitempty"`
	Provider   Provider        `json:"provider,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
	Payload    EventBody       `json:"payload,omitempty"`
	Exception  json.RawMessage `json:"exception,omitempty"`
}

// ParseEvent decodes and validates a raw workflow event.
func ParseEvent(data []byte) (WorkflowEvent, error) {
	var ev WorkflowEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode workflow event: %w", err)
	}
	return ev, nil
}

// ExecutionARN derives the execution id for this event.
func (ev WorkflowEvent) ExecutionARN() string {
	return ExecutionARN(ev.IngestMeta.StateMachine, ev.IngestMeta.ExecutionName)
}

// HasError reports whether the event carries a real exception. The literal
// "None" marker used by upstream workflows does not count.
func (ev WorkflowEvent) HasError() bool {
	if len(ev.Exception) == 0 {
		return false
	}
	trimmed := bytes.TrimSpace(ev.Exception)
	switch string(trimmed) {
	case "null", `""`, `"None"`:
		return false
	}
	return true
}

// WorkflowError is the error block extracted from a failed event's
// exception payload.
type WorkflowError struct {
	Name  string `json:"Error"`
	Cause string `json:"Cause"`
}

// ErrorBlock decodes the exception payload. A bare string exception becomes
// the cause of an unnamed error.
func (ev WorkflowEvent) ErrorBlock() WorkflowError {
	if !ev.HasError() {
		return WorkflowError{}
	}
	var block WorkflowError
	if err := json.Unmarshal(ev.Exception, &block); err == nil && (block.Name != "" || block.Cause != "") {
		return block
	}
	var s string
	if err := json.Unmarshal(ev.Exception, &s); err == nil {
		return WorkflowError{Cause: s}
	}
	return WorkflowError{Cause: string(ev.Exception)}
}
