package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Record types stored in the search index. Each record is a flat document
// keyed by its natural id.
const (
	TypeExecution  = "execution"
	TypeGranule    = "granule"
	TypePDR        = "pdr"
	TypeCollection = "collection"
	TypeProvider   = "provider"
	TypeRule       = "rule"
)

// Record statuses shared across executions, granules and PDRs.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Rule trigger types.
const (
	RuleOnetime   = "onetime"
	RuleScheduled = "scheduled"
	RuleQueue     = "queue"
)

// Rule states.
const (
	RuleEnabled  = "ENABLED"
	RuleDisabled = "DISABLED"
)

// ErrNotFound is returned by CRUD-layer lookups for missing records. Bulk
// search lookups return a tagged Lookup value instead; the asymmetry is
// deliberate.
var ErrNotFound = errors.New("record not found")

// CollectionID builds the index id for a collection.
func CollectionID(name, version string) string {
	return name + "___" + version
}

// SplitCollectionID is the inverse of CollectionID.
func SplitCollectionID(id string) (name, version string, err error) {
	parts := strings.SplitN(id, "___", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("malformed collection id %q", id)
	}
	return parts[0], parts[1], nil
}

// ExecutionARN derives the execution arn from a state machine arn and an
// execution name. Returns "" if either part is missing.
func ExecutionARN(stateMachine, name string) string {
	if stateMachine == "" || name == "" {
		return ""
	}
	arn := strings.Replace(stateMachine, ":stateMachine:", ":execution:", 1)
	return arn + ":" + name
}

// ExecutionURL is the console url for an execution arn.
func ExecutionURL(arn string) string {
	if arn == "" {
		return ""
	}
	return "https://console.aws.amazon.com/states/home?#/executions/details/" + arn
}

// CollectionMeta describes a collection as embedded in workflow events and
// persisted to the index.
type CollectionMeta struct {
	Name                string `json:"name,omitempty"`
	Version             string `json:"version,omitempty"`
	DataType            string `json:"dataType,omitempty"`
	Process             string `json:"process,omitempty"`
	ProviderPath        string `json:"provider_path,omitempty"`
	URLPath             string `json:"url_path,omitempty"`
	GranuleID           string `json:"granuleId,omitempty"`
	GranuleIDExtraction string `json:"granuleIdExtraction,omitempty"`
	SampleFileName      string `json:"sampleFileName,omitempty"`
	Files               []any  `json:"files,omitempty"`
}

// ID returns the collection's index id.
func (m CollectionMeta) ID() string {
	return CollectionID(m.Name, m.Version)
}

// EventCollection accepts both event shapes: a flat collection object or one
// nested under "meta".
type EventCollection struct {
	CollectionMeta
	RefID string          `json:"id,omitempty"`
	Meta  *CollectionMeta `json:"meta,omitempty"`
}

// Resolve returns the effective collection metadata.
func (c EventCollection) Resolve() CollectionMeta {
	if c.Meta != nil {
		return *c.Meta
	}
	return c.CollectionMeta
}

// Provider is a provider snapshot as carried in events and dispatch payloads.
type Provider struct {
	ID                    string `json:"id,omitempty"`
	Protocol              string `json:"protocol,omitempty"`
	Host                  string `json:"host,omitempty"`
	Port                  int    `json:"port,omitempty"`
	GlobalConnectionLimit int    `json:"globalConnectionLimit,omitempty"`
}

// CollectionRef names a collection by name and version.
type CollectionRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RuleTrigger is the trigger half of a rule.
type RuleTrigger struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	// Ref holds the external trigger registration handle while the rule
	// owns one (empty for onetime rules).
	Ref string `json:"ref,omitempty"`
}

// Rule is a persisted trigger configuration producing workflow-start
// payloads.
type Rule struct {
	Name       string         `json:"name"`
	Workflow   string         `json:"workflow"`
	Provider   string         `json:"provider,omitempty"`
	Collection CollectionRef  `json:"collection"`
	Rule       RuleTrigger    `json:"rule"`
	State      string         `json:"state,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
