// Package rules manages trigger configurations: validation, external
// trigger registration, and the translation of rules into dispatch
// requests.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"downlink/internal/dispatch"
	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/indexer"
	"downlink/internal/platform"
	"downlink/internal/search"
)

// namePattern keeps rule names usable as trigger names downstream.
var namePattern = regexp.MustCompile(`^\w+$`)

// updatableFields are the only keys Update accepts. Everything else on a
// rule is immutable after creation.
var updatableFields = map[string]bool{
	"state":      true,
	"rule.value": true,
}

// ValidationError reports a rejected rule payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

// Dispatch is the slice of the dispatcher the scheduler uses.
type Dispatch interface {
	Schedule(ctx context.Context, req dispatch.Request) error
}

// Scheduler owns the rule lifecycle.
type Scheduler struct {
	Idx      index.Index
	Indexer  *indexer.Indexer
	Triggers platform.TriggerRegistry
	Blobs    platform.BlobStore
	Dispatch Dispatch
	Bucket   string
	Stack    string
	Log      zerolog.Logger
}

func New(idx index.Index, ix *indexer.Indexer, triggers platform.TriggerRegistry, blobs platform.BlobStore, disp Dispatch, bucket, stack string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Idx:      idx,
		Indexer:  ix,
		Triggers: triggers,
		Blobs:    blobs,
		Dispatch: disp,
		Bucket:   bucket,
		Stack:    stack,
		Log:      log.With().Str("component", "rules").Logger(),
	}
}

// Create validates a new rule, verifies its references, registers its
// trigger and persists it. Onetime rules fire immediately when enabled
// and register nothing. Reference checks run before any external side
// effect so a rejected rule leaves no trigger behind.
func (s *Scheduler) Create(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	if !namePattern.MatchString(r.Name) {
		return r, &ValidationError{Field: "name", Reason: "must match ^\\w+$"}
	}
	if r.Workflow == "" {
		return r, &ValidationError{Field: "workflow", Reason: "must be provided"}
	}
	switch r.Rule.Type {
	case domain.RuleOnetime:
		if r.Rule.Value != "" {
			return r, &ValidationError{Field: "rule.value", Reason: "must be empty for onetime rules"}
		}
	case domain.RuleScheduled, domain.RuleQueue:
		if r.Rule.Value == "" {
			return r, &ValidationError{Field: "rule.value", Reason: "must be provided"}
		}
	default:
		return r, &ValidationError{Field: "rule.type", Reason: fmt.Sprintf("unknown type %q", r.Rule.Type)}
	}
	if r.State == "" {
		r.State = domain.RuleEnabled
	}
	if r.State != domain.RuleEnabled && r.State != domain.RuleDisabled {
		return r, &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", r.State)}
	}

	if err := s.checkReferences(ctx, r); err != nil {
		return r, err
	}

	switch r.Rule.Type {
	case domain.RuleOnetime:
		if r.State == domain.RuleEnabled {
			if err := s.Dispatch.Schedule(ctx, s.request(r)); err != nil {
				return r, fmt.Errorf("fire onetime rule %s: %w", r.Name, err)
			}
		}
	default:
		ref, err := s.registerTrigger(ctx, r)
		if err != nil {
			return r, err
		}
		r.Rule.Ref = ref
	}

	if err := s.Indexer.Rule(ctx, r); err != nil {
		return r, fmt.Errorf("persist rule %s: %w", r.Name, err)
	}
	s.Log.Info().Str("rule", r.Name).Str("type", r.Rule.Type).Msg("rule created")
	return r, nil
}

// Update applies a partial change to an existing rule. Only the state and
// the trigger value may change; the trigger type in particular is fixed
// for the rule's lifetime. The external trigger is re-registered before
// the record is persisted so a registry failure leaves the stored rule
// untouched.
func (s *Scheduler) Update(ctx context.Context, name string, change map[string]any) (domain.Rule, error) {
	for key := range change {
		if !updatableFields[key] {
			return domain.Rule{}, &ValidationError{Field: key, Reason: "is not updatable"}
		}
	}
	r, err := s.Get(ctx, name)
	if err != nil {
		return domain.Rule{}, err
	}
	if r.Rule.Type == domain.RuleOnetime {
		return r, &ValidationError{Field: "rule.type", Reason: "onetime rules cannot be updated"}
	}

	if v, ok := change["state"]; ok {
		state, _ := v.(string)
		if state != domain.RuleEnabled && state != domain.RuleDisabled {
			return r, &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", v)}
		}
		r.State = state
	}
	if v, ok := change["rule.value"]; ok {
		value, _ := v.(string)
		if value == "" {
			return r, &ValidationError{Field: "rule.value", Reason: "must be provided"}
		}
		r.Rule.Value = value
	}

	ref, err := s.registerTrigger(ctx, r)
	if err != nil {
		return r, err
	}
	r.Rule.Ref = ref

	if err := s.Indexer.Rule(ctx, r); err != nil {
		return r, fmt.Errorf("persist rule %s: %w", r.Name, err)
	}
	s.Log.Info().Str("rule", r.Name).Msg("rule updated")
	return r, nil
}

// Delete removes a rule, tearing down its external trigger first. The
// index record is only removed once the registry is clean, so a partial
// failure leaves a visible record rather than an orphaned trigger.
func (s *Scheduler) Delete(ctx context.Context, name string) error {
	r, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if r.Rule.Type != domain.RuleOnetime {
		if r.Rule.Ref != "" {
			if err := s.Triggers.DetachTarget(ctx, r.Rule.Ref); err != nil {
				return fmt.Errorf("detach trigger target for %s: %w", name, err)
			}
		}
		if err := s.Triggers.DeleteTrigger(ctx, name); err != nil {
			return fmt.Errorf("delete trigger for %s: %w", name, err)
		}
	}
	if err := s.Indexer.Delete(ctx, domain.TypeRule, name); err != nil {
		return fmt.Errorf("delete rule %s: %w", name, err)
	}
	s.Log.Info().Str("rule", name).Msg("rule deleted")
	return nil
}

// Get fetches a rule by name.
func (s *Scheduler) Get(ctx context.Context, name string) (domain.Rule, error) {
	lookup, err := search.New(s.Idx, domain.TypeRule, nil).Get(ctx, name)
	if err != nil {
		return domain.Rule{}, err
	}
	if lookup.Status != search.Found {
		return domain.Rule{}, fmt.Errorf("rule %s: %w", name, domain.ErrNotFound)
	}
	var r domain.Rule
	raw, err := json.Marshal(lookup.Record)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("decode rule %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Rule{}, fmt.Errorf("decode rule %s: %w", name, err)
	}
	return r, nil
}

// checkReferences verifies the workflow template exists in the blob store
// and the named collection and provider exist in the index.
func (s *Scheduler) checkReferences(ctx context.Context, r domain.Rule) error {
	key := dispatch.TemplateKey(s.Stack, r.Workflow)
	ok, err := s.Blobs.Exists(ctx, s.Bucket, key)
	if err != nil {
		return fmt.Errorf("check workflow template %s: %w", key, err)
	}
	if !ok {
		return &ValidationError{Field: "workflow", Reason: fmt.Sprintf("%q has no template", r.Workflow)}
	}

	if r.Collection.Name != "" {
		id := domain.CollectionID(r.Collection.Name, r.Collection.Version)
		if err := s.checkRecord(ctx, domain.TypeCollection, id, "collection"); err != nil {
			return err
		}
	}
	if r.Provider != "" {
		if err := s.checkRecord(ctx, domain.TypeProvider, r.Provider, "provider"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) checkRecord(ctx context.Context, typ, id, field string) error {
	lookup, err := search.New(s.Idx, typ, nil).Get(ctx, id)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", field, id, err)
	}
	if lookup.Status != search.Found {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q does not exist", id)}
	}
	return nil
}

// registerTrigger writes the rule's trigger to the registry and attaches
// the dispatch payload as its target.
func (s *Scheduler) registerTrigger(ctx context.Context, r domain.Rule) (string, error) {
	ref, err := s.Triggers.PutTrigger(ctx, r.Name, r.Rule.Value, r.State)
	if err != nil {
		return "", fmt.Errorf("register trigger for %s: %w", r.Name, err)
	}
	payload, err := json.Marshal(s.request(r))
	if err != nil {
		return "", fmt.Errorf("encode trigger payload for %s: %w", r.Name, err)
	}
	if err := s.Triggers.AttachTarget(ctx, ref, payload); err != nil {
		return "", fmt.Errorf("attach trigger target for %s: %w", r.Name, err)
	}
	return ref, nil
}

// request maps a rule to the dispatch payload fired when it triggers.
func (s *Scheduler) request(r domain.Rule) dispatch.Request {
	req := dispatch.Request{
		Template: dispatch.TemplateKey(s.Stack, r.Workflow),
		Provider: r.Provider,
		Meta:     r.Meta,
		Payload:  r.Payload,
	}
	if r.Collection.Name != "" {
		c := r.Collection
		req.Collection = &c
	}
	return req
}
