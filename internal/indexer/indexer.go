// Package indexer denormalizes workflow events into the search index. One
// transform per record type, all with the same shape: extract fields with
// tolerant defaults, compute derived fields, upsert by id with merge
// semantics.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/metrics"
	"downlink/internal/query"
)

// Indexer writes denormalized workflow-run documents. All writes merge
// into existing documents; nothing here replaces a record wholesale.
type Indexer struct {
	Idx     index.Index
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(idx index.Index, log zerolog.Logger) *Indexer {
	return &Indexer{
		Idx: idx,
		Log: log.With().Str("component", "indexer").Logger(),
		Now: time.Now,
	}
}

func (ix *Indexer) nowMillis() int64 {
	if ix.Now != nil {
		return ix.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// HandleEvent runs the execution, PDR and granule upserts for one event
// independently. A failure in one record's upsert does not block the
// others.
func (ix *Indexer) HandleEvent(ctx context.Context, ev domain.WorkflowEvent) error {
	var errs []error
	if err := ix.Execution(ctx, ev); err != nil {
		ix.Log.Error().Err(err).Msg("execution upsert failed")
		errs = append(errs, err)
	}
	if err := ix.PDR(ctx, ev); err != nil {
		ix.Log.Error().Err(err).Msg("pdr upsert failed")
		errs = append(errs, err)
	}
	if err := ix.Granules(ctx, ev); err != nil {
		ix.Log.Error().Err(err).Msg("granule upsert failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Execution upserts the execution record for an event. Events without a
// resolvable execution arn are skipped.
func (ix *Indexer) Execution(ctx context.Context, ev domain.WorkflowEvent) error {
	arn := ev.ExecutionARN()
	if arn == "" {
		return nil
	}
	now := ix.nowMillis()
	doc := index.Doc{
		"name":      ev.IngestMeta.ExecutionName,
		"arn":       arn,
		"execution": domain.ExecutionURL(arn),
		"type":      ev.IngestMeta.WorkflowName,
		"status":    ev.IngestMeta.Status,
		"createdAt": ev.IngestMeta.CreatedAt,
		"timestamp": now,
		"duration":  durationSeconds(ev.IngestMeta.CreatedAt, now),
	}
	if meta := ev.Collection.Resolve(); meta.Name != "" {
		doc["collectionId"] = meta.ID()
	}
	if ev.HasError() {
		doc["error"] = ev.ErrorBlock()
	}
	err := ix.Idx.Upsert(ctx, domain.TypeExecution, arn, doc)
	ix.Metrics.RecordUpsert(domain.TypeExecution, err)
	return err
}

// PDR upserts the PDR record for an event. Events without a PDR are
// skipped.
func (ix *Indexer) PDR(ctx context.Context, ev domain.WorkflowEvent) error {
	pdr := ev.Payload.PDR
	if pdr == nil || pdr.Name == "" {
		return nil
	}
	completed := len(ev.Payload.Completed)
	failed := len(ev.Payload.Failed)
	total := len(ev.Payload.Running) + completed + failed
	stats := map[string]int{
		"processing": pdrProcessing(total, completed, failed),
		"completed":  completed,
		"failed":     failed,
		"total":      total,
	}
	progress := 0.0
	if total > 0 {
		progress = float64(stats["processing"]) / float64(total)
	}

	now := ix.nowMillis()
	arn := ev.ExecutionARN()
	panMessage := pdr.PANMessage
	if panMessage == "" {
		panMessage = "N/A"
	}
	doc := index.Doc{
		"pdrName":    pdr.Name,
		"status":     ev.IngestMeta.Status,
		"provider":   ev.Provider.ID,
		"progress":   progress,
		"execution":  domain.ExecutionURL(arn),
		"PANSent":    pdr.PANSent,
		"PANmessage": panMessage,
		"stats":      stats,
		"createdAt":  ev.IngestMeta.CreatedAt,
		"timestamp":  now,
		"duration":   durationSeconds(ev.IngestMeta.CreatedAt, now),
	}
	putIfSet(doc, "arn", arn)
	if meta := ev.Collection.Resolve(); meta.Name != "" {
		doc["collectionId"] = meta.ID()
	}
	err := ix.Idx.Upsert(ctx, domain.TypePDR, pdr.Name, doc)
	ix.Metrics.RecordUpsert(domain.TypePDR, err)
	return err
}

// pdrProcessing derives the processing count. A malformed upstream event
// where completed+failed exceeds total clamps to zero rather than going
// negative; the behavior is deliberately explicit, not inferred.
func pdrProcessing(total, completed, failed int) int {
	processing := total - completed - failed
	if processing < 0 {
		return 0
	}
	return processing
}

// Granules upserts every granule carried by an event. The parent
// collection is synthesized from the event's embedded metadata if it does
// not exist yet (best-effort referential integrity, not a foreign key).
// Failures are isolated per granule.
func (ix *Indexer) Granules(ctx context.Context, ev domain.WorkflowEvent) error {
	granules := ev.Payload.Granules
	if len(granules) == 0 {
		return nil
	}
	arn := ev.ExecutionARN()
	if arn == "" {
		return nil
	}

	meta := ev.Collection.Resolve()
	var collectionID string
	if meta.Name != "" {
		collectionID = meta.ID()
		if err := ix.ensureCollection(ctx, meta); err != nil {
			return err
		}
	}

	now := ix.nowMillis()
	var errs []error
	for _, g := range granules {
		if g.GranuleID == "" {
			continue
		}
		doc := index.Doc{
			"granuleId": g.GranuleID,
			"status":    ev.IngestMeta.Status,
			"provider":  ev.Provider.ID,
			"execution": domain.ExecutionURL(arn),
			"arn":       arn,
			"published": g.CMR != nil && g.CMR.Link != "",
			"createdAt": ev.IngestMeta.CreatedAt,
			"timestamp": now,
			"duration":  durationSeconds(ev.IngestMeta.CreatedAt, now),
		}
		if collectionID != "" {
			doc["collectionId"] = collectionID
		}
		if ev.Payload.PDR != nil {
			doc["pdrName"] = ev.Payload.PDR.Name
		}
		if g.CMR != nil && g.CMR.Link != "" {
			doc["cmrLink"] = g.CMR.Link
		}
		if len(g.Files) > 0 {
			doc["files"] = g.Files
		}
		if ev.HasError() {
			doc["error"] = ev.ErrorBlock()
		}
		err := ix.Idx.Upsert(ctx, domain.TypeGranule, g.GranuleID, doc)
		ix.Metrics.RecordUpsert(domain.TypeGranule, err)
		if err != nil {
			ix.Log.Error().Err(err).Str("granuleId", g.GranuleID).Msg("granule upsert failed")
			errs = append(errs, fmt.Errorf("granule %s: %w", g.GranuleID, err))
		}
	}
	return errors.Join(errs...)
}

// ensureCollection checks for the parent collection and synthesizes it
// from the event metadata when absent. Check-then-create; two concurrent
// events for a new collection both converge on the same merged document.
func (ix *Indexer) ensureCollection(ctx context.Context, meta domain.CollectionMeta) error {
	q := query.Query{Bool: query.Bool{Must: []query.Clause{
		{Op: query.OpTerm, Field: "_id", Exact: true, Value: meta.ID()},
	}}}
	count, err := ix.Idx.Count(ctx, domain.TypeCollection, q)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", meta.ID(), err)
	}
	if count > 0 {
		return nil
	}
	return ix.Collection(ctx, meta)
}

// Collection upserts a collection record from its metadata.
func (ix *Indexer) Collection(ctx context.Context, meta domain.CollectionMeta) error {
	doc := index.Doc{
		"name":      meta.Name,
		"version":   meta.Version,
		"timestamp": ix.nowMillis(),
	}
	putIfSet(doc, "dataType", meta.DataType)
	putIfSet(doc, "process", meta.Process)
	putIfSet(doc, "provider_path", meta.ProviderPath)
	putIfSet(doc, "url_path", meta.URLPath)
	putIfSet(doc, "granuleId", meta.GranuleID)
	putIfSet(doc, "granuleIdExtraction", meta.GranuleIDExtraction)
	putIfSet(doc, "sampleFileName", meta.SampleFileName)
	if len(meta.Files) > 0 {
		doc["files"] = meta.Files
	}
	err := ix.Idx.Upsert(ctx, domain.TypeCollection, meta.ID(), doc)
	ix.Metrics.RecordUpsert(domain.TypeCollection, err)
	return err
}

// Provider upserts a provider record.
func (ix *Indexer) Provider(ctx context.Context, p domain.Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider record has no id")
	}
	doc := index.Doc{
		"id":        p.ID,
		"protocol":  p.Protocol,
		"host":      p.Host,
		"timestamp": ix.nowMillis(),
	}
	if p.Port != 0 {
		doc["port"] = p.Port
	}
	if p.GlobalConnectionLimit != 0 {
		doc["globalConnectionLimit"] = p.GlobalConnectionLimit
	}
	err := ix.Idx.Upsert(ctx, domain.TypeProvider, p.ID, doc)
	ix.Metrics.RecordUpsert(domain.TypeProvider, err)
	return err
}

// Rule upserts a rule record.
func (ix *Indexer) Rule(ctx context.Context, r domain.Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule record has no name")
	}
	doc, err := toDoc(r)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", r.Name, err)
	}
	doc["timestamp"] = ix.nowMillis()
	err = ix.Idx.Upsert(ctx, domain.TypeRule, r.Name, doc)
	ix.Metrics.RecordUpsert(domain.TypeRule, err)
	return err
}

// Patch merges a partial document into an existing record, stamping a
// fresh write timestamp.
func (ix *Indexer) Patch(ctx context.Context, typ, id string, doc index.Doc) error {
	if len(doc) == 0 {
		return fmt.Errorf("patch %s %s: nothing to update", typ, id)
	}
	doc["timestamp"] = ix.nowMillis()
	err := ix.Idx.Upsert(ctx, typ, id, doc)
	ix.Metrics.RecordUpsert(typ, err)
	return err
}

// Delete removes a record. Records are only ever deleted through explicit
// calls like this one, never by the reaper.
func (ix *Indexer) Delete(ctx context.Context, typ, id string) error {
	return ix.Idx.Delete(ctx, typ, id)
}

func durationSeconds(createdAt, timestamp int64) float64 {
	if createdAt <= 0 || timestamp < createdAt {
		return 0
	}
	return float64(timestamp-createdAt) / 1000
}

func putIfSet(doc index.Doc, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

func toDoc(v any) (index.Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc index.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
