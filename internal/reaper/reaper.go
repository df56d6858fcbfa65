// Package reaper finds records stuck in the running state past their
// type's timeout, aborts their executions and marks them failed. It
// never deletes anything.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/indexer"
	"downlink/internal/metrics"
	"downlink/internal/platform"
	"downlink/internal/query"
)

// Timeouts bound how long each record type may stay running. PDRs track
// whole batches of granules and get a longer leash.
type Timeouts struct {
	Execution time.Duration
	Granule   time.Duration
	PDR       time.Duration
}

// DefaultTimeouts mirror the observed upper bounds of healthy runs.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Execution: 5 * time.Hour,
		Granule:   5 * time.Hour,
		PDR:       10 * time.Hour,
	}
}

const sweepPageSize = 100

// timeoutError is the error block written onto every reaped record. The
// cause is honest: the reaper only knows the task never finished.
var timeoutError = index.Doc{
	"Error": "Timeout",
	"Cause": "Task did not finish. Cause unknown",
}

// Reaper sweeps stale running records.
type Reaper struct {
	Idx      index.Index
	Indexer  *indexer.Indexer
	Engine   platform.ExecutionEngine
	Timeouts Timeouts
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func New(idx index.Index, ix *indexer.Indexer, eng platform.ExecutionEngine, log zerolog.Logger) *Reaper {
	return &Reaper{
		Idx:      idx,
		Indexer:  ix,
		Engine:   eng,
		Timeouts: DefaultTimeouts(),
		Log:      log.With().Str("component", "reaper").Logger(),
		Now:      time.Now,
	}
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Report summarizes one sweep.
type Report struct {
	Executions int `json:"executions"`
	Granules   int `json:"granules"`
	PDRs       int `json:"pdrs"`
	Failures   int `json:"failures"`
}

// Total is the number of records marked failed.
func (rep Report) Total() int {
	return rep.Executions + rep.Granules + rep.PDRs
}

// Sweep walks all three record types and reaps everything past its
// timeout. Item failures are counted and logged but do not stop the
// sweep; the returned error joins them.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	n, err := r.sweepType(ctx, domain.TypeExecution, r.Timeouts.Execution, &rep.Failures)
	rep.Executions = n
	if err != nil {
		errs = append(errs, err)
	}
	n, err = r.sweepType(ctx, domain.TypeGranule, r.Timeouts.Granule, &rep.Failures)
	rep.Granules = n
	if err != nil {
		errs = append(errs, err)
	}
	n, err = r.sweepType(ctx, domain.TypePDR, r.Timeouts.PDR, &rep.Failures)
	rep.PDRs = n
	if err != nil {
		errs = append(errs, err)
	}

	r.Log.Info().
		Int("executions", rep.Executions).
		Int("granules", rep.Granules).
		Int("pdrs", rep.PDRs).
		Int("failures", rep.Failures).
		Msg("sweep finished")
	return rep, errors.Join(errs...)
}

// sweepType pages through stale running records of one type. Reaped
// records leave the running set, so each page reads from the front; only
// records that failed to reap are skipped on the next page.
func (r *Reaper) sweepType(ctx context.Context, typ string, timeout time.Duration, failures *int) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-timeout).UnixMilli()
	q := query.Compile(query.Params{
		"status":        domain.StatusRunning,
		"createdAt__to": strconv.FormatInt(cutoff, 10),
	})

	reaped := 0
	skipped := 0
	var errs []error
	for {
		hits, err := r.Idx.Search(ctx, typ, q, skipped, sweepPageSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("search stale %s records: %w", typ, err))
			break
		}
		if len(hits.Docs) == 0 {
			break
		}
		for _, doc := range hits.Docs {
			if err := r.reap(ctx, typ, doc); err != nil {
				r.Log.Error().Err(err).Str("type", typ).Msg("reap failed")
				r.Metrics.RecordSweep(typ, err)
				errs = append(errs, err)
				*failures++
				skipped++
				continue
			}
			r.Metrics.RecordSweep(typ, nil)
			reaped++
		}
		if len(hits.Docs) < sweepPageSize {
			break
		}
	}
	return reaped, errors.Join(errs...)
}

// reap aborts the record's execution when it has one, then marks the
// record failed with a timeout error block. An execution the engine no
// longer knows about is fine; the record is still marked.
func (r *Reaper) reap(ctx context.Context, typ string, doc index.Doc) error {
	id := recordID(typ, doc)
	if id == "" {
		return fmt.Errorf("stale %s record has no id", typ)
	}

	// Granule and PDR records carry the arn of the execution that produced
	// them; their sweeps abort it too. The sweeps overlap, so an execution
	// another sweep already aborted is fine.
	if arn, _ := doc["arn"].(string); arn != "" {
		err := r.Engine.Abort(ctx, arn, "Timeout", "Task did not finish. Cause unknown")
		if err != nil && !errors.Is(err, platform.ErrExecutionNotFound) {
			return fmt.Errorf("abort execution %s: %w", arn, err)
		}
		if errors.Is(err, platform.ErrExecutionNotFound) {
			r.Log.Warn().Str("arn", arn).Msg("stale execution already gone from engine")
		}
	}

	patch := index.Doc{
		"status": domain.StatusFailed,
		"error":  timeoutError,
	}
	if err := r.Indexer.Patch(ctx, typ, id, patch); err != nil {
		return fmt.Errorf("mark %s %s failed: %w", typ, id, err)
	}
	return nil
}

func recordID(typ string, doc index.Doc) string {
	var key string
	switch typ {
	case domain.TypeExecution:
		key = "arn"
	case domain.TypeGranule:
		key = "granuleId"
	case domain.TypePDR:
		key = "pdrName"
	default:
		return ""
	}
	id, _ := doc[key].(string)
	return id
}
