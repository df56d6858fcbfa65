// Package app wires configuration into a running set of components. The
// platform collaborators default to the in-process implementations; a
// deployment swaps them by assembling App itself.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"downlink/internal/config"
	"downlink/internal/dispatch"
	"downlink/internal/index"
	"downlink/internal/indexer"
	"downlink/internal/logger"
	"downlink/internal/metrics"
	"downlink/internal/platform"
	"downlink/internal/platform/memory"
	"downlink/internal/reaper"
	"downlink/internal/rules"
)

// App is the assembled component graph.
type App struct {
	Cfg      *config.Config
	Log      zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Idx      *index.SQLite
	Queue    platform.Queue
	Engine   platform.ExecutionEngine
	Topic    platform.Topic
	Blobs    platform.BlobStore
	Triggers platform.TriggerRegistry

	Indexer    *indexer.Indexer
	Dispatcher *dispatch.Dispatcher
	Rules      *rules.Scheduler
	Reaper     *reaper.Reaper
}

// New assembles the full graph from config, backed by the in-process
// platform.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	idx, err := index.Open(cfg.Index.Path)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", cfg.Index.Path, err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	a := &App{
		Cfg:      cfg,
		Log:      log,
		Registry: registry,
		Metrics:  m,
		Idx:      idx,
		Queue:    memory.NewQueue(),
		Engine:   memory.NewEngine(),
		Topic:    memory.NewTopic(),
		Blobs:    memory.NewBlobStore(),
		Triggers: memory.NewTriggers(),
	}
	a.wire()
	return a, nil
}

// wire builds the components over whatever collaborators the App holds.
// Call it again after swapping a collaborator.
func (a *App) wire() {
	a.Indexer = indexer.New(a.Idx, a.Log)
	a.Indexer.Metrics = a.Metrics

	a.Dispatcher = dispatch.New(
		a.Queue, a.Engine, a.Topic, a.Blobs, a.Idx, a.Indexer,
		a.Cfg.Stack.Bucket, a.Cfg.Dispatch.StartQueue, a.Log,
	)
	a.Dispatcher.Metrics = a.Metrics
	a.Dispatcher.TopicARN = a.Cfg.Dispatch.TopicARN

	a.Rules = rules.New(
		a.Idx, a.Indexer, a.Triggers, a.Blobs, a.Dispatcher,
		a.Cfg.Stack.Bucket, a.Cfg.Stack.Name, a.Log,
	)

	a.Reaper = reaper.New(a.Idx, a.Indexer, a.Engine, a.Log)
	a.Reaper.Metrics = a.Metrics
	a.Reaper.Timeouts = reaper.Timeouts{
		Execution: a.Cfg.Reaper.ExecutionTimeout.Std(),
		Granule:   a.Cfg.Reaper.GranuleTimeout.Std(),
		PDR:       a.Cfg.Reaper.PDRTimeout.Std(),
	}
}

// Budget returns the configured consumer budget.
func (a *App) Budget() dispatch.Budget {
	return dispatch.Budget{
		MessageLimit: a.Cfg.Dispatch.MessageLimit,
		TimeLimit:    a.Cfg.Dispatch.TimeLimit.Std(),
	}
}

// Close releases the index handle.
func (a *App) Close() error {
	if a.Idx != nil {
		return a.Idx.Close()
	}
	return nil
}
