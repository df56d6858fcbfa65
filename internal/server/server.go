// Package server exposes the operational HTTP surface: health, metrics,
// and read-only search over the index.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"downlink/internal/domain"
	"downlink/internal/index"
	"downlink/internal/metrics"
	"downlink/internal/query"
	"downlink/internal/search"
)

// Config for the ops HTTP handler.
type Config struct {
	Idx      index.Index
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
}

// searchableTypes are the record types exposed over the read surface.
var searchableTypes = map[string]bool{
	domain.TypeExecution:  true,
	domain.TypeGranule:    true,
	domain.TypePDR:        true,
	domain.TypeCollection: true,
	domain.TypeProvider:   true,
	domain.TypeRule:       true,
}

// New returns the ops HTTP handler. Every endpoint is read-only; writes go
// through the event pipeline and the CLI.
func New(cfg Config) http.Handler {
	router := chi.NewRouter()

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Registry != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	router.Get("/search/{type}", func(w http.ResponseWriter, r *http.Request) {
		typ := chi.URLParam(r, "type")
		if !searchableTypes[typ] {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown record type " + typ})
			return
		}
		params := query.Params{}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		var resp search.Response
		var err error
		if typ == domain.TypeCollection {
			resp, err = search.NewCollections(cfg.Idx, params).Query(r.Context())
		} else {
			resp, err = search.New(cfg.Idx, typ, params).Query(r.Context())
		}
		if err != nil {
			cfg.Log.Error().Err(err).Str("type", typ).Msg("search failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		cfg.Metrics.RecordSearch()
		writeJSON(w, http.StatusOK, resp)
	})

	router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		params := query.Params{}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		summary, err := search.Summarize(r.Context(), cfg.Idx, params, time.Now)
		if err != nil {
			cfg.Log.Error().Err(err).Msg("stats summary failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		cfg.Metrics.RecordSearch()
		writeJSON(w, http.StatusOK, summary)
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
