// Package microservice exposes the intel engine over HTTP.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-intelcache/pkg/intel"
	"github.com/illmade-knight/go-intelcache/pkg/metrics"
	"github.com/illmade-knight/go-intelcache/pkg/refresh"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// Engine is the caller-facing API of the orchestrator. *intel.Service satisfies it.
type Engine interface {
	Facets() []string
	GetFacetData(ctx context.Context, topic, facet string, forceRefresh bool) (types.FacetResult, error)
	GetAllFacetData(ctx context.Context, topic string, facets []string) (map[string]types.FacetResult, error)
	BatchFetchAll(ctx context.Context, topic string) (map[string][]types.RawPayload, error)
	ClearCache(ctx context.Context) error
	ClearExpired(ctx context.Context) (int, error)
	GetCacheStats(ctx context.Context) (types.CacheStats, error)
	BreakerStates() []types.BreakerSnapshot
}

// JobSubmitter queues background refreshes. *refresh.Pool satisfies it.
type JobSubmitter interface {
	Submit(job refresh.Job) error
}

// StatsResponse is the body of GET /v1/cache/stats.
type StatsResponse struct {
	Cache    types.CacheStats        `json:"cache"`
	Breakers []types.BreakerSnapshot `json:"breakers"`
}

// IntelServer serves the engine's HTTP API on top of a BaseServer.
type IntelServer struct {
	*BaseServer
	engine  Engine
	jobs    JobSubmitter
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewIntelServer builds the server and registers its routes. jobs and
// collector are optional.
func NewIntelServer(httpPort string, engine Engine, jobs JobSubmitter, collector *metrics.Collector, logger zerolog.Logger) (*IntelServer, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	s := &IntelServer{
		BaseServer: NewBaseServer(logger, httpPort),
		engine:     engine,
		jobs:       jobs,
		metrics:    collector,
		logger:     logger.With().Str("component", "IntelServer").Logger(),
	}
	s.routes()
	return s, nil
}

func (s *IntelServer) routes() {
	r := s.Router()
	r.Handle("/metrics", s.metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/facets", s.handleListFacets)
		r.Route("/topics/{topic}", func(r chi.Router) {
			r.Get("/facets", s.handleGetAllFacets)
			r.Get("/facets/{facet}", s.handleGetFacet)
			r.Post("/batch", s.handleBatch)
			r.Post("/refresh", s.handleRefresh)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Delete("/", s.handleClearCache)
			r.Delete("/expired", s.handleClearExpired)
		})
	})
}

func (s *IntelServer) handleListFacets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"facets": s.engine.Facets()})
}

func (s *IntelServer) handleGetFacet(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		var err error
		if force, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
	}
	res, err := s.engine.GetFacetData(r.Context(), pathParam(r, "topic"), pathParam(r, "facet"), force)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *IntelServer) handleGetAllFacets(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GetAllFacetData(r.Context(), pathParam(r, "topic"), r.URL.Query()["facet"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *IntelServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.BatchFetchAll(r.Context(), pathParam(r, "topic"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *IntelServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "background refresh is disabled")
		return
	}
	topic := pathParam(r, "topic")
	if topic == "" {
		s.writeError(w, http.StatusBadRequest, intel.ErrEmptyTopic.Error())
		return
	}
	known := make(map[string]bool)
	for _, f := range s.engine.Facets() {
		known[f] = true
	}
	facets := r.URL.Query()["facet"]
	if len(facets) == 0 {
		facets = s.engine.Facets()
	}
	for _, f := range facets {
		if !known[f] {
			s.writeError(w, http.StatusNotFound, "unknown facet "+strconv.Quote(f))
			return
		}
	}

	queued := make([]refresh.Job, 0, len(facets))
	for _, f := range facets {
		job := refresh.Job{Topic: topic, Facet: f}
		if err := s.jobs.Submit(job); err != nil {
			if errors.Is(err, refresh.ErrQueueFull) {
				s.writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "queued": queued})
				return
			}
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		queued = append(queued, job)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

func (s *IntelServer) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetCacheStats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read cache stats.")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{Cache: st, Breakers: s.engine.BreakerStates()})
}

func (s *IntelServer) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearCache(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear cache.")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *IntelServer) handleClearExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearExpired(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear expired records.")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// pathParam returns a decoded chi URL parameter.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (s *IntelServer) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intel.ErrEmptyTopic):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, intel.ErrUnknownFacet):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Engine request failed.")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *IntelServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *IntelServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response body.")
	}
}
