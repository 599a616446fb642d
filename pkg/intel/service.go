// Package intel is the aggregation orchestrator: it resolves cache hits,
// deduplicates concurrent requests, drives the breaker-gated provider
// fan-out, runs extraction and aggregation and writes results back.
package intel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/illmade-knight/go-intelcache/pkg/aggregate"
	"github.com/illmade-knight/go-intelcache/pkg/breaker"
	"github.com/illmade-knight/go-intelcache/pkg/cache"
	"github.com/illmade-knight/go-intelcache/pkg/extract"
	"github.com/illmade-knight/go-intelcache/pkg/inflight"
	"github.com/illmade-knight/go-intelcache/pkg/metrics"
	"github.com/illmade-knight/go-intelcache/pkg/provider"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

var (
	// ErrEmptyTopic is returned when a request names no topic.
	ErrEmptyTopic = errors.New("intel: topic cannot be empty")
	// ErrUnknownFacet is returned when a request names a facet with no requirement.
	ErrUnknownFacet = errors.New("intel: unknown facet")
)

// Config tunes the orchestrator.
type Config struct {
	// HeuristicThreshold is the confidence at which heuristic extraction is
	// trusted without an AI call. Defaults to 0.7.
	HeuristicThreshold float64
	// MinSources is the number of distinct successful providers below which
	// fallback providers are queried. Defaults to 2.
	MinSources int
	// ProviderTimeout bounds each provider call. Defaults to 7s.
	ProviderTimeout time.Duration
	// AITimeout bounds each AI extraction call. Defaults to 7s.
	AITimeout time.Duration
	// RecordHorizon is the manual expiry horizon stamped on new records. Defaults to 30 days.
	RecordHorizon time.Duration
	// Freshness is how old a record may be and still count as representing
	// its provider. Defaults to 24h.
	Freshness time.Duration
	// MaxAIPayloads bounds the payloads sent per AI call. Defaults to 5.
	MaxAIPayloads int
	// FetchConcurrency bounds concurrent provider calls per fan-out. Defaults to 8.
	FetchConcurrency int
	Aggregation      aggregate.Options
}

func (c Config) withDefaults() Config {
	if c.HeuristicThreshold <= 0 {
		c.HeuristicThreshold = 0.7
	}
	if c.MinSources <= 0 {
		c.MinSources = 2
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 7 * time.Second
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 7 * time.Second
	}
	if c.RecordHorizon <= 0 {
		c.RecordHorizon = 30 * 24 * time.Hour
	}
	if c.Freshness <= 0 {
		c.Freshness = 24 * time.Hour
	}
	if c.MaxAIPayloads <= 0 {
		c.MaxAIPayloads = 5
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 8
	}
	return c
}

// Dependencies are the collaborators a Service is built from.
type Dependencies struct {
	// Store is normally a *cache.TieredStore.
	Store     cache.RecordStore
	Providers *provider.Registry
	Breakers  *breaker.Registry
	// AI is optional; without it extraction is heuristic-only.
	AI extract.AIExtractor
	// Metrics is optional.
	Metrics *metrics.Collector
	// Facets defaults to DefaultFacets.
	Facets []types.FacetRequirement
}

// Service is the aggregation orchestrator. One instance is shared per process.
type Service struct {
	cfg       Config
	store     cache.RecordStore
	providers *provider.Registry
	breakers  *breaker.Registry
	ai        extract.AIExtractor
	metrics   *metrics.Collector
	logger    zerolog.Logger

	facets    map[string]types.FacetRequirement
	facetList []string

	requests *inflight.Registry[types.FacetResult]
	batches  *inflight.Registry[map[string][]types.RawPayload]
	guard    *cache.VersionGuard
	seq      atomic.Uint64
	now      func() time.Time
}

// NewService creates the orchestrator.
func NewService(cfg Config, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Providers == nil {
		return nil, errors.New("provider registry cannot be nil")
	}
	if deps.Breakers == nil {
		return nil, errors.New("breaker registry cannot be nil")
	}
	facets := deps.Facets
	if len(facets) == 0 {
		facets = DefaultFacets()
	}

	s := &Service{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		providers: deps.Providers,
		breakers:  deps.Breakers,
		ai:        deps.AI,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "IntelService").Logger(),
		facets:    make(map[string]types.FacetRequirement, len(facets)),
		requests:  inflight.NewRegistry[types.FacetResult](logger),
		batches:   inflight.NewRegistry[map[string][]types.RawPayload](logger),
		guard:     cache.NewVersionGuard(),
		now:       time.Now,
	}
	for _, f := range facets {
		if f.Name == "" {
			return nil, errors.New("facet requirement has no name")
		}
		if _, dup := s.facets[f.Name]; dup {
			return nil, fmt.Errorf("duplicate facet requirement %q", f.Name)
		}
		if aggregate.ForKind(f.Kind) == nil || extract.ForKind(f.Kind) == nil {
			return nil, fmt.Errorf("facet %q has unknown kind %q", f.Name, f.Kind)
		}
		s.facets[f.Name] = f
		s.facetList = append(s.facetList, f.Name)
	}
	if deps.Metrics != nil {
		deps.Breakers.OnStateChange(func(facet, provider string, to gobreaker.State) {
			deps.Metrics.BreakerState(facet, provider, int(to))
		})
	}
	// Sequence numbers order writes across restarts too.
	s.seq.Store(uint64(time.Now().UnixNano()))

	s.logger.Info().Strs("facets", s.facetList).Strs("providers", deps.Providers.Names()).Bool("ai_enabled", deps.AI != nil).Msg("Intel service initialized.")
	return s, nil
}

// Facets returns the configured facet names in configuration order.
func (s *Service) Facets() []string {
	return append([]string(nil), s.facetList...)
}

func (s *Service) requirement(topic, facet string) (types.FacetRequirement, error) {
	if topic == "" {
		return types.FacetRequirement{}, ErrEmptyTopic
	}
	req, ok := s.facets[facet]
	if !ok {
		return types.FacetRequirement{}, fmt.Errorf("%w: %q", ErrUnknownFacet, facet)
	}
	return req, nil
}

// GetFacetData returns the current result for (topic, facet). Concurrent
// identical calls share one pipeline. forceRefresh bypasses the cache and
// supersedes any running non-forced pipeline for the same key. Degraded
// data never produces an error; only an empty topic or unknown facet does.
func (s *Service) GetFacetData(ctx context.Context, topic, facet string, forceRefresh bool) (types.FacetResult, error) {
	req, err := s.requirement(topic, facet)
	if err != nil {
		return types.FacetResult{}, err
	}
	start := s.now()
	key := types.RequestKey(topic, facet)
	run := func(ctx context.Context) (types.FacetResult, error) {
		return s.compute(ctx, topic, req, forceRefresh, s.seq.Add(1)), nil
	}

	var res types.FacetResult
	var shared bool
	if forceRefresh {
		res, shared, err = s.requests.Supersede(ctx, key, run)
	} else {
		res, shared, err = s.requests.Do(ctx, key, run)
	}
	if err != nil {
		// Only the caller's own context can fail here.
		return types.FacetResult{}, err
	}
	if shared {
		s.metrics.Deduplicated(facet)
	}
	s.metrics.FacetResult(facet, string(res.Status), s.now().Sub(start))
	return res, nil
}

// GetAllFacetData returns results for facets (every configured facet when
// empty). With several facets the topic's providers are fetched once up
// front so facets sharing a provider do not each pay for it.
func (s *Service) GetAllFacetData(ctx context.Context, topic string, facets []string) (map[string]types.FacetResult, error) {
	if len(facets) == 0 {
		facets = s.facetList
	}
	for _, f := range facets {
		if _, err := s.requirement(topic, f); err != nil {
			return nil, err
		}
	}
	if len(facets) > 1 {
		if _, err := s.batchFetch(ctx, topic, s.providersFor(facets), facets); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("Prefetch failed; facets will fetch individually.")
		}
	}

	results := make([]types.FacetResult, len(facets))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range facets {
		g.Go(func() error {
			res, err := s.GetFacetData(gctx, topic, f, false)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]types.FacetResult, len(facets))
	for i, f := range facets {
		out[f] = results[i]
	}
	return out, nil
}

// ClearCache empties both cache tiers. Pipelines still running settle for
// their callers, but their cache writes are rejected.
func (s *Service) ClearCache(ctx context.Context) error {
	floor := s.seq.Load()
	s.guard.Reset(floor)
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.logger.Info().Msg("Cache cleared.")
	return nil
}

// ClearExpired removes records past their manual horizon and reports how many.
func (s *Service) ClearExpired(ctx context.Context) (int, error) {
	n, err := s.store.ClearExpired(ctx)
	if err != nil {
		return n, fmt.Errorf("clear expired: %w", err)
	}
	s.logger.Info().Int("removed", n).Msg("Expired records cleared.")
	return n, nil
}

type tierStatter interface {
	TierStats(ctx context.Context) (types.CacheStats, error)
}

// GetCacheStats reports per-tier record counts and running pipelines.
func (s *Service) GetCacheStats(ctx context.Context) (types.CacheStats, error) {
	var out types.CacheStats
	if ts, ok := s.store.(tierStatter); ok {
		st, err := ts.TierStats(ctx)
		if err != nil {
			return out, fmt.Errorf("cache stats: %w", err)
		}
		out = st
	} else {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return out, fmt.Errorf("cache stats: %w", err)
		}
		out.Durable = st
	}
	out.InFlight = s.requests.InFlight() + s.batches.InFlight()
	return out, nil
}

// BreakerStates returns a snapshot of every circuit breaker.
func (s *Service) BreakerStates() []types.BreakerSnapshot {
	return s.breakers.Snapshot()
}
