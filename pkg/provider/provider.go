// Package provider defines the boundary to external data providers: the
// fetch contract, its error taxonomy, and a registry that enforces an
// upper bound on every call.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// Request identifies one fetch.
type Request struct {
	Topic    string
	Facet    string
	Provider string
}

// Fetcher performs one network call to one provider.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// Spec is everything a provider registers. Adding a provider never requires
// orchestrator changes.
type Spec struct {
	Name string
	// Timeout is the provider's own advertised bound. The registry ceiling
	// still applies when it is larger or unset.
	Timeout time.Duration
	// Facets lists the facets this provider can answer. Empty means all.
	Facets []string
	// Extractors optionally overrides the facet's default heuristic extractor
	// for this provider's payload shape.
	Extractors map[string]types.Extractor
}

// Serves reports whether the provider answers facet.
func (s Spec) Serves(facet string) bool {
	if len(s.Facets) == 0 {
		return true
	}
	for _, f := range s.Facets {
		if f == facet {
			return true
		}
	}
	return false
}

type registered struct {
	spec    Spec
	fetcher Fetcher
}

// Registry holds the known providers and enforces the orchestrator's upper
// bound on every fetch.
type Registry struct {
	ceiling time.Duration
	logger  zerolog.Logger

	mu        sync.RWMutex
	providers map[string]registered
}

// NewRegistry creates an empty registry. ceiling bounds every fetch regardless
// of what a provider advertises; zero means 7s.
func NewRegistry(ceiling time.Duration, logger zerolog.Logger) *Registry {
	if ceiling <= 0 {
		ceiling = 7 * time.Second
	}
	return &Registry{
		ceiling:   ceiling,
		logger:    logger.With().Str("component", "ProviderRegistry").Logger(),
		providers: make(map[string]registered),
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(spec Spec, fetcher Fetcher) error {
	if spec.Name == "" {
		return errors.New("provider name cannot be empty")
	}
	if fetcher == nil {
		return fmt.Errorf("provider %q: fetcher cannot be nil", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[spec.Name] = registered{spec: spec, fetcher: fetcher}
	r.logger.Info().Str("provider", spec.Name).Dur("timeout", r.timeoutFor(spec)).Strs("facets", spec.Facets).Msg("Provider registered.")
	return nil
}

// Names returns every registered provider, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the spec a provider registered with.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p.spec, ok
}

// Extractor returns the provider's extractor override for facet, if any.
func (r *Registry) Extractor(name, facet string) types.Extractor {
	spec, ok := r.Lookup(name)
	if !ok || spec.Extractors == nil {
		return nil
	}
	return spec.Extractors[facet]
}

func (r *Registry) timeoutFor(spec Spec) time.Duration {
	if spec.Timeout > 0 && spec.Timeout < r.ceiling {
		return spec.Timeout
	}
	return r.ceiling
}

type fetchResult struct {
	body []byte
	err  error
}

// Fetch calls the named provider, bounded by min(provider timeout, ceiling).
// The bound holds even when the fetcher ignores its context. A body that is
// not valid JSON is an ErrInvalidResponse.
func (r *Registry) Fetch(ctx context.Context, req Request) ([]byte, error) {
	r.mu.RLock()
	p, ok := r.providers[req.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, &ProviderError{Provider: req.Provider, Facet: req.Facet, Kind: ErrUnavailable, Cause: errors.New("provider not registered")}
	}

	timeout := r.timeoutFor(p.spec)
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				r.logger.Error().Str("provider", req.Provider).Str("facet", req.Facet).Interface("panic", v).Msg("Provider fetcher panicked.")
				resultChan <- fetchResult{err: &ProviderError{Provider: req.Provider, Facet: req.Facet, Kind: ErrUnavailable, Cause: fmt.Errorf("fetcher panicked: %v", v)}}
			}
		}()
		body, err := p.fetcher.Fetch(fetchCtx, req)
		resultChan <- fetchResult{body: body, err: err}
	}()

	start := time.Now()
	select {
	case <-fetchCtx.Done():
		r.logger.Warn().Str("provider", req.Provider).Str("facet", req.Facet).Dur("timeout", timeout).Msg("Provider fetch timed out.")
		return nil, &ProviderError{Provider: req.Provider, Facet: req.Facet, Kind: ErrTimeout, Cause: fetchCtx.Err()}
	case res := <-resultChan:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, &ProviderError{Provider: req.Provider, Facet: req.Facet, Kind: ErrTimeout, Cause: res.err}
			}
			return nil, classify(req, res.err)
		}
		if !json.Valid(res.body) {
			return nil, &ProviderError{Provider: req.Provider, Facet: req.Facet, Kind: ErrInvalidResponse, Cause: errors.New("body is not valid JSON")}
		}
		r.logger.Debug().Str("provider", req.Provider).Str("facet", req.Facet).Dur("elapsed", time.Since(start)).Msg("Provider fetch succeeded.")
		return res.body, nil
	}
}
