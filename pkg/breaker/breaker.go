// Package breaker holds one circuit breaker per (facet, provider) pair.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// ErrBreakerOpen is matched by every OpenError.
var ErrBreakerOpen = errors.New("breaker: open")

// OpenError is returned when a call is rejected without a network attempt.
type OpenError struct {
	Facet    string
	Provider string
	// RetryAt is the earliest instant a probe will be admitted.
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker open for facet %q provider %q until %s", e.Facet, e.Provider, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrBreakerOpen }

// Config controls every breaker in a registry.
type Config struct {
	// Threshold is the consecutive failure count that opens a closed breaker.
	Threshold uint32
	// ResetTimeout is how long an opened breaker rejects calls before a probe.
	ResetTimeout time.Duration
	// MaxResetTimeout caps the backoff applied when probes keep failing.
	MaxResetTimeout time.Duration
	// BackoffFactor multiplies the reset timeout each time a probe fails. Values below 1 disable backoff.
	BackoffFactor float64
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.MaxResetTimeout < c.ResetTimeout {
		c.MaxResetTimeout = c.ResetTimeout
	}
	return c
}

type entry struct {
	facet    string
	provider string
	cb       *gobreaker.TwoStepCircuitBreaker

	mu           sync.Mutex
	failures     uint32
	openedAt     time.Time
	reset        time.Duration
	fromHalfOpen bool
}

// Registry lazily creates and holds breakers. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*entry
	// onChange, when set, observes every state transition.
	onChange func(facet, provider string, to gobreaker.State)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "BreakerRegistry").Logger(),
		now:      time.Now,
		breakers: make(map[string]*entry),
	}
}

// OnStateChange registers an observer for breaker transitions. It must be
// called before the registry is used.
func (r *Registry) OnStateChange(fn func(facet, provider string, to gobreaker.State)) {
	r.onChange = fn
}

func (r *Registry) get(facet, provider string) *entry {
	key := facet + "/" + provider
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[key]; ok {
		return e
	}

	e := &entry{facet: facet, provider: provider, reset: r.cfg.ResetTimeout}
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: key,
		// Exactly one probe is admitted while half-open.
		MaxRequests: 1,
		// Closed-state counts are only cleared by a success.
		Interval: 0,
		Timeout:  r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.transition(e, from, to)
		},
	})
	r.breakers[key] = e
	return e
}

// transition runs inside gobreaker's lock for e.cb.
func (r *Registry) transition(e *entry, from, to gobreaker.State) {
	e.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		e.openedAt = r.now()
		if from == gobreaker.StateHalfOpen && r.cfg.BackoffFactor > 1 {
			next := time.Duration(float64(e.reset) * r.cfg.BackoffFactor)
			if next > r.cfg.MaxResetTimeout {
				next = r.cfg.MaxResetTimeout
			}
			e.reset = next
		}
	case gobreaker.StateClosed:
		e.reset = r.cfg.ResetTimeout
		e.openedAt = time.Time{}
	}
	reset := e.reset
	e.mu.Unlock()

	r.logger.Info().
		Str("facet", e.facet).
		Str("provider", e.provider).
		Str("from", from.String()).
		Str("to", to.String()).
		Dur("reset_timeout", reset).
		Msg("Circuit breaker state changed.")
	if r.onChange != nil {
		r.onChange(e.facet, e.provider, to)
	}
}

// Allow asks the breaker for (facet, provider) whether a call may proceed.
// On success the caller must invoke done exactly once with the outcome.
// A rejected call returns an *OpenError.
func (r *Registry) Allow(facet, provider string) (done func(success bool), err error) {
	e := r.get(facet, provider)

	e.mu.Lock()
	retryAt := e.openedAt.Add(e.reset)
	backingOff := !e.openedAt.IsZero() && r.now().Before(retryAt)
	e.mu.Unlock()
	if backingOff {
		return nil, &OpenError{Facet: facet, Provider: provider, RetryAt: retryAt}
	}

	cbDone, err := e.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &OpenError{Facet: facet, Provider: provider, RetryAt: retryAt}
		}
		return nil, fmt.Errorf("breaker %s/%s: %w", facet, provider, err)
	}

	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			e.mu.Lock()
			if success {
				e.failures = 0
			} else {
				e.failures++
			}
			e.mu.Unlock()
			cbDone(success)
		})
	}, nil
}

// Execute runs fn through the breaker. A non-nil error from fn counts as a failure.
func (r *Registry) Execute(facet, provider string, fn func() error) error {
	done, err := r.Allow(facet, provider)
	if err != nil {
		return err
	}
	ferr := fn()
	done(ferr == nil)
	return ferr
}

// State reports the current state of the (facet, provider) breaker.
func (r *Registry) State(facet, provider string) gobreaker.State {
	e := r.get(facet, provider)
	e.mu.Lock()
	backingOff := !e.openedAt.IsZero() && r.now().Before(e.openedAt.Add(e.reset))
	e.mu.Unlock()
	if backingOff {
		return gobreaker.StateOpen
	}
	return e.cb.State()
}

// Snapshot returns every known breaker, ordered by facet then provider.
func (r *Registry) Snapshot() []types.BreakerSnapshot {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.breakers))
	for _, e := range r.breakers {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]types.BreakerSnapshot, 0, len(entries))
	for _, e := range entries {
		state := r.State(e.facet, e.provider)
		e.mu.Lock()
		out = append(out, types.BreakerSnapshot{
			Facet:               e.facet,
			Provider:            e.provider,
			State:               state.String(),
			ConsecutiveFailures: e.failures,
			OpenedAt:            e.openedAt,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Facet == out[j].Facet {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Facet < out[j].Facet
	})
	return out
}
