// Package refresh runs forced facet refreshes in the background on a
// bounded worker pool.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-intelcache/pkg/metrics"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

var (
	// ErrQueueFull is returned by Submit when the job queue is at capacity.
	ErrQueueFull = errors.New("refresh: queue full")
	// ErrStopped is returned by Submit once the pool is stopping.
	ErrStopped = errors.New("refresh: pool stopped")
)

// Refresher computes a facet result. *intel.Service satisfies it.
type Refresher interface {
	GetFacetData(ctx context.Context, topic, facet string, forceRefresh bool) (types.FacetResult, error)
}

// Job asks for one (topic, facet) pair to be refreshed.
type Job struct {
	Topic string `json:"topic"`
	Facet string `json:"facet"`
}

// Config holds configuration for a Pool.
type Config struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds one refresh. Defaults to 30s.
	JobTimeout time.Duration
}

// Pool feeds submitted jobs to a fixed set of workers.
type Pool struct {
	cfg       Config
	refresher Refresher
	metrics   *metrics.Collector
	logger    zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	jobs    chan Job
	wg      sync.WaitGroup
}

// NewPool creates a Pool. The metrics collector is optional.
func NewPool(cfg Config, refresher Refresher, collector *metrics.Collector, logger zerolog.Logger) (*Pool, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		refresher: refresher,
		metrics:   collector,
		logger:    logger.With().Str("component", "RefreshPool").Logger(),
		jobs:      make(chan Job, cfg.QueueSize),
	}, nil
}

// Start spawns the workers. They exit when ctx is cancelled or after Stop
// once the queue has drained.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().Int("worker_count", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("Starting refresh workers...")
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(ctx, i)
	}
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job Job) error {
	if job.Topic == "" || job.Facet == "" {
		return fmt.Errorf("refresh job needs a topic and a facet")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.metrics.RefreshQueueDepth(len(p.jobs))
		p.logger.Debug().Str("topic", job.Topic).Str("facet", job.Facet).Msg("Refresh job queued.")
		return nil
	default:
		p.metrics.RefreshJob("rejected")
		return ErrQueueFull
	}
}

// Pending reports how many jobs are waiting for a worker.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Stop refuses new jobs and waits for the workers to finish the queue.
func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping refresh pool...")
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	workerDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		p.logger.Info().Msg("All refresh workers completed gracefully.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for refresh workers to finish.")
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.logger.Debug().Int("worker_id", workerID).Msg("Refresh worker started.")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Int("worker_id", workerID).Msg("Refresh worker shutting down due to context cancellation.")
			return
		case job, ok := <-p.jobs:
			if !ok {
				p.logger.Debug().Int("worker_id", workerID).Msg("Job queue closed, worker exiting.")
				return
			}
			p.metrics.RefreshQueueDepth(len(p.jobs))
			p.run(ctx, job, workerID)
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job, workerID int) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	res, err := p.refresher.GetFacetData(jobCtx, job.Topic, job.Facet, true)
	if err != nil {
		p.metrics.RefreshJob("error")
		p.logger.Error().Err(err).Int("worker_id", workerID).Str("topic", job.Topic).Str("facet", job.Facet).Msg("Refresh job failed.")
		return
	}
	p.metrics.RefreshJob("success")
	p.logger.Info().
		Str("topic", job.Topic).
		Str("facet", job.Facet).
		Str("status", string(res.Status)).
		Float64("confidence", res.Confidence).
		Msg("Successfully refreshed facet.")
}
