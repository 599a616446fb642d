// Package pubsubsource feeds refresh jobs from a Pub/Sub subscription into
// a refresh pool.
package pubsubsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-intelcache/pkg/refresh"
)

// Submitter accepts refresh jobs. *refresh.Pool satisfies it.
type Submitter interface {
	Submit(job refresh.Job) error
}

// Config holds configuration for a Source.
type Config struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	// Facets expands a message that names only a topic into one job per facet.
	Facets []string
}

// Source receives messages shaped {"topic": "...", "facet": "..."} (or the
// same keys as attributes) and submits them as refresh jobs. Messages are
// acked once queued, nacked when the pool is full, and acked and dropped
// when malformed.
type Source struct {
	subscription *pubsub.Subscription
	submitter    Submitter
	facets       []string
	logger       zerolog.Logger

	cancel   context.CancelFunc
	stopOnce sync.Once
	doneChan chan struct{}
}

// New creates a Source over an existing subscription.
func New(ctx context.Context, cfg Config, client *pubsub.Client, submitter Submitter, logger zerolog.Logger) (*Source, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if submitter == nil {
		return nil, errors.New("submitter cannot be nil")
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	if cfg.NumGoroutines <= 0 {
		cfg.NumGoroutines = 2
	}

	sub := client.Subscription(cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("checking subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &Source{
		subscription: sub,
		submitter:    submitter,
		facets:       cfg.Facets,
		logger:       logger.With().Str("component", "PubSubRefreshSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving in a background goroutine.
func (s *Source) Start(ctx context.Context) {
	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.doneChan)
		s.logger.Info().Msg("Pub/Sub refresh source started.")
		err := s.subscription.Receive(receiveCtx, s.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		s.logger.Info().Msg("Pub/Sub refresh source stopped.")
	}()
}

func (s *Source) handle(_ context.Context, msg *pubsub.Message) {
	jobs, err := s.decode(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed refresh message.")
		msg.Ack()
		return
	}
	for _, job := range jobs {
		if err := s.submitter.Submit(job); err != nil {
			if errors.Is(err, refresh.ErrQueueFull) || errors.Is(err, refresh.ErrStopped) {
				s.logger.Debug().Err(err).Str("msg_id", msg.ID).Msg("Refresh pool unavailable, Nacking.")
				msg.Nack()
				return
			}
			s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Refresh job rejected, dropping.")
		}
	}
	msg.Ack()
}

func (s *Source) decode(msg *pubsub.Message) ([]refresh.Job, error) {
	var job refresh.Job
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			return nil, fmt.Errorf("decode refresh job: %w", err)
		}
	}
	if job.Topic == "" {
		job.Topic = msg.Attributes["topic"]
	}
	if job.Facet == "" {
		job.Facet = msg.Attributes["facet"]
	}
	if job.Topic == "" {
		return nil, errors.New("refresh message names no topic")
	}
	if job.Facet != "" {
		return []refresh.Job{job}, nil
	}
	if len(s.facets) == 0 {
		return nil, errors.New("refresh message names no facet")
	}
	jobs := make([]refresh.Job, 0, len(s.facets))
	for _, f := range s.facets {
		jobs = append(jobs, refresh.Job{Topic: job.Topic, Facet: f})
	}
	return jobs, nil
}

// Stop cancels receiving and waits for the receive loop to exit.
func (s *Source) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			close(s.doneChan)
			return
		}
		s.cancel()
		select {
		case <-s.doneChan:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Done is closed once the receive loop has exited.
func (s *Source) Done() <-chan struct{} { return s.doneChan }
