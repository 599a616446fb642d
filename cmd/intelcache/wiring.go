package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-intelcache/pkg/breaker"
	"github.com/illmade-knight/go-intelcache/pkg/cache"
	"github.com/illmade-knight/go-intelcache/pkg/config"
	"github.com/illmade-knight/go-intelcache/pkg/extract"
	"github.com/illmade-knight/go-intelcache/pkg/intel"
	"github.com/illmade-knight/go-intelcache/pkg/metrics"
	"github.com/illmade-knight/go-intelcache/pkg/provider"
)

// app is the wired engine shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *cache.TieredStore
	service *intel.Service
	metrics *metrics.Collector
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// buildApp wires stores, providers, breakers, AI and the orchestrator from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(metrics.Config{})}

	durable, err := buildDurable(ctx, cfg, logger, a)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	mirror, err := buildMirror(ctx, cfg, logger)
	if err != nil {
		_ = durable.Close()
		_ = a.Close()
		return nil, err
	}
	store, err := cache.NewTieredStore(durable, mirror, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	store.OnLookup(a.metrics.CacheLookup)
	a.store = store
	a.closers = append(a.closers, store.Close)

	if cfg.Cache.ReconcileOnStart {
		report := cache.NewReconciler(store, logger).Run(ctx)
		logger.Info().Str("direction", report.Direction).Int("copied", report.Copied).Bool("skipped", report.Skipped).Msg("Cache tiers reconciled.")
	}

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var ai extract.AIExtractor
	if cfg.AI.Enabled() {
		gemini, err := extract.NewGeminiClient(ctx, extract.GeminiConfig{
			APIKey:          cfg.AI.APIKey,
			Model:           cfg.AI.Model,
			MaxPayloads:     cfg.Orchestrator.MaxAIPayloads,
			MaxPayloadBytes: cfg.AI.MaxPayloadBytes,
		}, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		ai = gemini
	} else {
		logger.Warn().Msg("No AI API key configured; extraction is heuristic-only.")
	}

	svc, err := intel.NewService(cfg.ServiceSettings(), intel.Dependencies{
		Store:     store,
		Providers: providers,
		Breakers:  breaker.NewRegistry(cfg.BreakerSettings(), logger),
		AI:        ai,
		Metrics:   a.metrics,
		Facets:    cfg.FacetRequirements(),
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.service = svc
	return a, nil
}

func buildDurable(ctx context.Context, cfg *config.Config, logger zerolog.Logger, a *app) (cache.RecordStore, error) {
	switch cfg.Cache.Durable {
	case "memory":
		return cache.NewInMemoryStore(cfg.Cache.MaxRecords), nil
	case "firestore":
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return cache.NewFirestoreStore(&cache.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: cfg.Cache.FirestoreCollection,
			MaxRecords:     cfg.Cache.MaxRecords,
		}, client, logger)
	default:
		return cache.OpenSQLite(&cache.SQLiteConfig{
			Path:       cfg.Cache.SQLitePath,
			MaxRecords: cfg.Cache.MaxRecords,
		}, logger)
	}
}

func buildMirror(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.RecordStore, error) {
	if cfg.Cache.Mirror == "redis" {
		return cache.NewRedisStore(ctx, &cache.RedisConfig{
			Addr:       cfg.Cache.RedisAddr,
			Password:   cfg.Cache.RedisPassword,
			DB:         cfg.Cache.RedisDB,
			KeyPrefix:  cfg.Cache.RedisKeyPrefix,
			MaxRecords: cfg.Cache.MirrorSize,
		}, logger)
	}
	return cache.NewLRUStore(cfg.Cache.MirrorSize)
}

func buildProviders(cfg *config.Config, logger zerolog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry(cfg.Orchestrator.ProviderTimeout, logger)
	client := &http.Client{Timeout: cfg.Orchestrator.ProviderTimeout}
	for _, p := range cfg.Providers {
		fetcher, err := provider.NewHTTPFetcher(provider.HTTPConfig{
			BaseURL:      p.BaseURL,
			APIKey:       p.APIKey,
			APIKeyHeader: p.APIKeyHeader,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if err := reg.Register(provider.Spec{Name: p.Name, Timeout: p.Timeout, Facets: p.Facets}, fetcher); err != nil {
			return nil, err
		}
	}
	if len(cfg.Providers) == 0 {
		logger.Warn().Msg("No providers configured; every facet will fall back to cached or default data.")
	}
	return reg, nil
}

// setup loads configuration and wires the engine for a command.
func setup(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}
	return buildApp(ctx, cfg, newLogger(cfg, out))
}
