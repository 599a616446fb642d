// Package config loads the intelcache YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-intelcache/pkg/aggregate"
	"github.com/illmade-knight/go-intelcache/pkg/breaker"
	"github.com/illmade-knight/go-intelcache/pkg/intel"
	"github.com/illmade-knight/go-intelcache/pkg/microservice"
	"github.com/illmade-knight/go-intelcache/pkg/refresh"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// Environment variables that override file values.
const (
	EnvHTTPPort  = "INTELCACHE_HTTP_PORT"
	EnvLogLevel  = "INTELCACHE_LOG_LEVEL"
	EnvAIAPIKey  = "INTELCACHE_AI_API_KEY"
	EnvRedisAddr = "INTELCACHE_REDIS_ADDR"
)

// Config is the full service configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Cache        CacheConfig        `yaml:"cache"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	AI           AIConfig           `yaml:"ai"`
	Refresh      RefreshConfig      `yaml:"refresh"`
	Providers    []ProviderConfig   `yaml:"providers"`
	// Facets replaces the built-in facet table when non-empty.
	Facets []FacetConfig `yaml:"facets"`
}

// CacheConfig selects and sizes the two cache tiers.
type CacheConfig struct {
	// Durable is one of sqlite, firestore or memory.
	Durable string `yaml:"durable"`
	// Mirror is one of lru or redis.
	Mirror string `yaml:"mirror"`

	SQLitePath          string `yaml:"sqlite_path"`
	FirestoreCollection string `yaml:"firestore_collection"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	RedisKeyPrefix      string `yaml:"redis_key_prefix"`

	MaxRecords int `yaml:"max_records"`
	MirrorSize int `yaml:"mirror_size"`

	RecordHorizon    time.Duration `yaml:"record_horizon"`
	Freshness        time.Duration `yaml:"freshness"`
	ReconcileOnStart bool          `yaml:"reconcile_on_start"`
}

// BreakerConfig tunes the per (facet, provider) circuit breakers.
type BreakerConfig struct {
	Threshold       uint32        `yaml:"threshold"`
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	MaxResetTimeout time.Duration `yaml:"max_reset_timeout"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
}

// OrchestratorConfig tunes the aggregation pipeline.
type OrchestratorConfig struct {
	ProviderTimeout    time.Duration `yaml:"provider_timeout"`
	AITimeout          time.Duration `yaml:"ai_timeout"`
	HeuristicThreshold float64       `yaml:"heuristic_threshold"`
	MinSources         int           `yaml:"min_sources"`
	FetchConcurrency   int           `yaml:"fetch_concurrency"`
	MaxAIPayloads      int           `yaml:"max_ai_payloads"`
	TopTrends          int           `yaml:"top_trends"`
	TopClusters        int           `yaml:"top_clusters"`
}

// AIConfig configures the AI extraction client. AI is disabled without an API key.
type AIConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
}

// Enabled reports whether an AI client should be built.
func (c AIConfig) Enabled() bool { return c.APIKey != "" }

// RefreshConfig sizes the background refresh pool.
type RefreshConfig struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	// Subscription, when set with project_id, feeds refresh jobs from Pub/Sub.
	Subscription string `yaml:"subscription"`
}

// ProviderConfig describes one HTTP data provider.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	Timeout      time.Duration `yaml:"timeout"`
	// Facets lists what the provider answers; empty means every facet.
	Facets []string `yaml:"facets"`
}

// FacetConfig describes one facet requirement.
type FacetConfig struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Primary      []string `yaml:"primary"`
	Fallback     []string `yaml:"fallback"`
	Required     []string `yaml:"required"`
	Instructions string   `yaml:"instructions"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPPort == "" {
		c.HTTPPort = ":8080"
	}
	if c.ServiceName == "" {
		c.ServiceName = "intelcache"
	}
	if c.Cache.Durable == "" {
		c.Cache.Durable = "sqlite"
	}
	if c.Cache.Mirror == "" {
		c.Cache.Mirror = "lru"
	}
	if c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = "data/intelcache.db"
	}
	if c.Cache.FirestoreCollection == "" {
		c.Cache.FirestoreCollection = "intelcache-records"
	}
	if c.Cache.MaxRecords <= 0 {
		c.Cache.MaxRecords = 10000
	}
	if c.Cache.MirrorSize <= 0 {
		c.Cache.MirrorSize = 1000
	}
	if c.Cache.RecordHorizon <= 0 {
		c.Cache.RecordHorizon = 30 * 24 * time.Hour
	}
	if c.Cache.Freshness <= 0 {
		c.Cache.Freshness = 24 * time.Hour
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = 3
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Breaker.MaxResetTimeout <= 0 {
		c.Breaker.MaxResetTimeout = 5 * time.Minute
	}
	if c.Breaker.BackoffFactor == 0 {
		c.Breaker.BackoffFactor = 2
	}
	if c.Orchestrator.ProviderTimeout <= 0 {
		c.Orchestrator.ProviderTimeout = 7 * time.Second
	}
	if c.Orchestrator.AITimeout <= 0 {
		c.Orchestrator.AITimeout = 7 * time.Second
	}
	if c.Orchestrator.HeuristicThreshold <= 0 {
		c.Orchestrator.HeuristicThreshold = 0.7
	}
	if c.Orchestrator.MinSources <= 0 {
		c.Orchestrator.MinSources = 2
	}
	if c.Orchestrator.FetchConcurrency <= 0 {
		c.Orchestrator.FetchConcurrency = 8
	}
	if c.Orchestrator.MaxAIPayloads <= 0 {
		c.Orchestrator.MaxAIPayloads = 5
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.5-flash"
	}
	if c.Refresh.Workers <= 0 {
		c.Refresh.Workers = 4
	}
	if c.Refresh.QueueSize <= 0 {
		c.Refresh.QueueSize = 64
	}
	if c.Refresh.JobTimeout <= 0 {
		c.Refresh.JobTimeout = 30 * time.Second
	}
}

// Load reads the YAML file at path, applies defaults and then environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvHTTPPort); v != "" {
		c.HTTPPort = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvAIAPIKey); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Cache.RedisAddr = v
	}
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Durable {
	case "sqlite", "memory":
	case "firestore":
		if c.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the firestore durable store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown durable cache backend %q", c.Cache.Durable))
	}
	switch c.Cache.Mirror {
	case "lru":
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis mirror"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror cache backend %q", c.Cache.Mirror))
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required", p.Name))
		}
	}
	for i, f := range c.Facets {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("facets[%d]: name is required", i))
		}
		switch types.FacetKind(f.Kind) {
		case types.KindSentiment, types.KindTrends, types.KindNews, types.KindMetrics:
		default:
			errs = append(errs, fmt.Errorf("facet %q: unknown kind %q", f.Name, f.Kind))
		}
	}
	return errors.Join(errs...)
}

// FacetRequirements converts the facet table, or returns nil to keep the
// built-in one.
func (c *Config) FacetRequirements() []types.FacetRequirement {
	if len(c.Facets) == 0 {
		return nil
	}
	out := make([]types.FacetRequirement, 0, len(c.Facets))
	for _, f := range c.Facets {
		out = append(out, types.FacetRequirement{
			Name:               f.Name,
			Kind:               types.FacetKind(f.Kind),
			PrimaryProviders:   f.Primary,
			FallbackProviders:  f.Fallback,
			RequiredDataPoints: f.Required,
			Instructions:       f.Instructions,
		})
	}
	return out
}

// BreakerSettings converts the breaker section.
func (c *Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		Threshold:       c.Breaker.Threshold,
		ResetTimeout:    c.Breaker.ResetTimeout,
		MaxResetTimeout: c.Breaker.MaxResetTimeout,
		BackoffFactor:   c.Breaker.BackoffFactor,
	}
}

// ServiceSettings converts the orchestrator and cache sections.
func (c *Config) ServiceSettings() intel.Config {
	return intel.Config{
		HeuristicThreshold: c.Orchestrator.HeuristicThreshold,
		MinSources:         c.Orchestrator.MinSources,
		ProviderTimeout:    c.Orchestrator.ProviderTimeout,
		AITimeout:          c.Orchestrator.AITimeout,
		RecordHorizon:      c.Cache.RecordHorizon,
		Freshness:          c.Cache.Freshness,
		MaxAIPayloads:      c.Orchestrator.MaxAIPayloads,
		FetchConcurrency:   c.Orchestrator.FetchConcurrency,
		Aggregation: aggregate.Options{
			TopTrends:   c.Orchestrator.TopTrends,
			TopClusters: c.Orchestrator.TopClusters,
		},
	}
}

// RefreshSettings converts the refresh section.
func (c *Config) RefreshSettings() refresh.Config {
	return refresh.Config{
		Workers:    c.Refresh.Workers,
		QueueSize:  c.Refresh.QueueSize,
		JobTimeout: c.Refresh.JobTimeout,
	}
}
