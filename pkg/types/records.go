// Package types holds the data model shared by the cache tiers, extractors,
// aggregators and the orchestrator.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// keySep separates the parts of a composite cache key. Topics are free text,
// so a control character is used rather than anything a user could type.
const keySep = "\x1f"

// AggregateProviderPrefix marks records that hold an aggregated FacetResult
// rather than a raw provider response.
const AggregateProviderPrefix = "_aggregate:"

// SlotKey is the store key for the record a provider produced for one
// facet of a topic. Providers answer per facet, so each facet gets its own slot.
func SlotKey(topic, facet, provider string) string {
	return topic + keySep + facet + keySep + provider
}

// SplitSlotKey returns the topic, facet and provider encoded in a slot key.
func SplitSlotKey(key string) (topic, facet, provider string) {
	topic, rest, _ := strings.Cut(key, keySep)
	facet, provider, _ = strings.Cut(rest, keySep)
	return topic, facet, provider
}

// RequestKey is the in-flight dedup key for a (topic, facet) request.
func RequestKey(topic, facet string) string {
	return topic + keySep + facet
}

// AggregateProvider is the provider name under which a facet's aggregated
// result is cached.
func AggregateProvider(facet string) string {
	return AggregateProviderPrefix + facet
}

// CacheRecord is one provider response for one topic. Records are immutable
// once written; a refresh writes a new record into the same slot.
type CacheRecord struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Facet    string `json:"facet,omitempty"`
	Provider string `json:"provider"`
	// Payload is the provider-shaped response body. Only extractors look inside.
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
	// ExpiresAt is a manual horizon. Stores never drop a record for being old,
	// only for capacity, explicit clears, or once this instant has passed and
	// ClearExpired is called.
	ExpiresAt  time.Time `json:"expires_at"`
	Confidence *float64  `json:"confidence,omitempty"`
	// Seq is the orchestrator request sequence number that produced the record.
	Seq uint64 `json:"seq"`
}

// NewCacheRecord creates a record with a fresh ID, captured now and
// expiring after horizon.
func NewCacheRecord(topic, facet, provider string, payload []byte, now time.Time, horizon time.Duration) CacheRecord {
	return CacheRecord{
		ID:         uuid.NewString(),
		Topic:      topic,
		Facet:      facet,
		Provider:   provider,
		Payload:    payload,
		CapturedAt: now,
		ExpiresAt:  now.Add(horizon),
	}
}

// Key returns the store slot key of the record.
func (r CacheRecord) Key() string {
	return SlotKey(r.Topic, r.Facet, r.Provider)
}

// Expired reports whether the record's manual horizon has passed.
func (r CacheRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// FreshAt reports whether the record was captured within window of now.
func (r CacheRecord) FreshAt(now time.Time, window time.Duration) bool {
	return !r.Expired(now) && now.Sub(r.CapturedAt) <= window
}

// IsAggregate reports whether the record holds an aggregated facet result.
func (r CacheRecord) IsAggregate() bool {
	return strings.HasPrefix(r.Provider, AggregateProviderPrefix)
}

// StoreStats summarises one store tier.
type StoreStats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
}

// CacheStats summarises both tiers plus engine-level counters.
type CacheStats struct {
	Durable  StoreStats `json:"durable"`
	Mirror   StoreStats `json:"mirror"`
	InFlight int        `json:"in_flight"`
}

// RawPayload is a provider response handed to the AI extraction boundary.
type RawPayload struct {
	RecordID string          `json:"record_id"`
	Provider string          `json:"provider"`
	Facet    string          `json:"facet,omitempty"`
	Body     json.RawMessage `json:"body"`
}
