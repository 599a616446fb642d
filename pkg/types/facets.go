package types

import (
	"encoding/json"
	"time"
)

// FacetKind selects the extraction shape and aggregation algorithm of a facet.
type FacetKind string

const (
	KindSentiment FacetKind = "sentiment"
	KindTrends    FacetKind = "trends"
	KindNews      FacetKind = "news"
	KindMetrics   FacetKind = "metrics"
)

// Extractor pulls a partial facet report out of a raw payload without any I/O.
// It returns nil when it does not recognise the payload shape.
type Extractor func(payload []byte) *Partial

// FacetRequirement is the static configuration of one facet.
type FacetRequirement struct {
	Name               string
	Kind               FacetKind
	PrimaryProviders   []string
	FallbackProviders  []string
	RequiredDataPoints []string
	// Instructions are handed to the AI extraction boundary verbatim.
	Instructions string
	// LocalExtractor overrides the kind's default heuristic when set.
	LocalExtractor Extractor
}

// Providers returns primary then fallback providers, without duplicates.
func (f FacetRequirement) Providers() []string {
	seen := make(map[string]bool, len(f.PrimaryProviders)+len(f.FallbackProviders))
	out := make([]string, 0, len(f.PrimaryProviders)+len(f.FallbackProviders))
	for _, list := range [][]string{f.PrimaryProviders, f.FallbackProviders} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// PartialOrigin says which extraction tier produced a partial.
type PartialOrigin string

const (
	OriginHeuristic PartialOrigin = "heuristic"
	OriginAI        PartialOrigin = "ai"
)

// Partial is one source's contribution to a facet. Report holds one of
// *SentimentReport, *TrendReport, *NewsReport or *MetricsReport.
type Partial struct {
	RecordID   string
	Provider   string
	Origin     PartialOrigin
	Confidence float64
	// Found lists the required data points this partial covers.
	Found  []string
	Report any
}

// ExtractionResult is the output of the extraction stage for one facet request.
type ExtractionResult struct {
	Partials          []Partial
	Confidence        float64
	MissingDataPoints []string
	SourceRecordIDs   []string
	// FromCache is true when no network call was made to produce the result.
	FromCache bool
}

// SentimentReport is one source's sentiment split in percent. A nil field
// means the source did not report that dimension.
type SentimentReport struct {
	Positive *float64 `json:"positive,omitempty"`
	Neutral  *float64 `json:"neutral,omitempty"`
	Negative *float64 `json:"negative,omitempty"`
}

// TrendStatement is a single reported market trend.
type TrendStatement struct {
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// TrendReport is one source's view of market trends.
type TrendReport struct {
	Statements []TrendStatement `json:"statements,omitempty"`
	GrowthRate *float64         `json:"growth_rate,omitempty"`
	Direction  string           `json:"direction,omitempty"`
}

// ArticleSentiment counts sentiment mentions within one article.
type ArticleSentiment struct {
	Positive float64 `json:"positive"`
	Neutral  float64 `json:"neutral"`
	Negative float64 `json:"negative"`
}

// Article is one news item.
type Article struct {
	Headline    string           `json:"headline"`
	ClusterID   string           `json:"cluster_id,omitempty"`
	ClusterName string           `json:"cluster_name,omitempty"`
	PublishedAt time.Time        `json:"published_at,omitempty"`
	Sentiment   ArticleSentiment `json:"sentiment"`
}

// NewsReport is one source's list of articles.
type NewsReport struct {
	Articles []Article `json:"articles"`
}

// MetricsReport carries named numeric values and named lists, used by
// facets like market size and competition.
type MetricsReport struct {
	Values map[string]float64  `json:"values,omitempty"`
	Lists  map[string][]string `json:"lists,omitempty"`
}

// ResultStatus labels how a FacetResult was produced.
type ResultStatus string

const (
	// StatusFresh means at least one provider was queried for this result.
	StatusFresh ResultStatus = "fresh"
	// StatusCached means the result came from fresh cache records only.
	StatusCached ResultStatus = "cached"
	// StatusStaleFallback means live data was unobtainable and older cached data was used.
	StatusStaleFallback ResultStatus = "stale-fallback"
	// StatusDefault means no data is available at all.
	StatusDefault ResultStatus = "default"
)

// FacetResult is what callers receive for a (topic, facet) query.
type FacetResult struct {
	Topic             string          `json:"topic"`
	Facet             string          `json:"facet"`
	Status            ResultStatus    `json:"status"`
	Data              json.RawMessage `json:"data"`
	Confidence        float64         `json:"confidence"`
	FromCache         bool            `json:"from_cache"`
	Stale             bool            `json:"stale"`
	Sources           int             `json:"sources"`
	Providers         []string        `json:"providers,omitempty"`
	MissingDataPoints []string        `json:"missing_data_points,omitempty"`
	SourceRecordIDs   []string        `json:"source_record_ids,omitempty"`
	AIAssisted        bool            `json:"ai_assisted"`
	GeneratedAt       time.Time       `json:"generated_at"`
	Note              string          `json:"note,omitempty"`
}

// BreakerSnapshot is a read-only view of one circuit breaker.
type BreakerSnapshot struct {
	Facet               string    `json:"facet"`
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}
