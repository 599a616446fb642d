// Package aggregate merges partial facet reports from several sources into
// one normalized result with a confidence score. Every aggregator is total:
// unusable input yields a labelled low-confidence default.
package aggregate

import (
	"math"
	"sort"

	"github.com/illmade-knight/go-intelcache/pkg/extract"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// DefaultConfidence is the confidence of a result built from no data.
const DefaultConfidence = 0.1

// Options tunes the aggregators.
type Options struct {
	// TopTrends caps the number of trend statements returned. Defaults to 10.
	TopTrends int
	// TopClusters caps the number of news clusters returned. Defaults to 5.
	TopClusters int
}

func (o Options) withDefaults() Options {
	if o.TopTrends <= 0 {
		o.TopTrends = 10
	}
	if o.TopClusters <= 0 {
		o.TopClusters = 5
	}
	return o
}

// Result is an aggregator's output.
type Result struct {
	// Data is the facet-shaped summary, ready for JSON encoding.
	Data       any
	Confidence float64
	// Sources counts the partials that contributed.
	Sources   int
	Providers []string
	// Default marks a result built from no usable input.
	Default bool
}

// Func is one facet family's aggregation algorithm.
type Func func(partials []types.Partial, opts Options) Result

// ForKind returns the aggregator for a facet kind.
func ForKind(kind types.FacetKind) Func {
	switch kind {
	case types.KindSentiment:
		return Sentiment
	case types.KindTrends:
		return Trends
	case types.KindNews:
		return News
	default:
		return Metrics
	}
}

// Aggregate runs the kind's aggregator and guarantees a result even if
// the aggregator panics.
func Aggregate(kind types.FacetKind, partials []types.Partial, opts Options) (res Result) {
	defer func() {
		if recover() != nil {
			res = Default(kind)
		}
	}()
	return ForKind(kind)(partials, opts.withDefaults())
}

// Default is the documented no-data result for a facet kind.
func Default(kind types.FacetKind) Result {
	var data any
	switch kind {
	case types.KindSentiment:
		data = SentimentSummary{}
	case types.KindTrends:
		data = TrendSummary{Statements: []RankedTrend{}, Direction: "stable"}
	case types.KindNews:
		data = NewsSummary{Clusters: []Cluster{}}
	default:
		data = MetricsSummary{Values: map[string]float64{}, Lists: map[string][]string{}}
	}
	return Result{Data: data, Confidence: DefaultConfidence, Default: true}
}

// finish fills in the confidence and provider list from the contributing partials.
func finish(data any, used []types.Partial) Result {
	confidences := make([]float64, len(used))
	seen := make(map[string]bool)
	var providers []string
	for i, p := range used {
		confidences[i] = p.Confidence
		if p.Provider != "" && !seen[p.Provider] {
			seen[p.Provider] = true
			providers = append(providers, p.Provider)
		}
	}
	sort.Strings(providers)
	return Result{
		Data:       data,
		Confidence: extract.Combine(confidences...),
		Sources:    len(used),
		Providers:  providers,
	}
}

// finite reports whether v can be averaged and encoded.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
