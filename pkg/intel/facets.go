package intel

import (
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// DefaultFacets is the facet table used when configuration supplies none.
func DefaultFacets() []types.FacetRequirement {
	return []types.FacetRequirement{
		{
			Name:               "sentiment",
			Kind:               types.KindSentiment,
			PrimaryProviders:   []string{"reddit", "twitter"},
			FallbackProviders:  []string{"forums", "reviews"},
			RequiredDataPoints: []string{"positive", "neutral", "negative"},
			Instructions:       "Estimate the share of positive, neutral and negative public opinion about the topic, in percent.",
		},
		{
			Name:               "market-trends",
			Kind:               types.KindTrends,
			PrimaryProviders:   []string{"market-research", "news"},
			FallbackProviders:  []string{"search-trends"},
			RequiredDataPoints: []string{"statements", "growth_rate", "direction"},
			Instructions:       "List the market trends affecting the topic, the annual growth rate in percent and whether the market is going up, down or stable.",
		},
		{
			Name:               "news-trends",
			Kind:               types.KindNews,
			PrimaryProviders:   []string{"news"},
			FallbackProviders:  []string{"blogs"},
			RequiredDataPoints: []string{"articles", "sentiment", "clusters"},
			Instructions:       "List recent news articles about the topic with their publish time, a story cluster and mention counts per sentiment.",
		},
		{
			Name:               "market-size",
			Kind:               types.KindMetrics,
			PrimaryProviders:   []string{"market-research"},
			FallbackProviders:  []string{"search-trends"},
			RequiredDataPoints: []string{"tam", "growth_rate"},
			Instructions:       "Report the total addressable market in US dollars as tam and the annual growth rate in percent as growth_rate.",
		},
		{
			Name:               "competition",
			Kind:               types.KindMetrics,
			PrimaryProviders:   []string{"market-research", "product-hunt"},
			FallbackProviders:  []string{"search-trends"},
			RequiredDataPoints: []string{"competitors"},
			Instructions:       "List the named competitors of the topic under competitors.",
		},
	}
}
