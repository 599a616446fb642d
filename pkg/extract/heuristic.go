// Package extract turns raw provider payloads into typed partial facet
// reports, either with pure local heuristics or through an AI boundary.
package extract

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

const (
	heuristicBase = 0.5
	heuristicStep = 0.1
	heuristicCap  = 0.9
	combinedCap   = 0.95
)

// HeuristicConfidence scores a heuristic extraction by how many required
// data points it found: 0.5 for one, +0.1 for each further point, capped at 0.9.
func HeuristicConfidence(found int) float64 {
	if found <= 0 {
		return 0
	}
	return math.Min(heuristicBase+heuristicStep*float64(found-1), heuristicCap)
}

// Combine merges independent source confidences with a noisy-or, capped at 0.95.
// For two or more sources below the cap the result exceeds each input.
func Combine(confidences ...float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	miss := 1.0
	for _, c := range confidences {
		if math.IsNaN(c) {
			continue
		}
		c = math.Max(0, math.Min(1, c))
		miss *= 1 - c
	}
	return math.Min(1-miss, combinedCap)
}

// ForKind returns the default heuristic extractor for a facet kind.
func ForKind(kind types.FacetKind) types.Extractor {
	switch kind {
	case types.KindSentiment:
		return Sentiment
	case types.KindTrends:
		return Trends
	case types.KindNews:
		return News
	case types.KindMetrics:
		return Metrics
	}
	return nil
}

// ExtractorLookup resolves a provider-specific extractor override for a facet.
type ExtractorLookup func(provider, facet string) types.Extractor

// extractorFor picks the provider override, then the facet's own extractor,
// then the kind default.
func extractorFor(req types.FacetRequirement, provider string, lookup ExtractorLookup) types.Extractor {
	if lookup != nil {
		if ex := lookup(provider, req.Name); ex != nil {
			return ex
		}
	}
	if req.LocalExtractor != nil {
		return req.LocalExtractor
	}
	return ForKind(req.Kind)
}

// RunHeuristics applies the local extractor to every record. A partial is
// kept only if it covers at least one required data point; its confidence
// is rescored against the requirement.
func RunHeuristics(req types.FacetRequirement, records []types.CacheRecord, lookup ExtractorLookup) []types.Partial {
	var out []types.Partial
	for _, rec := range records {
		if rec.IsAggregate() {
			continue
		}
		ex := extractorFor(req, rec.Provider, lookup)
		if ex == nil {
			continue
		}
		p := ex(rec.Payload)
		if p == nil {
			continue
		}
		p.RecordID = rec.ID
		p.Provider = rec.Provider
		p.Origin = types.OriginHeuristic
		if len(req.RequiredDataPoints) > 0 {
			p.Found = intersect(p.Found, req.RequiredDataPoints)
			if len(p.Found) == 0 {
				continue
			}
			p.Confidence = HeuristicConfidence(len(p.Found))
		}
		if rec.Confidence != nil {
			p.Confidence = math.Min(p.Confidence, *rec.Confidence)
		}
		out = append(out, *p)
	}
	return out
}

// Summarize builds the ExtractionResult for a set of partials.
func Summarize(partials []types.Partial, required []string, fromCache bool) types.ExtractionResult {
	res := types.ExtractionResult{Partials: partials, FromCache: fromCache}
	found := make(map[string]bool)
	confidences := make([]float64, 0, len(partials))
	seenRecord := make(map[string]bool)
	for _, p := range partials {
		confidences = append(confidences, p.Confidence)
		for _, f := range p.Found {
			found[f] = true
		}
		if p.RecordID != "" && !seenRecord[p.RecordID] {
			seenRecord[p.RecordID] = true
			res.SourceRecordIDs = append(res.SourceRecordIDs, p.RecordID)
		}
	}
	res.Confidence = Combine(confidences...)
	for _, r := range required {
		if !found[r] {
			res.MissingDataPoints = append(res.MissingDataPoints, r)
		}
	}
	return res
}

func intersect(found, required []string) []string {
	want := make(map[string]bool, len(required))
	for _, r := range required {
		want[strings.ToLower(r)] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, f := range found {
		lf := strings.ToLower(f)
		if want[lf] && !seen[lf] {
			seen[lf] = true
			out = append(out, lf)
		}
	}
	sort.Strings(out)
	return out
}

func newPartial(report any, found []string) *types.Partial {
	return &types.Partial{
		Origin:     types.OriginHeuristic,
		Confidence: HeuristicConfidence(len(found)),
		Found:      found,
		Report:     report,
	}
}

// Sentiment recognises positive/neutral/negative fields at the top level or
// under a "sentiment" object. Fractions summing to at most 1 are scaled to percent.
func Sentiment(payload []byte) *types.Partial {
	obj := decodeObject(payload)
	if obj == nil {
		return nil
	}
	src := obj
	for _, key := range []string{"sentiment", "sentiment_breakdown", "sentimentBreakdown", "data"} {
		if inner := nested(obj, key); inner != nil {
			if _, ok := lookup(inner, "positive", "negative", "neutral"); ok {
				src = inner
				break
			}
		}
	}

	var report types.SentimentReport
	var found []string
	dims := []struct {
		name string
		dst  **float64
		keys []string
	}{
		{"positive", &report.Positive, []string{"positive", "pos", "positive_pct", "positivePercent"}},
		{"neutral", &report.Neutral, []string{"neutral", "neu", "neutral_pct", "neutralPercent"}},
		{"negative", &report.Negative, []string{"negative", "neg", "negative_pct", "negativePercent"}},
	}
	sum, fractions := 0.0, true
	for _, d := range dims {
		v, ok := lookup(src, d.keys...)
		if !ok {
			continue
		}
		n, ok := toNumber(v)
		if !ok || n < 0 {
			continue
		}
		val := n
		*d.dst = &val
		sum += n
		fractions = fractions && n <= 1
		found = append(found, d.name)
	}
	if len(found) == 0 {
		return nil
	}
	if fractions && sum > 0 && sum <= 1.0001 {
		for _, d := range dims {
			if *d.dst != nil {
				scaled := **d.dst * 100
				*d.dst = &scaled
			}
		}
	}
	return newPartial(&report, found)
}

var directionWords = map[string]string{
	"up": "up", "growing": "up", "growth": "up", "increasing": "up", "rising": "up", "positive": "up",
	"down": "down", "declining": "down", "decreasing": "down", "falling": "down", "shrinking": "down", "negative": "down",
	"stable": "stable", "flat": "stable", "steady": "stable", "neutral": "stable",
}

// NormalizeDirection maps free-text direction words to up, down or stable.
func NormalizeDirection(s string) (string, bool) {
	d, ok := directionWords[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// Trends recognises a list of trend statements plus optional growth rate
// and direction, at the top level or under "data" or "market".
func Trends(payload []byte) *types.Partial {
	obj := decodeObject(payload)
	if obj == nil {
		return nil
	}
	if p := trendsFrom(obj); p != nil {
		return p
	}
	if inner := nested(obj, "data", "market"); inner != nil {
		return trendsFrom(inner)
	}
	return nil
}

func trendsFrom(obj map[string]any) *types.Partial {
	var report types.TrendReport
	var found []string

	if v, ok := lookup(obj, "trends", "statements", "market_trends", "marketTrends"); ok {
		for _, item := range toList(v) {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					report.Statements = append(report.Statements, types.TrendStatement{Text: s})
				}
			case map[string]any:
				txt, ok := lookup(it, "text", "trend", "title", "name")
				if !ok {
					continue
				}
				s, ok := toString(txt)
				if !ok {
					continue
				}
				st := types.TrendStatement{Text: s}
				if ts, ok := lookup(it, "observed_at", "date", "published_at", "timestamp"); ok {
					st.ObservedAt, _ = toTime(ts)
				}
				report.Statements = append(report.Statements, st)
			}
		}
		if len(report.Statements) > 0 {
			found = append(found, "statements")
		}
	}
	if v, ok := lookup(obj, "growth_rate", "growthRate", "cagr", "growth"); ok {
		if n, ok := toNumber(v); ok {
			report.GrowthRate = &n
			found = append(found, "growth_rate")
		}
	}
	if v, ok := lookup(obj, "direction", "trend_direction", "trendDirection", "outlook"); ok {
		if s, ok := toString(v); ok {
			if d, ok := NormalizeDirection(s); ok {
				report.Direction = d
				found = append(found, "direction")
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	return newPartial(&report, found)
}

// News recognises a list of articles with headlines and optional cluster
// and sentiment annotations.
func News(payload []byte) *types.Partial {
	obj := decodeObject(payload)
	if obj == nil {
		return nil
	}
	v, ok := lookup(obj, "articles", "news", "items", "results")
	if !ok {
		return nil
	}

	var report types.NewsReport
	hasSentiment, hasClusters := false, false
	for _, item := range toList(v) {
		it, ok := item.(map[string]any)
		if !ok {
			continue
		}
		hv, ok := lookup(it, "headline", "title")
		if !ok {
			continue
		}
		headline, ok := toString(hv)
		if !ok {
			continue
		}
		a := types.Article{Headline: headline}
		if cv, ok := lookup(it, "cluster_id", "clusterId", "cluster"); ok {
			if s, ok := toString(cv); ok {
				a.ClusterID = s
				hasClusters = true
			} else if n, ok := toNumber(cv); ok {
				a.ClusterID = strconv.FormatFloat(n, 'f', -1, 64)
				hasClusters = true
			}
		}
		if nv, ok := lookup(it, "cluster_name", "clusterName", "topic"); ok {
			a.ClusterName, _ = toString(nv)
		}
		if tv, ok := lookup(it, "published_at", "publishedAt", "date", "timestamp"); ok {
			a.PublishedAt, _ = toTime(tv)
		}
		if sv, ok := lookup(it, "sentiment"); ok {
			if s, ok := articleSentiment(sv); ok {
				a.Sentiment = s
				hasSentiment = true
			}
		}
		report.Articles = append(report.Articles, a)
	}
	if len(report.Articles) == 0 {
		return nil
	}
	found := []string{"articles"}
	if hasSentiment {
		found = append(found, "sentiment")
	}
	if hasClusters {
		found = append(found, "clusters")
	}
	return newPartial(&report, found)
}

func articleSentiment(v any) (types.ArticleSentiment, bool) {
	switch s := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "positive":
			return types.ArticleSentiment{Positive: 1}, true
		case "neutral":
			return types.ArticleSentiment{Neutral: 1}, true
		case "negative":
			return types.ArticleSentiment{Negative: 1}, true
		}
	case map[string]any:
		var out types.ArticleSentiment
		seen := false
		for _, d := range []struct {
			key string
			dst *float64
		}{{"positive", &out.Positive}, {"neutral", &out.Neutral}, {"negative", &out.Negative}} {
			if raw, ok := lookup(s, d.key); ok {
				if n, ok := toNumber(raw); ok && n >= 0 {
					*d.dst = n
					seen = true
				}
			}
		}
		return out, seen
	}
	return types.ArticleSentiment{}, false
}

// Metrics recognises flat objects of named numbers and string lists, at the
// top level and under "data" or "metrics". Every key it decodes counts as a
// found data point.
func Metrics(payload []byte) *types.Partial {
	obj := decodeObject(payload)
	if obj == nil {
		return nil
	}
	report := types.MetricsReport{Values: map[string]float64{}, Lists: map[string][]string{}}
	seen := make(map[string]bool)
	var found []string
	for _, src := range []map[string]any{obj, nested(obj, "data", "metrics")} {
		for k, v := range src {
			key := strings.ToLower(k)
			if seen[key] {
				continue
			}
			if n, ok := toNumber(v); ok {
				report.Values[key] = n
				seen[key] = true
				found = append(found, key)
				continue
			}
			if items := stringItems(toList(v)); len(items) > 0 {
				report.Lists[key] = items
				seen[key] = true
				found = append(found, key)
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.Strings(found)
	return newPartial(&report, found)
}

func stringItems(list []any) []string {
	var items []string
	for _, item := range list {
		switch it := item.(type) {
		case string:
			if s := strings.TrimSpace(it); s != "" {
				items = append(items, s)
			}
		case map[string]any:
			if nv, ok := lookup(it, "name", "title"); ok {
				if s, ok := toString(nv); ok {
					items = append(items, s)
				}
			}
		}
	}
	return items
}
