package aggregate

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// Cluster is one named group of related news articles.
type Cluster struct {
	Name      string           `json:"name"`
	Articles  int              `json:"articles"`
	Headlines []string         `json:"headlines"`
	Sentiment SentimentSummary `json:"sentiment"`
	Influence float64          `json:"influence"`
	Latest    time.Time        `json:"latest,omitempty"`
}

// NewsSummary is the aggregated news trend view.
type NewsSummary struct {
	Clusters      []Cluster `json:"clusters"`
	TotalArticles int       `json:"total_articles"`
}

// undatedWeight is the recency weight of an article with no publish time.
const undatedWeight = 0.5

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "against": true, "their": true, "there": true,
	"these": true, "this": true, "that": true, "with": true, "from": true, "into": true,
	"over": true, "will": true, "what": true, "when": true, "your": true, "have": true,
	"more": true, "than": true, "they": true, "were": true, "been": true, "says": true,
	"new": true, "news": true, "report": true, "could": true, "would": true, "should": true,
}

// News clusters articles by provider-supplied cluster IDs, or by a
// significant headline token shared by at least two articles. Clusters are
// ranked by influence: the sum of each article's recency weight, where an
// article published d days before the newest one weighs 1/(1+d).
func News(partials []types.Partial, opts Options) Result {
	opts = opts.withDefaults()

	type item struct {
		types.Article
		provider string
	}
	var items []item
	seenHeadline := make(map[string]bool)
	var used []types.Partial
	for _, p := range partials {
		r, ok := p.Report.(*types.NewsReport)
		if !ok || r == nil {
			continue
		}
		contributed := false
		for _, a := range r.Articles {
			key := normalizeText(a.Headline)
			if key == "" || seenHeadline[key] {
				continue
			}
			seenHeadline[key] = true
			items = append(items, item{Article: a, provider: p.Provider})
			contributed = true
		}
		if contributed {
			used = append(used, p)
		}
	}
	if len(items) == 0 {
		return Default(types.KindNews)
	}

	var newest time.Time
	for _, it := range items {
		if it.PublishedAt.After(newest) {
			newest = it.PublishedAt
		}
	}

	groups := make(map[string][]int)
	names := make(map[string]string)
	var order []string
	add := func(key, name string, idx int) {
		if _, ok := groups[key]; !ok {
			order = append(order, key)
			names[key] = name
		}
		groups[key] = append(groups[key], idx)
	}

	var unclustered []int
	for i, it := range items {
		if it.ClusterID == "" {
			unclustered = append(unclustered, i)
			continue
		}
		name := it.ClusterName
		if name == "" {
			name = it.ClusterID
		}
		add("id:"+it.provider+"/"+it.ClusterID, name, i)
	}

	tokens := make([][]string, len(items))
	df := make(map[string]int)
	for _, i := range unclustered {
		tokens[i] = headlineTokens(items[i].Headline)
		for _, tok := range tokens[i] {
			df[tok]++
		}
	}
	var significant []string
	for tok, n := range df {
		if n >= 2 {
			significant = append(significant, tok)
		}
	}
	sort.Slice(significant, func(i, j int) bool {
		if df[significant[i]] != df[significant[j]] {
			return df[significant[i]] > df[significant[j]]
		}
		return significant[i] < significant[j]
	})
	assigned := make(map[int]bool)
	for _, tok := range significant {
		var members []int
		for _, i := range unclustered {
			if !assigned[i] && contains(tokens[i], tok) {
				members = append(members, i)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, i := range members {
			assigned[i] = true
			add("kw:"+tok, tok, i)
		}
	}
	for _, i := range unclustered {
		if !assigned[i] {
			add("solo:"+normalizeText(items[i].Headline), items[i].Headline, i)
		}
	}

	clusters := make([]Cluster, 0, len(order))
	for _, key := range order {
		c := Cluster{Name: names[key]}
		var pos, neu, neg float64
		for _, i := range groups[key] {
			a := items[i]
			c.Articles++
			c.Headlines = append(c.Headlines, a.Headline)
			if finite(a.Sentiment.Positive) && finite(a.Sentiment.Neutral) && finite(a.Sentiment.Negative) {
				pos += a.Sentiment.Positive
				neu += a.Sentiment.Neutral
				neg += a.Sentiment.Negative
			}
			c.Influence += recencyWeight(a.PublishedAt, newest)
			if a.PublishedAt.After(c.Latest) {
				c.Latest = a.PublishedAt
			}
		}
		if total := pos + neu + neg; total > 0 {
			c.Sentiment = SentimentSummary{
				Positive: round2(pos / total * 100),
				Neutral:  round2(neu / total * 100),
				Negative: round2(neg / total * 100),
			}
		}
		c.Influence = round2(c.Influence)
		clusters = append(clusters, c)
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.Influence != b.Influence {
			return a.Influence > b.Influence
		}
		if a.Articles != b.Articles {
			return a.Articles > b.Articles
		}
		return a.Name < b.Name
	})
	if len(clusters) > opts.TopClusters {
		clusters = clusters[:opts.TopClusters]
	}
	return finish(NewsSummary{Clusters: clusters, TotalArticles: len(items)}, used)
}

func recencyWeight(published, newest time.Time) float64 {
	if published.IsZero() || newest.IsZero() {
		return undatedWeight
	}
	days := newest.Sub(published).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days)
}

// headlineTokens returns the distinct significant words of a headline.
func headlineTokens(headline string) []string {
	words := strings.FieldsFunc(strings.ToLower(headline), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if len([]rune(w)) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
