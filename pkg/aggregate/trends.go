package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// RankedTrend is one deduplicated trend statement.
type RankedTrend struct {
	Text     string    `json:"text"`
	Mentions int       `json:"mentions"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// TrendSummary is the aggregated market trend view.
type TrendSummary struct {
	Statements []RankedTrend `json:"statements"`
	GrowthRate *float64      `json:"growth_rate,omitempty"`
	Direction  string        `json:"direction"`
}

// Trends unions statements case-insensitively and ranks them by mention
// count then recency, averages growth rates and takes a majority vote on
// direction with ties going to "stable".
func Trends(partials []types.Partial, opts Options) Result {
	opts = opts.withDefaults()

	type agg struct {
		RankedTrend
		order int
	}
	byKey := make(map[string]*agg)
	var growthSum float64
	var growthN int
	votes := make(map[string]int)
	var used []types.Partial

	for _, p := range partials {
		r, ok := p.Report.(*types.TrendReport)
		if !ok || r == nil {
			continue
		}
		contributed := false
		mentioned := make(map[string]bool)
		for _, st := range r.Statements {
			key := normalizeText(st.Text)
			if key == "" || mentioned[key] {
				continue
			}
			mentioned[key] = true
			contributed = true
			a, ok := byKey[key]
			if !ok {
				a = &agg{RankedTrend: RankedTrend{Text: strings.TrimSpace(st.Text)}, order: len(byKey)}
				byKey[key] = a
			}
			a.Mentions++
			if st.ObservedAt.After(a.LastSeen) {
				a.LastSeen = st.ObservedAt
			}
		}
		if r.GrowthRate != nil && finite(*r.GrowthRate) {
			growthSum += *r.GrowthRate
			growthN++
			contributed = true
		}
		if r.Direction != "" {
			votes[r.Direction]++
			contributed = true
		}
		if contributed {
			used = append(used, p)
		}
	}
	if len(used) == 0 {
		return Default(types.KindTrends)
	}

	ranked := make([]*agg, 0, len(byKey))
	for _, a := range byKey {
		ranked = append(ranked, a)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Mentions != b.Mentions {
			return a.Mentions > b.Mentions
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.order < b.order
	})
	if len(ranked) > opts.TopTrends {
		ranked = ranked[:opts.TopTrends]
	}

	summary := TrendSummary{Statements: make([]RankedTrend, len(ranked)), Direction: majorityDirection(votes)}
	for i, a := range ranked {
		summary.Statements[i] = a.RankedTrend
	}
	if growthN > 0 {
		g := round2(growthSum / float64(growthN))
		summary.GrowthRate = &g
	}
	return finish(summary, used)
}

func majorityDirection(votes map[string]int) string {
	best, bestN, tied := "stable", 0, false
	for _, d := range []string{"stable", "up", "down"} {
		n := votes[d]
		switch {
		case n > bestN:
			best, bestN, tied = d, n, false
		case n == bestN && n > 0:
			tied = true
		}
	}
	if tied {
		return "stable"
	}
	return best
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
