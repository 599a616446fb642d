package aggregate

import (
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// SentimentSummary is the aggregated sentiment split in percent.
type SentimentSummary struct {
	Positive float64 `json:"positive"`
	Neutral  float64 `json:"neutral"`
	Negative float64 `json:"negative"`
}

// Sentiment averages each dimension over the sources that reported it.
func Sentiment(partials []types.Partial, _ Options) Result {
	var sums, counts [3]float64
	var used []types.Partial
	for _, p := range partials {
		r, ok := p.Report.(*types.SentimentReport)
		if !ok || r == nil {
			continue
		}
		contributed := false
		for i, v := range []*float64{r.Positive, r.Neutral, r.Negative} {
			if v == nil || !finite(*v) {
				continue
			}
			sums[i] += *v
			counts[i]++
			contributed = true
		}
		if contributed {
			used = append(used, p)
		}
	}
	if len(used) == 0 {
		return Default(types.KindSentiment)
	}

	var avg [3]float64
	for i := range avg {
		if counts[i] > 0 {
			avg[i] = round2(sums[i] / counts[i])
		}
	}
	return finish(SentimentSummary{Positive: avg[0], Neutral: avg[1], Negative: avg[2]}, used)
}
