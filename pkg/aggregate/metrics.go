package aggregate

import (
	"sort"
	"strings"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// MetricsSummary holds averaged named values and merged named lists.
type MetricsSummary struct {
	Values map[string]float64  `json:"values"`
	Lists  map[string][]string `json:"lists"`
}

// Metrics averages each named value over the sources that reported it and
// unions each named list, case-insensitively, ordered by how many sources
// mention an item.
func Metrics(partials []types.Partial, _ Options) Result {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	type listItem struct {
		text     string
		mentions int
		order    int
	}
	lists := make(map[string]map[string]*listItem)
	var used []types.Partial

	for _, p := range partials {
		r, ok := p.Report.(*types.MetricsReport)
		if !ok || r == nil || (len(r.Values) == 0 && len(r.Lists) == 0) {
			continue
		}
		used = append(used, p)
		for k, v := range r.Values {
			if !finite(v) {
				continue
			}
			sums[k] += v
			counts[k]++
		}
		for k, items := range r.Lists {
			if lists[k] == nil {
				lists[k] = make(map[string]*listItem)
			}
			mentioned := make(map[string]bool)
			for _, it := range items {
				key := normalizeText(it)
				if key == "" || mentioned[key] {
					continue
				}
				mentioned[key] = true
				li, ok := lists[k][key]
				if !ok {
					li = &listItem{text: strings.TrimSpace(it), order: len(lists[k])}
					lists[k][key] = li
				}
				li.mentions++
			}
		}
	}
	if len(used) == 0 {
		return Default(types.KindMetrics)
	}

	summary := MetricsSummary{Values: make(map[string]float64, len(sums)), Lists: make(map[string][]string, len(lists))}
	for k, sum := range sums {
		summary.Values[k] = round2(sum / float64(counts[k]))
	}
	for k, items := range lists {
		ranked := make([]*listItem, 0, len(items))
		for _, li := range items {
			ranked = append(ranked, li)
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].mentions != ranked[j].mentions {
				return ranked[i].mentions > ranked[j].mentions
			}
			return ranked[i].order < ranked[j].order
		})
		out := make([]string, len(ranked))
		for i, li := range ranked {
			out[i] = li.text
		}
		summary.Lists[k] = out
	}
	return finish(summary, used)
}
