package intel

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// BatchFetchAll queries every registered provider for topic, once for
// each facet it answers, populating the cache so later facet requests
// avoid redundant calls. Pairs with a fresh record are served from the
// cache. The result maps each provider to one payload per facet; failed
// pairs are absent.
func (s *Service) BatchFetchAll(ctx context.Context, topic string) (map[string][]types.RawPayload, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	return s.batchFetch(ctx, topic, s.providers.Names(), nil)
}

// batchFetch fetches the (provider, facet) pairs of names, limited to
// facets when it is non-empty.
func (s *Service) batchFetch(ctx context.Context, topic string, names, facets []string) (map[string][]types.RawPayload, error) {
	sortedNames := append([]string(nil), names...)
	sort.Strings(sortedNames)
	sortedFacets := append([]string(nil), facets...)
	sort.Strings(sortedFacets)
	key := types.RequestKey(topic, "_batch:"+strings.Join(sortedNames, ",")+"|"+strings.Join(sortedFacets, ","))

	out, _, err := s.batches.Do(ctx, key, func(ctx context.Context) (map[string][]types.RawPayload, error) {
		return s.runBatch(ctx, topic, sortedNames, sortedFacets), nil
	})
	return out, err
}

func (s *Service) runBatch(ctx context.Context, topic string, names, facets []string) map[string][]types.RawPayload {
	now := s.now()
	fresh := make(map[string]types.CacheRecord)
	if records, err := s.store.ListByTopic(ctx, topic); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("Cache read failed during batch; fetching every provider.")
	} else {
		for _, r := range records {
			if !r.IsAggregate() && r.FreshAt(now, s.cfg.Freshness) {
				fresh[r.Key()] = r
			}
		}
	}

	out := make(map[string][]types.RawPayload, len(names))
	var jobs []fetchJob
	cached := 0
	for _, name := range names {
		for _, facet := range s.facetsFor(name, facets) {
			if r, ok := fresh[types.SlotKey(topic, facet, name)]; ok {
				out[name] = append(out[name], rawPayload(r))
				cached++
				continue
			}
			jobs = append(jobs, fetchJob{provider: name, facet: facet})
		}
	}

	seq := s.seq.Add(1)
	fetched := 0
	for _, o := range s.fanOut(ctx, topic, jobs, seq) {
		if o.err == nil {
			out[o.provider] = append(out[o.provider], rawPayload(o.record))
			fetched++
		}
	}
	for _, payloads := range out {
		sort.Slice(payloads, func(i, j int) bool { return payloads[i].Facet < payloads[j].Facet })
	}
	s.logger.Info().Str("topic", topic).Int("providers", len(names)).Int("fetched", fetched).Int("cached", cached).Msg("Batch fetch complete.")
	return out
}

// facetsFor lists the facets a provider is fetched under during a batch:
// every configured facet naming it that it serves, restricted to only when
// non-empty. A provider no facet names is fetched under the facets it
// declares, or else the first configured facet.
func (s *Service) facetsFor(name string, only []string) []string {
	spec, ok := s.providers.Lookup(name)
	if !ok {
		return nil
	}
	wanted := func(f string) bool {
		if len(only) == 0 {
			return true
		}
		i := sort.SearchStrings(only, f)
		return i < len(only) && only[i] == f
	}
	var out []string
	for _, f := range s.facetList {
		if !spec.Serves(f) || !wanted(f) {
			continue
		}
		for _, p := range s.facets[f].Providers() {
			if p == name {
				out = append(out, f)
				break
			}
		}
	}
	if len(out) > 0 || len(only) > 0 {
		return out
	}
	if len(spec.Facets) > 0 {
		return append(out, spec.Facets...)
	}
	if len(s.facetList) > 0 {
		return []string{s.facetList[0]}
	}
	return nil
}

// providersFor unions the providers of facets, in order.
func (s *Service) providersFor(facets []string) []string {
	var reqs []types.FacetRequirement
	for _, f := range facets {
		reqs = append(reqs, s.facets[f])
	}
	var names []string
	seen := make(map[string]bool)
	for _, r := range reqs {
		for _, p := range r.Providers() {
			if _, ok := s.providers.Lookup(p); ok && !seen[p] {
				seen[p] = true
				names = append(names, p)
			}
		}
	}
	return names
}

func rawPayload(r types.CacheRecord) types.RawPayload {
	return types.RawPayload{RecordID: r.ID, Provider: r.Provider, Facet: r.Facet, Body: json.RawMessage(r.Payload)}
}
