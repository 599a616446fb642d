package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/illmade-knight/go-intelcache/pkg/aggregate"
	"github.com/illmade-knight/go-intelcache/pkg/breaker"
	"github.com/illmade-knight/go-intelcache/pkg/extract"
	"github.com/illmade-knight/go-intelcache/pkg/provider"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// compute is the pipeline behind GetFacetData. It always returns a result.
func (s *Service) compute(ctx context.Context, topic string, req types.FacetRequirement, force bool, seq uint64) types.FacetResult {
	log := s.logger.With().Str("topic", topic).Str("facet", req.Name).Uint64("seq", seq).Bool("force", force).Logger()
	now := s.now()

	stored, aggRec, cacheDown := s.loadRecords(ctx, topic, req)
	var fresh []types.CacheRecord
	for _, r := range stored {
		if r.FreshAt(now, s.cfg.Freshness) {
			fresh = append(fresh, r)
		}
	}

	// Cheap path: fresh records alone may already be good enough.
	if !force && len(fresh) > 0 {
		partials := extract.RunHeuristics(req, fresh, s.providers.Extractor)
		ex := extract.Summarize(partials, req.RequiredDataPoints, true)
		if len(partials) > 0 && ex.Confidence >= s.cfg.HeuristicThreshold && len(ex.MissingDataPoints) == 0 {
			log.Debug().Float64("confidence", ex.Confidence).Msg("Served from cached records.")
			return s.result(topic, req, ex, types.StatusCached, false)
		}
	}

	bySource := make(map[string]types.CacheRecord)
	if !force {
		for _, r := range fresh {
			bySource[r.Provider] = r
		}
	}
	tried := make(map[string]bool)
	fetched := 0
	phase := func(names []string) {
		var jobs []fetchJob
		for _, name := range names {
			if tried[name] {
				continue
			}
			if _, ok := bySource[name]; ok {
				continue
			}
			spec, ok := s.providers.Lookup(name)
			if !ok || !spec.Serves(req.Name) {
				continue
			}
			tried[name] = true
			jobs = append(jobs, fetchJob{provider: name, facet: req.Name})
		}
		for _, o := range s.fanOut(ctx, topic, jobs, seq) {
			if o.err == nil {
				bySource[o.provider] = o.record
				fetched++
			}
		}
	}
	phase(req.PrimaryProviders)
	if len(bySource) < s.cfg.MinSources {
		phase(req.FallbackProviders)
	}
	// Fresh records still count for providers that could not be refetched.
	for _, r := range fresh {
		if _, ok := bySource[r.Provider]; !ok {
			bySource[r.Provider] = r
		}
	}

	working := make([]types.CacheRecord, 0, len(bySource))
	for _, r := range bySource {
		working = append(working, r)
	}
	sort.Slice(working, func(i, j int) bool {
		if working[i].CapturedAt.Equal(working[j].CapturedAt) {
			return working[i].Provider < working[j].Provider
		}
		return working[i].CapturedAt.Before(working[j].CapturedAt)
	})

	partials := extract.RunHeuristics(req, working, s.providers.Extractor)
	ex := extract.Summarize(partials, req.RequiredDataPoints, fetched == 0)
	aiUsed := false
	if (ex.Confidence < s.cfg.HeuristicThreshold || len(ex.MissingDataPoints) > 0) && s.ai != nil && len(working) > 0 {
		if aiRes, ok := s.extractAI(ctx, req, working); ok {
			partials = append(partials, aiRes.Partials...)
			ids := ex.SourceRecordIDs
			ex = extract.Summarize(partials, req.RequiredDataPoints, fetched == 0)
			ex.SourceRecordIDs = union(ids, aiRes.SourceRecordIDs)
			aiUsed = true
		}
	}

	if len(partials) > 0 {
		status := types.StatusCached
		if fetched > 0 {
			status = types.StatusFresh
		}
		res := s.result(topic, req, ex, status, aiUsed)
		if res.Status != types.StatusDefault && (fetched > 0 || aiUsed) {
			s.writeAggregate(ctx, res, seq)
		}
		log.Debug().Str("status", string(res.Status)).Int("fetched", fetched).Float64("confidence", res.Confidence).Bool("ai", aiUsed).Msg("Facet computed.")
		return res
	}

	log.Warn().Int("stored", len(stored)).Msg("No live data obtainable; falling back.")
	return s.fallback(topic, req, stored, aggRec, cacheDown)
}

// loadRecords returns the raw records the facet's providers returned for
// this facet, of any age, plus its last aggregated record, if present.
func (s *Service) loadRecords(ctx context.Context, topic string, req types.FacetRequirement) (raw []types.CacheRecord, agg *types.CacheRecord, cacheDown bool) {
	records, err := s.store.ListByTopic(ctx, topic)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("Cache read failed; continuing without cached records.")
		return nil, nil, true
	}
	allowed := make(map[string]bool)
	for _, p := range req.Providers() {
		allowed[p] = true
	}
	aggName := types.AggregateProvider(req.Name)
	for _, r := range records {
		switch {
		case r.Provider == aggName:
			rec := r
			agg = &rec
		case r.IsAggregate() || r.Facet != req.Name || !allowed[r.Provider]:
		default:
			raw = append(raw, r)
		}
	}
	return raw, agg, false
}

// fallback serves the most recent cache-derived result, or the default.
func (s *Service) fallback(topic string, req types.FacetRequirement, stored []types.CacheRecord, aggRec *types.CacheRecord, cacheDown bool) types.FacetResult {
	partials := extract.RunHeuristics(req, stored, s.providers.Extractor)
	var newestRaw time.Time
	capturedByID := make(map[string]time.Time, len(stored))
	for _, r := range stored {
		capturedByID[r.ID] = r.CapturedAt
	}
	for _, p := range partials {
		if t := capturedByID[p.RecordID]; t.After(newestRaw) {
			newestRaw = t
		}
	}

	if aggRec != nil && (len(partials) == 0 || !aggRec.CapturedAt.Before(newestRaw)) {
		var prev types.FacetResult
		if err := json.Unmarshal(aggRec.Payload, &prev); err == nil && prev.Status != types.StatusDefault {
			prev.Status = types.StatusStaleFallback
			prev.Stale = true
			prev.FromCache = true
			prev.Note = "live data unavailable; serving the last aggregated result"
			return prev
		}
	}
	if len(partials) > 0 {
		ex := extract.Summarize(partials, req.RequiredDataPoints, true)
		res := s.result(topic, req, ex, types.StatusStaleFallback, false)
		if res.Status == types.StatusStaleFallback {
			res.Note = "live data unavailable; serving stale cached records"
		}
		return res
	}
	return s.defaultResult(topic, req, cacheDown)
}

// result aggregates an extraction into a FacetResult.
func (s *Service) result(topic string, req types.FacetRequirement, ex types.ExtractionResult, status types.ResultStatus, aiUsed bool) types.FacetResult {
	agg := aggregate.Aggregate(req.Kind, ex.Partials, s.cfg.Aggregation)
	if agg.Default {
		return s.defaultResult(topic, req, false)
	}
	data, err := json.Marshal(agg.Data)
	if err != nil {
		s.logger.Error().Err(err).Str("facet", req.Name).Msg("Failed to encode aggregated data.")
		return s.defaultResult(topic, req, false)
	}
	return types.FacetResult{
		Topic:             topic,
		Facet:             req.Name,
		Status:            status,
		Data:              data,
		Confidence:        agg.Confidence,
		FromCache:         ex.FromCache,
		Stale:             status == types.StatusStaleFallback,
		Sources:           agg.Sources,
		Providers:         agg.Providers,
		MissingDataPoints: ex.MissingDataPoints,
		SourceRecordIDs:   ex.SourceRecordIDs,
		AIAssisted:        aiUsed,
		GeneratedAt:       s.now().UTC(),
	}
}

func (s *Service) defaultResult(topic string, req types.FacetRequirement, cacheDown bool) types.FacetResult {
	agg := aggregate.Default(req.Kind)
	data, _ := json.Marshal(agg.Data)
	note := "no data available"
	if cacheDown {
		note = "no data available; cache unavailable"
	}
	return types.FacetResult{
		Topic:             topic,
		Facet:             req.Name,
		Status:            types.StatusDefault,
		Data:              data,
		Confidence:        agg.Confidence,
		MissingDataPoints: append([]string(nil), req.RequiredDataPoints...),
		GeneratedAt:       s.now().UTC(),
		Note:              note,
	}
}

func (s *Service) writeAggregate(ctx context.Context, res types.FacetResult, seq uint64) {
	payload, err := json.Marshal(res)
	if err != nil {
		s.logger.Error().Err(err).Str("facet", res.Facet).Msg("Failed to encode aggregated result for caching.")
		return
	}
	rec := types.NewCacheRecord(res.Topic, res.Facet, types.AggregateProvider(res.Facet), payload, s.now(), s.cfg.RecordHorizon)
	conf := res.Confidence
	rec.Confidence = &conf
	rec.Seq = seq
	s.write(ctx, rec)
}

// write stores rec unless a newer request already wrote its slot.
func (s *Service) write(ctx context.Context, rec types.CacheRecord) {
	admitted, err := s.guard.Write(rec.Key(), rec.Seq, func() error {
		return s.store.Put(ctx, rec)
	})
	switch {
	case !admitted:
		s.metrics.RejectedWrite()
		s.logger.Debug().Str("key", rec.Key()).Uint64("seq", rec.Seq).Msg("Rejected out-of-order cache write.")
	case err != nil:
		s.logger.Error().Err(err).Str("key", rec.Key()).Msg("Failed to write record to cache.")
	}
}

type fetchJob struct {
	provider string
	facet    string
}

type fetchOutcome struct {
	provider string
	record   types.CacheRecord
	err      error
}

// fanOut queries every job concurrently and collects each outcome
// separately; one failure never cancels the others.
func (s *Service) fanOut(ctx context.Context, topic string, jobs []fetchJob, seq uint64) []fetchOutcome {
	out := make([]fetchOutcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.cfg.FetchConcurrency)
	for i, job := range jobs {
		g.Go(func() error {
			rec, err := s.fetchOne(ctx, topic, job, seq)
			out[i] = fetchOutcome{provider: job.provider, record: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetchOne performs one breaker-gated, time-bounded provider call and
// stores the response.
func (s *Service) fetchOne(ctx context.Context, topic string, job fetchJob, seq uint64) (types.CacheRecord, error) {
	done, err := s.breakers.Allow(job.facet, job.provider)
	if err != nil {
		s.metrics.ProviderFetch(job.provider, job.facet, outcomeOf(err), 0)
		s.logger.Debug().Err(err).Str("provider", job.provider).Msg("Skipping provider behind open breaker.")
		return types.CacheRecord{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	start := s.now()
	body, err := s.providers.Fetch(fetchCtx, provider.Request{Topic: topic, Facet: job.facet, Provider: job.provider})
	done(err == nil)
	s.metrics.ProviderFetch(job.provider, job.facet, outcomeOf(err), s.now().Sub(start))
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", job.provider).Str("facet", job.facet).Msg("Provider fetch failed.")
		return types.CacheRecord{}, err
	}

	rec := types.NewCacheRecord(topic, job.facet, job.provider, body, s.now(), s.cfg.RecordHorizon)
	rec.Seq = seq
	s.write(ctx, rec)
	return rec, nil
}

type aiOutcome struct {
	res types.ExtractionResult
	err error
}

// extractAI calls the AI boundary with the working records, bounded by
// AITimeout even if the extractor ignores its context.
func (s *Service) extractAI(ctx context.Context, req types.FacetRequirement, working []types.CacheRecord) (types.ExtractionResult, bool) {
	payloads := make([]types.RawPayload, 0, len(working))
	for _, r := range working {
		payloads = append(payloads, rawPayload(r))
	}
	aiReq := extract.AIRequest{
		Facet:              req.Name,
		Kind:               req.Kind,
		Instructions:       req.Instructions,
		RequiredDataPoints: req.RequiredDataPoints,
		Payloads:           extract.BoundPayloads(payloads, s.cfg.MaxAIPayloads, 0),
	}

	aiCtx, cancel := context.WithTimeout(ctx, s.cfg.AITimeout)
	defer cancel()
	start := s.now()
	resultChan := make(chan aiOutcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().Str("facet", req.Name).Interface("panic", v).Msg("AI extractor panicked.")
				resultChan <- aiOutcome{err: fmt.Errorf("%w: extractor panicked: %v", extract.ErrExtractionFailed, v)}
			}
		}()
		res, err := s.ai.Extract(aiCtx, aiReq)
		resultChan <- aiOutcome{res: res, err: err}
	}()

	var out aiOutcome
	select {
	case <-aiCtx.Done():
		out.err = errors.Join(extract.ErrExtractionFailed, aiCtx.Err())
	case out = <-resultChan:
	}
	elapsed := s.now().Sub(start)
	if out.err != nil || len(out.res.Partials) == 0 {
		s.metrics.AIExtraction(req.Name, "failure", elapsed)
		s.logger.Warn().Err(out.err).Str("facet", req.Name).Msg("AI extraction failed; using heuristic results only.")
		return types.ExtractionResult{}, false
	}
	s.metrics.AIExtraction(req.Name, "success", elapsed)
	for i := range out.res.Partials {
		out.res.Partials[i].Origin = types.OriginAI
	}
	return out.res, true
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, breaker.ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, provider.ErrTimeout):
		return "timeout"
	case errors.Is(err, provider.ErrInvalidResponse):
		return "invalid"
	default:
		return "unavailable"
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
