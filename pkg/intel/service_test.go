package intel_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-intelcache/pkg/aggregate"
	"github.com/illmade-knight/go-intelcache/pkg/breaker"
	"github.com/illmade-knight/go-intelcache/pkg/cache"
	"github.com/illmade-knight/go-intelcache/pkg/extract"
	"github.com/illmade-knight/go-intelcache/pkg/intel"
	"github.com/illmade-knight/go-intelcache/pkg/provider"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

const topic = "AI nutrition coach"

// countingFetcher serves a fixed body, or whatever respond returns, and
// counts calls.
type countingFetcher struct {
	calls   atomic.Int32
	respond func(ctx context.Context, call int32) ([]byte, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, _ provider.Request) ([]byte, error) {
	n := f.calls.Add(1)
	return f.respond(ctx, n)
}

func body(s string) func(context.Context, int32) ([]byte, error) {
	return func(context.Context, int32) ([]byte, error) { return []byte(s), nil }
}

type harness struct {
	svc      *intel.Service
	store    *cache.TieredStore
	breakers *breaker.Registry
	fetchers map[string]*countingFetcher
}

type harnessOpts struct {
	cfg      intel.Config
	facets   []types.FacetRequirement
	ai       extract.AIExtractor
	breaker  breaker.Config
	fetchers map[string]*countingFetcher
	durable  cache.RecordStore
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	durable := o.durable
	if durable == nil {
		durable = cache.NewInMemoryStore(0)
	}
	mirror, err := cache.NewLRUStore(100)
	require.NoError(t, err)
	store, err := cache.NewTieredStore(durable, mirror, zerolog.Nop())
	require.NoError(t, err)

	providers := provider.NewRegistry(0, zerolog.Nop())
	for name, f := range o.fetchers {
		require.NoError(t, providers.Register(provider.Spec{Name: name}, f))
	}
	breakers := breaker.NewRegistry(o.breaker, zerolog.Nop())

	svc, err := intel.NewService(o.cfg, intel.Dependencies{
		Store:     store,
		Providers: providers,
		Breakers:  breakers,
		AI:        o.ai,
		Facets:    o.facets,
	}, zerolog.Nop())
	require.NoError(t, err)
	return &harness{svc: svc, store: store, breakers: breakers, fetchers: o.fetchers}
}

func sentimentOnly(providers ...string) []types.FacetRequirement {
	return []types.FacetRequirement{{
		Name:               "sentiment",
		Kind:               types.KindSentiment,
		PrimaryProviders:   providers,
		RequiredDataPoints: []string{"positive", "neutral", "negative"},
	}}
}

func decodeSentiment(t *testing.T, res types.FacetResult) aggregate.SentimentSummary {
	t.Helper()
	var s aggregate.SentimentSummary
	require.NoError(t, json.Unmarshal(res.Data, &s))
	return s
}

func TestNewService_Validation(t *testing.T) {
	providers := provider.NewRegistry(0, zerolog.Nop())
	breakers := breaker.NewRegistry(breaker.Config{}, zerolog.Nop())
	store := cache.NewInMemoryStore(0)

	testCases := []struct {
		name string
		deps intel.Dependencies
	}{
		{"nil store", intel.Dependencies{Providers: providers, Breakers: breakers}},
		{"nil providers", intel.Dependencies{Store: store, Breakers: breakers}},
		{"nil breakers", intel.Dependencies{Store: store, Providers: providers}},
		{"duplicate facet", intel.Dependencies{Store: store, Providers: providers, Breakers: breakers,
			Facets: append(sentimentOnly("reddit"), sentimentOnly("twitter")...)}},
		{"unknown kind", intel.Dependencies{Store: store, Providers: providers, Breakers: breakers,
			Facets: []types.FacetRequirement{{Name: "odd", Kind: "odd"}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := intel.NewService(intel.Config{}, tc.deps, zerolog.Nop())
			assert.Error(t, err)
		})
	}

	t.Run("Defaults to the built-in facet table", func(t *testing.T) {
		svc, err := intel.NewService(intel.Config{}, intel.Dependencies{Store: store, Providers: providers, Breakers: breakers}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, []string{"sentiment", "market-trends", "news-trends", "market-size", "competition"}, svc.Facets())
	})
}

func TestGetFacetData_RequestErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.svc.GetFacetData(ctx, "", "sentiment", false)
	assert.ErrorIs(t, err, intel.ErrEmptyTopic)

	_, err = h.svc.GetFacetData(ctx, topic, "weather", false)
	assert.ErrorIs(t, err, intel.ErrUnknownFacet)

	_, err = h.svc.GetAllFacetData(ctx, topic, []string{"sentiment", "weather"})
	assert.ErrorIs(t, err, intel.ErrUnknownFacet)
}

func TestGetFacetData_SentimentAcrossProviders(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		cfg:    intel.Config{MinSources: 2},
		facets: sentimentOnly("reddit", "twitter"),
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: body(`{"positive":65,"neutral":15,"negative":20}`)},
			"twitter": {respond: body(`{"sentiment":{"positive":0.6,"neutral":0.2,"negative":0.2}}`)},
		},
	})
	ctx := context.Background()

	// Act
	res, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.StatusFresh, res.Status)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, res.Sources)
	assert.Equal(t, []string{"reddit", "twitter"}, res.Providers)
	assert.Empty(t, res.MissingDataPoints)
	assert.InDelta(t, 0.91, res.Confidence, 1e-9)
	got := decodeSentiment(t, res)
	assert.InDelta(t, 62.5, got.Positive, 1e-9)
	assert.InDelta(t, 17.5, got.Neutral, 1e-9)
	assert.InDelta(t, 20.0, got.Negative, 1e-9)

	t.Run("Second call is served from cache", func(t *testing.T) {
		again, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCached, again.Status)
		assert.True(t, again.FromCache)
		assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load())
		assert.Equal(t, int32(1), h.fetchers["twitter"].calls.Load())
	})

	t.Run("Force refresh refetches", func(t *testing.T) {
		forced, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFresh, forced.Status)
		assert.Equal(t, int32(2), h.fetchers["reddit"].calls.Load())
	})
}

func TestGetFacetData_ConcurrentCallersShareOneFetch(t *testing.T) {
	// Arrange
	release := make(chan struct{})
	slow := func(ctx context.Context, _ int32) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []byte(`{"positive":65,"neutral":15,"negative":20}`), nil
	}
	h := newHarness(t, harnessOpts{
		facets: sentimentOnly("reddit", "twitter"),
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: slow},
			"twitter": {respond: slow},
		},
	})
	ctx := context.Background()

	// Act
	const callers = 10
	results := make([]types.FacetResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	require.Eventually(t, func() bool { return h.fetchers["reddit"].calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load())
	assert.Equal(t, int32(1), h.fetchers["twitter"].calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0].GeneratedAt, r.GeneratedAt)
		assert.Equal(t, types.StatusFresh, r.Status)
	}
	stats, err := h.svc.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
}

func TestGetFacetData_BreakerShortCircuits(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		cfg:     intel.Config{MinSources: 1},
		breaker: breaker.Config{Threshold: 1, ResetTimeout: time.Hour},
		facets:  sentimentOnly("reddit", "twitter"),
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: func(context.Context, int32) ([]byte, error) { return nil, errors.New("503 from upstream") }},
			"twitter": {respond: body(`{"positive":65,"neutral":15,"negative":20}`)},
		},
	})
	ctx := context.Background()

	// Act
	first, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)
	require.NoError(t, err)
	second, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load(), "open breaker must not call the provider")
	assert.Equal(t, int32(2), h.fetchers["twitter"].calls.Load())
	assert.Equal(t, []string{"twitter"}, first.Providers)
	assert.Equal(t, []string{"twitter"}, second.Providers)
	assert.Equal(t, types.StatusFresh, second.Status)

	var reddit types.BreakerSnapshot
	for _, b := range h.svc.BreakerStates() {
		if b.Provider == "reddit" {
			reddit = b
		}
	}
	assert.Equal(t, "open", reddit.State)
	assert.Equal(t, "sentiment", reddit.Facet)
}

func TestGetFacetData_PanickingProvider(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		cfg:     intel.Config{MinSources: 1},
		breaker: breaker.Config{Threshold: 1, ResetTimeout: time.Hour},
		facets:  sentimentOnly("reddit", "twitter"),
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: func(context.Context, int32) ([]byte, error) { panic("provider bug") }},
			"twitter": {respond: body(`{"positive":65,"neutral":15,"negative":20}`)},
		},
	})
	ctx := context.Background()

	// Act
	first, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)
	require.NoError(t, err)
	second, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, types.StatusFresh, first.Status)
	assert.Equal(t, []string{"twitter"}, first.Providers)
	assert.Equal(t, types.StatusFresh, second.Status)
	assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load(), "the panic counts as a breaker failure")
}

func TestGetFacetData_NonFiniteProviderValue(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		fetchers: map[string]*countingFetcher{
			"market-research": {respond: body(`{"tam":"4.2B","growth_rate":9}`)},
			"search-trends":   {respond: body(`{"tam":"nan"}`)},
		},
	})

	// Act
	res, err := h.svc.GetFacetData(context.Background(), topic, "market-size", false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.StatusFresh, res.Status)
	var summary aggregate.MetricsSummary
	require.NoError(t, json.Unmarshal(res.Data, &summary))
	assert.InDelta(t, 4.2e9, summary.Values["tam"], 1)
	assert.Equal(t, 9.0, summary.Values["growth_rate"])
}

func TestGetFacetData_AllProvidersTimeOut(t *testing.T) {
	// Arrange
	hang := func(ctx context.Context, _ int32) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, harnessOpts{
		cfg:    intel.Config{ProviderTimeout: 30 * time.Millisecond},
		facets: sentimentOnly("reddit", "twitter"),
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: hang},
			"twitter": {respond: hang},
		},
	})

	// Act
	start := time.Now()
	res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

	// Assert
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.StatusDefault, res.Status)
	assert.InDelta(t, aggregate.DefaultConfidence, res.Confidence, 1e-9)
	assert.Equal(t, "no data available", res.Note)
	assert.Equal(t, []string{"positive", "neutral", "negative"}, res.MissingDataPoints)
	assert.Equal(t, aggregate.SentimentSummary{}, decodeSentiment(t, res))
}

func TestGetFacetData_StaleFallback(t *testing.T) {
	// Arrange
	durable := cache.NewInMemoryStore(0)
	old := types.NewCacheRecord(topic, "sentiment", "reddit",
		[]byte(`{"positive":40,"neutral":40,"negative":20}`), time.Now().Add(-72*time.Hour), 30*24*time.Hour)
	require.NoError(t, durable.Put(context.Background(), old))

	h := newHarness(t, harnessOpts{
		durable: durable,
		facets:  sentimentOnly("reddit"),
		fetchers: map[string]*countingFetcher{
			"reddit": {respond: func(context.Context, int32) ([]byte, error) { return nil, errors.New("connection refused") }},
		},
	})

	// Act
	res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load())
	assert.Equal(t, types.StatusStaleFallback, res.Status)
	assert.True(t, res.Stale)
	assert.True(t, res.FromCache)
	assert.Equal(t, []string{old.ID}, res.SourceRecordIDs)
	assert.InDelta(t, 40.0, decodeSentiment(t, res).Positive, 1e-9)
}

func TestGetFacetData_StaleFallbackToLastAggregate(t *testing.T) {
	// Arrange
	fail := false
	var mu sync.Mutex
	h := newHarness(t, harnessOpts{
		facets: sentimentOnly("reddit"),
		cfg:    intel.Config{MinSources: 1},
		fetchers: map[string]*countingFetcher{
			"reddit": {respond: func(context.Context, int32) ([]byte, error) {
				mu.Lock()
				defer mu.Unlock()
				if fail {
					return nil, errors.New("connection refused")
				}
				return []byte(`{"positive":65,"neutral":15,"negative":20}`), nil
			}},
		},
	})
	ctx := context.Background()
	first, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
	require.NoError(t, err)
	require.Equal(t, types.StatusFresh, first.Status)
	require.NoError(t, h.store.Delete(ctx, types.SlotKey(topic, "sentiment", "reddit")))
	mu.Lock()
	fail = true
	mu.Unlock()

	// Act
	res, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, types.StatusStaleFallback, res.Status)
	assert.True(t, res.Stale)
	assert.Equal(t, first.Data, res.Data)
	assert.Equal(t, first.SourceRecordIDs, res.SourceRecordIDs)
}

func TestGetFacetData_ForceRefreshWinsOverSlowRequest(t *testing.T) {
	// Arrange
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{
		cfg:    intel.Config{MinSources: 1},
		facets: sentimentOnly("reddit"),
		fetchers: map[string]*countingFetcher{
			"reddit": {respond: func(ctx context.Context, call int32) ([]byte, error) {
				if call == 1 {
					<-release
					return []byte(`{"positive":10,"neutral":10,"negative":80}`), nil
				}
				return []byte(`{"positive":65,"neutral":15,"negative":20}`), nil
			}},
		},
	})
	ctx := context.Background()

	slowDone := make(chan types.FacetResult, 1)
	go func() {
		res, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
		assert.NoError(t, err)
		slowDone <- res
	}()
	require.Eventually(t, func() bool { return h.fetchers["reddit"].calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Act
	forced, err := h.svc.GetFacetData(ctx, topic, "sentiment", true)
	require.NoError(t, err)
	close(release)
	slow := <-slowDone
	after, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
	require.NoError(t, err)

	// Assert
	assert.InDelta(t, 65.0, decodeSentiment(t, forced).Positive, 1e-9)
	assert.InDelta(t, 10.0, decodeSentiment(t, slow).Positive, 1e-9, "the slow caller still gets its own result")
	assert.Equal(t, types.StatusCached, after.Status)
	assert.InDelta(t, 65.0, decodeSentiment(t, after).Positive, 1e-9, "the superseded write must not replace the forced one")
	assert.Equal(t, int32(2), h.fetchers["reddit"].calls.Load())
}

func TestGetFacetData_AIExtraction(t *testing.T) {
	partialPayload := `{"positive":65}`

	t.Run("AI fills what heuristics miss", func(t *testing.T) {
		// Arrange
		var got extract.AIRequest
		ai := extract.AIExtractorFunc(func(_ context.Context, req extract.AIRequest) (types.ExtractionResult, error) {
			got = req
			pos, neu, neg := 60.0, 25.0, 15.0
			return types.ExtractionResult{
				Partials: []types.Partial{{
					Provider:   "ai",
					Origin:     types.OriginAI,
					Confidence: 0.8,
					Found:      []string{"positive", "neutral", "negative"},
					Report:     &types.SentimentReport{Positive: &pos, Neutral: &neu, Negative: &neg},
				}},
				Confidence:      0.8,
				SourceRecordIDs: []string{req.Payloads[0].RecordID},
			}, nil
		})
		h := newHarness(t, harnessOpts{
			cfg:      intel.Config{MinSources: 1},
			ai:       ai,
			facets:   sentimentOnly("reddit"),
			fetchers: map[string]*countingFetcher{"reddit": {respond: body(partialPayload)}},
		})

		// Act
		res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

		// Assert
		require.NoError(t, err)
		assert.True(t, res.AIAssisted)
		assert.Empty(t, res.MissingDataPoints)
		assert.InDelta(t, 0.9, res.Confidence, 1e-9)
		require.Len(t, got.Payloads, 1)
		assert.Equal(t, "reddit", got.Payloads[0].Provider)
		assert.Equal(t, "sentiment", got.Facet)
		s := decodeSentiment(t, res)
		assert.InDelta(t, 62.5, s.Positive, 1e-9)
		assert.InDelta(t, 25.0, s.Neutral, 1e-9)
	})

	t.Run("AI failure degrades to heuristics", func(t *testing.T) {
		ai := extract.AIExtractorFunc(func(context.Context, extract.AIRequest) (types.ExtractionResult, error) {
			return types.ExtractionResult{}, extract.ErrExtractionFailed
		})
		h := newHarness(t, harnessOpts{
			cfg:      intel.Config{MinSources: 1},
			ai:       ai,
			facets:   sentimentOnly("reddit"),
			fetchers: map[string]*countingFetcher{"reddit": {respond: body(partialPayload)}},
		})

		res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

		require.NoError(t, err)
		assert.False(t, res.AIAssisted)
		assert.Equal(t, types.StatusFresh, res.Status)
		assert.InDelta(t, 0.5, res.Confidence, 1e-9)
		assert.Equal(t, []string{"neutral", "negative"}, res.MissingDataPoints)
	})

	t.Run("AI that hangs is bounded", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		ai := extract.AIExtractorFunc(func(context.Context, extract.AIRequest) (types.ExtractionResult, error) {
			<-release
			return types.ExtractionResult{}, nil
		})
		h := newHarness(t, harnessOpts{
			cfg:      intel.Config{MinSources: 1, AITimeout: 30 * time.Millisecond},
			ai:       ai,
			facets:   sentimentOnly("reddit"),
			fetchers: map[string]*countingFetcher{"reddit": {respond: body(partialPayload)}},
		})

		start := time.Now()
		res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.False(t, res.AIAssisted)
	})

	t.Run("AI that panics degrades to heuristics", func(t *testing.T) {
		ai := extract.AIExtractorFunc(func(context.Context, extract.AIRequest) (types.ExtractionResult, error) {
			panic("unexpected response shape")
		})
		h := newHarness(t, harnessOpts{
			cfg:      intel.Config{MinSources: 1},
			ai:       ai,
			facets:   sentimentOnly("reddit"),
			fetchers: map[string]*countingFetcher{"reddit": {respond: body(partialPayload)}},
		})

		res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

		require.NoError(t, err)
		assert.False(t, res.AIAssisted)
		assert.Equal(t, types.StatusFresh, res.Status)
		assert.Equal(t, []string{"neutral", "negative"}, res.MissingDataPoints)
	})
}

func TestGetFacetData_FallbackProviders(t *testing.T) {
	// Arrange
	facets := []types.FacetRequirement{{
		Name:               "sentiment",
		Kind:               types.KindSentiment,
		PrimaryProviders:   []string{"reddit", "twitter"},
		FallbackProviders:  []string{"forums"},
		RequiredDataPoints: []string{"positive", "neutral", "negative"},
	}}
	h := newHarness(t, harnessOpts{
		cfg:    intel.Config{MinSources: 2},
		facets: facets,
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: body(`{"positive":65,"neutral":15,"negative":20}`)},
			"twitter": {respond: func(context.Context, int32) ([]byte, error) { return []byte("<html>"), nil }},
			"forums":  {respond: body(`{"positive":55,"neutral":25,"negative":20}`)},
		},
	})

	// Act
	res, err := h.svc.GetFacetData(context.Background(), topic, "sentiment", false)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.fetchers["forums"].calls.Load())
	assert.Equal(t, []string{"forums", "reddit"}, res.Providers)
	assert.InDelta(t, 60.0, decodeSentiment(t, res).Positive, 1e-9)
}

func TestBatchFetchAll(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: body(`{"positive":65,"neutral":15,"negative":20}`)},
			"twitter": {respond: body(`{"positive":60,"neutral":20,"negative":20}`)},
			"news": {respond: body(`{"articles":[
				{"headline":"AI coaches raise funding","cluster":"funding","sentiment":{"positive":3}},
				{"headline":"Coaches go mainstream","cluster":"adoption","sentiment":{"neutral":1}}]}`)},
			"broken": {respond: func(context.Context, int32) ([]byte, error) { return nil, errors.New("down") }},
		},
	})
	ctx := context.Background()

	// Act
	payloads, err := h.svc.BatchFetchAll(ctx, topic)

	// Assert
	require.NoError(t, err)
	assert.Len(t, payloads, 3)
	assert.NotContains(t, payloads, "broken")
	require.Len(t, payloads["reddit"], 1)
	assert.Equal(t, "sentiment", payloads["reddit"][0].Facet)
	assert.JSONEq(t, `{"positive":65,"neutral":15,"negative":20}`, string(payloads["reddit"][0].Body))
	require.Len(t, payloads["news"], 2, "news answers market-trends and news-trends separately")
	assert.Equal(t, "market-trends", payloads["news"][0].Facet)
	assert.Equal(t, "news-trends", payloads["news"][1].Facet)

	t.Run("Fresh providers are not refetched", func(t *testing.T) {
		again, err := h.svc.BatchFetchAll(ctx, topic)
		require.NoError(t, err)
		assert.Len(t, again, 3)
		assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load())
		assert.Equal(t, int32(2), h.fetchers["news"].calls.Load())
		assert.Equal(t, int32(2), h.fetchers["broken"].calls.Load())
	})

	t.Run("Facets then use the cache", func(t *testing.T) {
		res, err := h.svc.GetAllFacetData(ctx, topic, []string{"sentiment", "news-trends"})
		require.NoError(t, err)
		require.Len(t, res, 2)
		assert.Equal(t, types.StatusCached, res["sentiment"].Status)
		assert.Equal(t, types.StatusCached, res["news-trends"].Status)
		assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load())
		assert.Equal(t, int32(1), h.fetchers["twitter"].calls.Load())
		assert.Equal(t, int32(2), h.fetchers["news"].calls.Load())
	})

	t.Run("Empty topic", func(t *testing.T) {
		_, err := h.svc.BatchFetchAll(ctx, "")
		assert.ErrorIs(t, err, intel.ErrEmptyTopic)
	})
}

func TestGetAllFacetData_FetchesEachProviderFacetOnce(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		fetchers: map[string]*countingFetcher{
			"reddit":  {respond: body(`{"positive":65,"neutral":15,"negative":20}`)},
			"twitter": {respond: body(`{"positive":60,"neutral":20,"negative":20}`)},
			"news":    {respond: body(`{"articles":[{"headline":"AI coaches raise funding","cluster":"funding","sentiment":{"positive":3}}]}`)},
		},
	})

	// Act
	res, err := h.svc.GetAllFacetData(context.Background(), topic, nil)

	// Assert
	require.NoError(t, err)
	assert.Len(t, res, 5)
	assert.Equal(t, int32(1), h.fetchers["reddit"].calls.Load())
	assert.Equal(t, int32(1), h.fetchers["twitter"].calls.Load())
	assert.Equal(t, int32(2), h.fetchers["news"].calls.Load(), "once for market-trends and once for news-trends")
	assert.Equal(t, types.StatusDefault, res["market-size"].Status, "no market-size provider is registered")
	assert.NotEqual(t, types.StatusDefault, res["sentiment"].Status)
}

func TestCacheAdministration(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{
		cfg:      intel.Config{MinSources: 1},
		facets:   sentimentOnly("reddit"),
		fetchers: map[string]*countingFetcher{"reddit": {respond: body(`{"positive":65,"neutral":15,"negative":20}`)}},
	})
	ctx := context.Background()
	_, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
	require.NoError(t, err)
	expired := types.NewCacheRecord("other topic", "sentiment", "reddit", []byte(`{}`), time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, h.store.Put(ctx, expired))

	// Act & Assert
	stats, err := h.svc.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Durable.Total, "raw record, aggregate record and the expired record")
	assert.Equal(t, 1, stats.Durable.Expired)
	assert.Equal(t, 3, stats.Mirror.Total)

	n, err := h.svc.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.svc.ClearCache(ctx))
	stats, err = h.svc.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Durable.Total)
	assert.Zero(t, stats.Mirror.Total)

	res, err := h.svc.GetFacetData(ctx, topic, "sentiment", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFresh, res.Status)
	assert.Equal(t, int32(2), h.fetchers["reddit"].calls.Load())
}

// facetFetcher answers per requested facet and counts calls per facet.
type facetFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies map[string]string
}

func (f *facetFetcher) Fetch(_ context.Context, req provider.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.Facet]++
	b, ok := f.bodies[req.Facet]
	if !ok {
		return nil, fmt.Errorf("no %s data: %w", req.Facet, provider.ErrInvalidResponse)
	}
	return []byte(b), nil
}

func (f *facetFetcher) count(facet string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[facet]
}

func TestGetFacetData_ProviderServingSeveralFacets(t *testing.T) {
	// Arrange
	news := &facetFetcher{bodies: map[string]string{
		"sentiment":     `{"positive":62,"neutral":18,"negative":20}`,
		"market-trends": `{"trends":["Personalised meal plans"],"growth_rate":12,"direction":"up"}`,
	}}
	providers := provider.NewRegistry(0, zerolog.Nop())
	require.NoError(t, providers.Register(provider.Spec{Name: "news"}, news))
	mirror, err := cache.NewLRUStore(100)
	require.NoError(t, err)
	store, err := cache.NewTieredStore(cache.NewInMemoryStore(0), mirror, zerolog.Nop())
	require.NoError(t, err)
	svc, err := intel.NewService(intel.Config{MinSources: 1}, intel.Dependencies{
		Store:     store,
		Providers: providers,
		Breakers:  breaker.NewRegistry(breaker.Config{}, zerolog.Nop()),
		Facets: []types.FacetRequirement{
			{Name: "sentiment", Kind: types.KindSentiment, PrimaryProviders: []string{"news"},
				RequiredDataPoints: []string{"positive", "neutral", "negative"}},
			{Name: "market-trends", Kind: types.KindTrends, PrimaryProviders: []string{"news"},
				RequiredDataPoints: []string{"statements", "growth_rate", "direction"}},
		},
	}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	// Act
	sentiment, err := svc.GetFacetData(ctx, topic, "sentiment", false)
	require.NoError(t, err)
	trends, err := svc.GetFacetData(ctx, topic, "market-trends", false)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, types.StatusFresh, sentiment.Status)
	assert.Equal(t, types.StatusFresh, trends.Status, "the sentiment record must not stand in for market-trends")
	assert.Equal(t, 1, news.count("sentiment"))
	assert.Equal(t, 1, news.count("market-trends"))
	var summary aggregate.TrendSummary
	require.NoError(t, json.Unmarshal(trends.Data, &summary))
	require.NotEmpty(t, summary.Statements)
	assert.Equal(t, "Personalised meal plans", summary.Statements[0].Text)

	t.Run("Forcing one facet leaves the other facet's record alone", func(t *testing.T) {
		_, err := svc.GetFacetData(ctx, topic, "market-trends", true)
		require.NoError(t, err)

		again, err := svc.GetFacetData(ctx, topic, "sentiment", false)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCached, again.Status)
		assert.Equal(t, 1, news.count("sentiment"))
		assert.InDelta(t, 62.0, decodeSentiment(t, again).Positive, 1e-9)
	})
}
