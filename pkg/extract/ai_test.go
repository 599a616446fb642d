package extract_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-intelcache/pkg/extract"
	"github.com/illmade-knight/go-intelcache/pkg/types"
)

func aiRequest() extract.AIRequest {
	return extract.AIRequest{
		Facet:              "sentiment",
		Kind:               types.KindSentiment,
		Instructions:       "Score public sentiment.",
		RequiredDataPoints: []string{"positive", "neutral", "negative"},
		Payloads: []types.RawPayload{
			{RecordID: "r1", Provider: "reddit", Body: json.RawMessage(`{"comments":["love it"]}`)},
			{RecordID: "r2", Provider: "forum", Body: json.RawMessage(`{"posts":["meh"]}`)},
		},
	}
}

func TestParseResponse(t *testing.T) {
	req := aiRequest()

	t.Run("Fenced JSON is decoded", func(t *testing.T) {
		text := "```json\n{\"confidence\":0.8,\"found\":[\"positive\",\"negative\"],\"data\":{\"positive\":60,\"negative\":40}}\n```"

		res, err := extract.ParseResponse(req, text)

		require.NoError(t, err)
		require.Len(t, res.Partials, 1)
		p := res.Partials[0]
		assert.Equal(t, types.OriginAI, p.Origin)
		report := p.Report.(*types.SentimentReport)
		assert.InDelta(t, 60, *report.Positive, 1e-9)
		assert.InDelta(t, 0.8, res.Confidence, 1e-9)
		assert.Equal(t, []string{"neutral"}, res.MissingDataPoints)
		assert.Equal(t, []string{"r1", "r2"}, res.SourceRecordIDs)
	})

	t.Run("Garbage is an extraction failure", func(t *testing.T) {
		_, err := extract.ParseResponse(req, "I cannot help with that")
		assert.ErrorIs(t, err, extract.ErrExtractionFailed)

		_, err = extract.ParseResponse(req, `{"confidence":0.9}`)
		assert.ErrorIs(t, err, extract.ErrExtractionFailed)
	})
}

func TestDecodeReport(t *testing.T) {
	r, err := extract.DecodeReport(types.KindNews, json.RawMessage(`{"articles":[{"headline":"h"}]}`))
	require.NoError(t, err)
	assert.Len(t, r.(*types.NewsReport).Articles, 1)

	_, err = extract.DecodeReport("unknown", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestBoundPayloads(t *testing.T) {
	payloads := []types.RawPayload{
		{RecordID: "old", Body: json.RawMessage(`{"a":1}`)},
		{RecordID: "mid", Body: json.RawMessage(`{"b":2}`)},
		{RecordID: "new", Body: json.RawMessage(`{"c":"` + strings.Repeat("x", 100) + `"}`)},
	}

	out := extract.BoundPayloads(payloads, 2, 16)

	require.Len(t, out, 2)
	assert.Equal(t, "mid", out[0].RecordID)
	assert.Len(t, out[1].Body, 16)
	assert.Len(t, payloads[2].Body, 108, "input is not modified")
}

func TestBuildPrompt(t *testing.T) {
	prompt := extract.BuildPrompt(aiRequest())

	assert.Contains(t, prompt, `"sentiment"`)
	assert.Contains(t, prompt, "Score public sentiment.")
	assert.Contains(t, prompt, "positive, neutral, negative")
	assert.Contains(t, prompt, "provider reddit (record r1)")
	assert.Contains(t, prompt, `{"posts":["meh"]}`)
}
