package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// ErrExtractionFailed is returned by the AI boundary for any failure,
// including a response that cannot be decoded.
var ErrExtractionFailed = errors.New("extract: ai extraction failed")

// AIRequest is the input to the AI extraction boundary.
type AIRequest struct {
	Facet              string
	Kind               types.FacetKind
	Instructions       string
	RequiredDataPoints []string
	Payloads           []types.RawPayload
}

// AIExtractor asks an external reasoning service to extract and score
// structured facet data from several raw payloads.
type AIExtractor interface {
	Extract(ctx context.Context, req AIRequest) (types.ExtractionResult, error)
}

// AIExtractorFunc adapts a function to the AIExtractor interface.
type AIExtractorFunc func(ctx context.Context, req AIRequest) (types.ExtractionResult, error)

// Extract calls f.
func (f AIExtractorFunc) Extract(ctx context.Context, req AIRequest) (types.ExtractionResult, error) {
	return f(ctx, req)
}

// DecodeReport decodes raw into the report type of kind.
func DecodeReport(kind types.FacetKind, raw json.RawMessage) (any, error) {
	var target any
	switch kind {
	case types.KindSentiment:
		target = &types.SentimentReport{}
	case types.KindTrends:
		target = &types.TrendReport{}
	case types.KindNews:
		target = &types.NewsReport{}
	case types.KindMetrics:
		target = &types.MetricsReport{}
	default:
		return nil, fmt.Errorf("unknown facet kind %q", kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s report: %w", kind, err)
	}
	return target, nil
}

// BoundPayloads keeps at most max payloads and truncates each body to
// maxBytes. Truncated bodies are no longer valid JSON and are only fit for
// embedding in a prompt.
func BoundPayloads(payloads []types.RawPayload, max, maxBytes int) []types.RawPayload {
	if max > 0 && len(payloads) > max {
		payloads = payloads[len(payloads)-max:]
	}
	out := make([]types.RawPayload, len(payloads))
	for i, p := range payloads {
		out[i] = p
		if maxBytes > 0 && len(p.Body) > maxBytes {
			out[i].Body = append(json.RawMessage(nil), p.Body[:maxBytes]...)
		}
	}
	return out
}

var kindShapes = map[types.FacetKind]string{
	types.KindSentiment: `{"positive": <percent>, "neutral": <percent>, "negative": <percent>}`,
	types.KindTrends:    `{"statements": [{"text": "<trend>", "observed_at": "<RFC3339, optional>"}], "growth_rate": <percent>, "direction": "up|down|stable"}`,
	types.KindNews:      `{"articles": [{"headline": "<text>", "cluster_id": "<id>", "cluster_name": "<name>", "published_at": "<RFC3339>", "sentiment": {"positive": <count>, "neutral": <count>, "negative": <count>}}]}`,
	types.KindMetrics:   `{"values": {"<name>": <number>}, "lists": {"<name>": ["<item>"]}}`,
}

// BuildPrompt renders an AIRequest as a single prompt asking for JSON.
func BuildPrompt(req AIRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract structured %q data from the provider responses below.\n", req.Facet)
	if req.Instructions != "" {
		b.WriteString(req.Instructions)
		b.WriteString("\n")
	}
	if len(req.RequiredDataPoints) > 0 {
		fmt.Fprintf(&b, "Required data points: %s.\n", strings.Join(req.RequiredDataPoints, ", "))
	}
	b.WriteString("Respond with one JSON object of the form ")
	b.WriteString(`{"confidence": <0..1>, "found": ["<data point>"], "data": `)
	b.WriteString(kindShapes[req.Kind])
	b.WriteString("}. Omit anything the responses do not support.\n")
	for _, p := range req.Payloads {
		fmt.Fprintf(&b, "\n--- provider %s (record %s) ---\n%s\n", p.Provider, p.RecordID, p.Body)
	}
	return b.String()
}

type aiResponse struct {
	Confidence float64         `json:"confidence"`
	Found      []string        `json:"found"`
	Data       json.RawMessage `json:"data"`
}

// ParseResponse decodes a model's JSON answer into an ExtractionResult with
// one AI-origin partial. Code fences around the JSON are tolerated.
func ParseResponse(req AIRequest, text string) (types.ExtractionResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var resp aiResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &resp); err != nil {
		return types.ExtractionResult{}, fmt.Errorf("%w: decode response: %v", ErrExtractionFailed, err)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return types.ExtractionResult{}, fmt.Errorf("%w: response has no data", ErrExtractionFailed)
	}
	report, err := DecodeReport(req.Kind, resp.Data)
	if err != nil {
		return types.ExtractionResult{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	found := resp.Found
	if len(req.RequiredDataPoints) > 0 {
		found = intersect(found, req.RequiredDataPoints)
	}
	partial := types.Partial{
		Provider:   "ai",
		Origin:     types.OriginAI,
		Confidence: clamp01(resp.Confidence),
		Found:      found,
		Report:     report,
	}
	res := Summarize([]types.Partial{partial}, req.RequiredDataPoints, false)
	for _, p := range req.Payloads {
		res.SourceRecordIDs = append(res.SourceRecordIDs, p.RecordID)
	}
	return res, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
