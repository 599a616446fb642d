package extract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// contentGenerator is the slice of the genai Models service the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey string
	Model  string
	// MaxPayloads bounds how many raw payloads are sent per request. Defaults to 5.
	MaxPayloads int
	// MaxPayloadBytes truncates each payload body. Defaults to 8 KiB.
	MaxPayloadBytes int
}

func (c *GeminiConfig) defaults() {
	if c.Model == "" {
		c.Model = "gemini-2.5-flash"
	}
	if c.MaxPayloads <= 0 {
		c.MaxPayloads = 5
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 8 << 10
	}
}

// GeminiClient is an AIExtractor backed by the Gemini API.
type GeminiClient struct {
	models contentGenerator
	cfg    GeminiConfig
	logger zerolog.Logger
}

// NewGeminiClient creates a Gemini-backed extractor.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg GeminiConfig, logger zerolog.Logger) *GeminiClient {
	cfg.defaults()
	return &GeminiClient{
		models: models,
		cfg:    cfg,
		logger: logger.With().Str("component", "GeminiClient").Str("model", cfg.Model).Logger(),
	}
}

// Extract implements AIExtractor.
func (g *GeminiClient) Extract(ctx context.Context, req AIRequest) (types.ExtractionResult, error) {
	req.Payloads = BoundPayloads(req.Payloads, g.cfg.MaxPayloads, g.cfg.MaxPayloadBytes)
	prompt := BuildPrompt(req)

	resp, err := g.models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("facet", req.Facet).Msg("Gemini request failed.")
		return types.ExtractionResult{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	res, err := ParseResponse(req, resp.Text())
	if err != nil {
		g.logger.Warn().Err(err).Str("facet", req.Facet).Msg("Gemini response was not usable.")
		return types.ExtractionResult{}, err
	}
	g.logger.Debug().Str("facet", req.Facet).Int("payloads", len(req.Payloads)).Float64("confidence", res.Confidence).Msg("Gemini extraction succeeded.")
	return res, nil
}
