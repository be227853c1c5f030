package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
	logger *telemetry.Logger
}

// NewAnthropicGenerator creates the adapter. The API key may only be omitted
// when BaseURL points at a proxy that authenticates on its own.
func NewAnthropicGenerator(cfg AnthropicConfig, logger *telemetry.Logger) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("anthropic api key is required (set ANTHROPIC_API_KEY)")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &AnthropicGenerator{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.NewComponentLogger("anthropic"),
	}, nil
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic messages call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp := Response{
		Content: text.String(),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
		Model: string(msg.Model),
	}

	g.logger.WithField("model", resp.Model).
		WithField("input_tokens", resp.Usage.InputTokens).
		WithField("output_tokens", resp.Usage.OutputTokens).
		WithField("stop_reason", string(msg.StopReason)).
		Debug("Generation completed")

	if strings.TrimSpace(resp.Content) == "" {
		return resp, ErrEmptyResponse
	}
	return resp, nil
}
