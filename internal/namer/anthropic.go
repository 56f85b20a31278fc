package namer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// AnthropicConfig configures an AnthropicSummarizer.
type AnthropicConfig struct {
	// Model defaults to Claude Haiku 4.5.
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes requests through AWS Bedrock with the default AWS
	// credential chain.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	// RequestOptions are appended to the client options.
	RequestOptions []option.RequestOption
}

// AnthropicSummarizer summarizes with the Anthropic Messages API.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicSummarizer creates a summarizer from cfg.
func NewAnthropicSummarizer(ctx context.Context, cfg AnthropicConfig) (*AnthropicSummarizer, error) {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, cfg.RequestOptions...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeHaiku4_5_20251001
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}

	return &AnthropicSummarizer{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// bedrockModel maps Anthropic model names to Bedrock cross-region inference
// profiles. Unknown names pass through.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Model returns the model requests are sent to.
func (s *AnthropicSummarizer) Model() anthropic.Model {
	return s.model
}

// Summarize implements Summarizer.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 50,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(summarizePrompt, MaxNameLength, prompt))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize prompt: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("empty response from API")
	}
	return b.String(), nil
}
