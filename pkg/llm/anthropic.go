package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dan-solli/talebranch/pkg/capability"
)

const defaultMaxTokens = 1024

// AnthropicGenerator implements TextGenerator, Translator and Summarizer with
// the Anthropic Messages API.
type AnthropicGenerator struct {
	client    *anthropic.Client
	caps      capabilities
	maxTokens int64
}

var (
	_ capability.TextGenerator = (*AnthropicGenerator)(nil)
	_ capability.Translator    = (*AnthropicGenerator)(nil)
	_ capability.Summarizer    = (*AnthropicGenerator)(nil)
)

// NewAnthropicGenerator creates a generator. Missing standard models default
// to Claude 3.5 Sonnet.
func NewAnthropicGenerator(apiKey string, models Models, opts ...option.RequestOption) *AnthropicGenerator {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	clientOpts = append(clientOpts, opts...)
	client := anthropic.NewClient(clientOpts...)

	if models.Generation == "" {
		models.Generation = string(anthropic.ModelClaude3_5Sonnet20241022)
	}
	if models.Translation == "" {
		models.Translation = models.Generation
	}
	if models.Summary == "" {
		models.Summary = models.Generation
	}

	g := &AnthropicGenerator{client: &client, maxTokens: defaultMaxTokens}
	g.caps = capabilities{backend: g, models: models}
	return g
}

// Generate implements capability.TextGenerator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	return g.caps.generate(ctx, req)
}

// Translate implements capability.Translator.
func (g *AnthropicGenerator) Translate(ctx context.Context, req capability.TranslationRequest) (capability.Translation, error) {
	return g.caps.translate(ctx, req)
}

// Summarize implements capability.Summarizer.
func (g *AnthropicGenerator) Summarize(ctx context.Context, req capability.SummaryRequest) (capability.Summary, error) {
	return g.caps.summarize(ctx, req)
}

func (g *AnthropicGenerator) chat(ctx context.Context, req chatRequest) (string, capability.Usage, error) {
	// The Messages API needs at least one user turn; a system-only prompt is
	// sent as the user turn instead.
	system, user := req.System, req.User
	if user == "" {
		system, user = "", req.System
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: g.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	// Anthropic caps temperature at 1.
	if req.Sampling.Temperature != nil {
		params.Temperature = anthropic.Float(min(*req.Sampling.Temperature, 1))
	} else if req.Sampling.TopP != nil {
		params.TopP = anthropic.Float(*req.Sampling.TopP)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", capability.Usage{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return "", capability.Usage{}, fmt.Errorf("anthropic: no text content returned")
	}

	usage := capability.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	return b.String(), usage, nil
}
