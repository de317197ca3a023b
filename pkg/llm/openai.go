package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dan-solli/talebranch/pkg/capability"
)

const defaultModel = "gpt-4o-mini"

// OpenAIClient implements TextGenerator, Translator and Summarizer against any
// OpenAI-compatible Chat Completions endpoint.
type OpenAIClient struct {
	client *openai.Client
	caps   capabilities
}

var (
	_ capability.TextGenerator = (*OpenAIClient)(nil)
	_ capability.Translator    = (*OpenAIClient)(nil)
	_ capability.Summarizer    = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a client. An empty baseURL uses the SDK default.
// Missing standard models default to gpt-4o-mini.
func NewOpenAIClient(apiKey, baseURL string, models Models, opts ...option.RequestOption) *OpenAIClient {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)

	client := openai.NewClient(clientOpts...)
	return NewOpenAIClientFromClient(&client, models)
}

// NewOpenAIClientFromClient wraps an existing SDK client.
func NewOpenAIClientFromClient(client *openai.Client, models Models) *OpenAIClient {
	if models.Generation == "" {
		models.Generation = defaultModel
	}
	if models.Translation == "" {
		models.Translation = models.Generation
	}
	if models.Summary == "" {
		models.Summary = models.Generation
	}
	c := &OpenAIClient{client: client}
	c.caps = capabilities{backend: c, models: models}
	return c
}

// Generate implements capability.TextGenerator.
func (c *OpenAIClient) Generate(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	return c.caps.generate(ctx, req)
}

// Translate implements capability.Translator.
func (c *OpenAIClient) Translate(ctx context.Context, req capability.TranslationRequest) (capability.Translation, error) {
	return c.caps.translate(ctx, req)
}

// Summarize implements capability.Summarizer.
func (c *OpenAIClient) Summarize(ctx context.Context, req capability.SummaryRequest) (capability.Summary, error) {
	return c.caps.summarize(ctx, req)
}

func (c *OpenAIClient) chat(ctx context.Context, req chatRequest) (string, capability.Usage, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(req.System)}
	if req.User != "" {
		messages = append(messages, openai.UserMessage(req.User))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Sampling.Temperature != nil {
		params.Temperature = openai.Float(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		params.TopP = openai.Float(*req.Sampling.TopP)
	}
	if req.Sampling.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*req.Sampling.FrequencyPenalty)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", capability.Usage{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", capability.Usage{}, emptyResponse("openai")
	}

	usage := capability.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
