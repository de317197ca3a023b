package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// OllamaClient implements TextGenerator, Translator and Summarizer using a
// local Ollama API.
type OllamaClient struct {
	baseURL string
	client  *http.Client
	caps    capabilities
}

var (
	_ capability.TextGenerator = (*OllamaClient)(nil)
	_ capability.Translator    = (*OllamaClient)(nil)
	_ capability.Summarizer    = (*OllamaClient)(nil)
)

// NewOllamaClient creates a new Ollama client.
// baseURL is typically "http://localhost:11434"
func NewOllamaClient(baseURL string, models Models) *OllamaClient {
	if models.Translation == "" {
		models.Translation = models.Generation
	}
	if models.Summary == "" {
		models.Summary = models.Generation
	}
	c := &OllamaClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 300 * time.Second, // 5 minutes for slow local models
		},
	}
	c.caps = capabilities{backend: c, models: models}
	return c
}

// Generate implements capability.TextGenerator.
func (c *OllamaClient) Generate(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	return c.caps.generate(ctx, req)
}

// Translate implements capability.Translator.
func (c *OllamaClient) Translate(ctx context.Context, req capability.TranslationRequest) (capability.Translation, error) {
	return c.caps.translate(ctx, req)
}

// Summarize implements capability.Summarizer.
func (c *OllamaClient) Summarize(ctx context.Context, req capability.SummaryRequest) (capability.Summary, error) {
	return c.caps.summarize(ctx, req)
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

func (c *OllamaClient) chat(ctx context.Context, r chatRequest) (string, capability.Usage, error) {
	messages := []ollamaMessage{{Role: "system", Content: r.System}}
	if r.User != "" {
		messages = append(messages, ollamaMessage{Role: "user", Content: r.User})
	}
	reqBody := ollamaChatRequest{
		Model:    r.Model,
		Messages: messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature:   r.Sampling.Temperature,
			TopP:          r.Sampling.TopP,
			RepeatPenalty: r.Sampling.FrequencyPenalty,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", capability.Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", capability.Usage{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", capability.Usage{}, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", capability.Usage{}, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", capability.Usage{}, fmt.Errorf("decode response: %w", err)
	}
	if result.Message.Content == "" {
		return "", capability.Usage{}, emptyResponse("ollama")
	}

	usage := capability.Usage{InputTokens: result.PromptEvalCount, OutputTokens: result.EvalCount}
	return result.Message.Content, usage, nil
}
