package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/capability"
)

type chatCompletionBody struct {
	Model            string   `json:"model"`
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"top_p"`
	FrequencyPenalty *float64 `json:"frequency_penalty"`
	Messages         []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

const chatCompletionResponse = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "test-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Hello there!  "}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 8, "total_tokens": 128}
}`

// newOpenAIServer records request bodies and answers with body.
func newOpenAIServer(t *testing.T, status int, body string, got *[]chatCompletionBody) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatCompletionBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if got != nil {
			*got = append(*got, req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func testModels() Models {
	return Models{
		Generation:         "gen",
		PremiumGeneration:  "gen-premium",
		Translation:        "tr",
		PremiumTranslation: "tr-premium",
		Summary:            "sum",
	}
}

func TestOpenAIClient_Generate(t *testing.T) {
	var got []chatCompletionBody
	server := newOpenAIServer(t, http.StatusOK, chatCompletionResponse, &got)
	client := NewOpenAIClient("test-key", server.URL+"/", testModels(), option.WithMaxRetries(0))

	gen, err := client.Generate(context.Background(), capability.GenerationRequest{
		Tier: capability.TierPremium,
		Prompt: capability.Prompt{
			Speaker:  "miku",
			Persona:  capability.Persona{Name: "Semyon"},
			Dialogue: []capability.Line{{Speaker: "Semyon", Text: "Hi!"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", gen.Text)
	assert.Equal(t, capability.Usage{InputTokens: 120, OutputTokens: 8}, gen.Usage)

	require.Len(t, got, 1)
	req := got[0]
	assert.Equal(t, "gen-premium", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "You are miku")
	assert.Contains(t, req.Messages[0].Content, "Semyon: Hi!")
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 1.1, *req.Temperature, 1e-9)
	require.NotNil(t, req.TopP)
	assert.InDelta(t, 0.95, *req.TopP, 1e-9)
	require.NotNil(t, req.FrequencyPenalty)
	assert.InDelta(t, 1.1, *req.FrequencyPenalty, 1e-9)
}

func TestOpenAIClient_Translate(t *testing.T) {
	var got []chatCompletionBody
	server := newOpenAIServer(t, http.StatusOK, chatCompletionResponse, &got)
	client := NewOpenAIClient("test-key", server.URL+"/", testModels(), option.WithMaxRetries(0))

	tr, err := client.Translate(context.Background(), capability.TranslationRequest{
		Tier:          capability.TierStandard,
		Text:          "Привет",
		Source:        language.Russian,
		Target:        language.English,
		SpeakerGender: "female",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", tr.Text)

	require.Len(t, got, 1)
	assert.Equal(t, "tr", got[0].Model)
	require.Len(t, got[0].Messages, 2)
	assert.Contains(t, got[0].Messages[0].Content, "from Russian to English")
	assert.Contains(t, got[0].Messages[0].Content, "female")
	assert.Equal(t, "Привет", got[0].Messages[1].Content)
	require.NotNil(t, got[0].Temperature)
	assert.Zero(t, *got[0].Temperature)
}

func TestOpenAIClient_TranslateSkipsEmptyAndSameLanguage(t *testing.T) {
	var got []chatCompletionBody
	server := newOpenAIServer(t, http.StatusOK, chatCompletionResponse, &got)
	client := NewOpenAIClient("test-key", server.URL+"/", testModels(), option.WithMaxRetries(0))

	tr, err := client.Translate(context.Background(), capability.TranslationRequest{
		Text: "   ", Source: language.English, Target: language.Russian,
	})
	require.NoError(t, err)
	assert.Equal(t, capability.Translation{}, tr)

	tr, err = client.Translate(context.Background(), capability.TranslationRequest{
		Text: "hello", Source: language.English, Target: language.English,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", tr.Text)
	assert.Empty(t, got)
}

func TestOpenAIClient_Summarize(t *testing.T) {
	var got []chatCompletionBody
	server := newOpenAIServer(t, http.StatusOK, chatCompletionResponse, &got)
	client := NewOpenAIClient("test-key", server.URL+"/", testModels(), option.WithMaxRetries(0))

	sum, err := client.Summarize(context.Background(), capability.SummaryRequest{
		Tier: capability.TierPremium,
		Lines: []capability.Line{
			{Speaker: "main_character", Text: "Shall we go?"},
			{Speaker: "miku", Text: "Sure!"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", sum.Text)

	require.Len(t, got, 1)
	// No premium summary model configured: falls back to standard.
	assert.Equal(t, "sum", got[0].Model)
	assert.Equal(t, SummaryPrompt, got[0].Messages[0].Content)
	assert.Equal(t, "main_character: Shall we go?\n\nmiku: Sure!", got[0].Messages[1].Content)
}

func TestOpenAIClient_ErrorsAreCapabilityFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error": {"message": "boom", "type": "server_error"}}`},
		{"no choices", http.StatusOK, `{"id": "x", "object": "chat.completion", "choices": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newOpenAIServer(t, tt.status, tt.body, nil)
			client := NewOpenAIClient("test-key", server.URL+"/", testModels(), option.WithMaxRetries(0))

			_, err := client.Generate(context.Background(), capability.GenerationRequest{})
			require.Error(t, err)
			assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
		})
	}
}

func TestNewOpenAIClient_DefaultModels(t *testing.T) {
	var got []chatCompletionBody
	server := newOpenAIServer(t, http.StatusOK, chatCompletionResponse, &got)
	client := NewOpenAIClient("test-key", server.URL+"/", Models{}, option.WithMaxRetries(0))

	_, err := client.Generate(context.Background(), capability.GenerationRequest{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, defaultModel, got[0].Model)
}
