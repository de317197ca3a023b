package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/talebranch/pkg/capability"
)

func TestOllamaClient_Generate(t *testing.T) {
	var got ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaMessage{Role: "assistant", Content: "Welcome to the camp."},
			Done:            true,
			PromptEvalCount: 300,
			EvalCount:       12,
		})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, Models{Generation: "mistral"})
	gen, err := client.Generate(context.Background(), capability.GenerationRequest{
		Prompt: capability.Prompt{Speaker: "slavya"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the camp.", gen.Text)
	assert.Equal(t, capability.Usage{InputTokens: 300, OutputTokens: 12}, gen.Usage)

	assert.Equal(t, "mistral", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.True(t, strings.Contains(got.Messages[0].Content, "You are slavya"))
	require.NotNil(t, got.Options.RepeatPenalty)
	assert.InDelta(t, 1.1, *got.Options.RepeatPenalty, 1e-9)
}

func TestOllamaClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}},
		{"empty content", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ollamaChatResponse{Done: true})
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewOllamaClient(server.URL, Models{Generation: "mistral"})
			_, err := client.Summarize(context.Background(), capability.SummaryRequest{
				Lines: []capability.Line{{Speaker: "miku", Text: "hi"}},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
		})
	}
}

func TestOllamaClient_EmptySummaryMakesNoCall(t *testing.T) {
	client := NewOllamaClient("http://127.0.0.1:0", Models{Generation: "mistral"})
	sum, err := client.Summarize(context.Background(), capability.SummaryRequest{})
	require.NoError(t, err)
	assert.Equal(t, capability.Summary{}, sum)
}
