package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/talebranch/pkg/capability"
)

func newTestClient(url string) *ZeroShotClient {
	c := NewZeroShotClient(url, "test-key")
	c.RetryDelay = time.Millisecond
	return c
}

func TestRank_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req zeroShotRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "miku: hello\n[SEP]\n", req.Inputs)
		assert.Equal(t, []string{"miku", "alice"}, req.Parameters.CandidateLabels)
		assert.Equal(t, "The character {} is mentioned in the dialogue.", req.Parameters.HypothesisTemplate)

		json.NewEncoder(w).Encode(zeroShotResponse{
			Labels: []string{"alice", "miku"},
			Scores: []float64{0.8, 0.2},
		})
	}))
	defer server.Close()

	ranking, err := newTestClient(server.URL).Rank(context.Background(),
		"miku: hello\n[SEP]\n", []string{"miku", "alice"}, "The character {} is mentioned in the dialogue.")
	require.NoError(t, err)
	assert.Equal(t, "alice", ranking.Top().Name)
	assert.InDelta(t, 0.2, ranking.Score("miku"), 1e-9)
}

func TestRank_SortsByScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(zeroShotResponse{
			Labels: []string{"calm", "happy", "sad"},
			Scores: []float64{0.1, 0.7, 0.2},
		})
	}))
	defer server.Close()

	ranking, err := newTestClient(server.URL).Rank(context.Background(), "x", []string{"happy", "sad", "calm"}, "Mood of conversation is {}")
	require.NoError(t, err)
	require.Len(t, ranking, 3)
	assert.Equal(t, []string{"happy", "sad", "calm"}, []string{ranking[0].Name, ranking[1].Name, ranking[2].Name})
}

func TestRank_MalformedRanking(t *testing.T) {
	tests := []struct {
		name string
		resp zeroShotResponse
	}{
		{"unknown label", zeroShotResponse{Labels: []string{"ghost"}, Scores: []float64{0.9}}},
		{"score out of range", zeroShotResponse{Labels: []string{"a"}, Scores: []float64{1.5}}},
		{"mismatched lengths", zeroShotResponse{Labels: []string{"a", "b"}, Scores: []float64{0.5}}},
		{"empty", zeroShotResponse{}},
		{"error body", zeroShotResponse{Error: "model overloaded"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.resp)
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Rank(context.Background(), "x", []string{"a", "b"}, "{}")
			require.Error(t, err)
			assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
		})
	}
}

func TestRank_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(zeroShotResponse{Labels: []string{"a", "b"}, Scores: []float64{0.6, 0.4}})
	}))
	defer server.Close()

	ranking, err := newTestClient(server.URL).Rank(context.Background(), "x", []string{"a", "b"}, "{}")
	require.NoError(t, err)
	assert.Equal(t, "a", ranking.Top().Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRank_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Rank(context.Background(), "x", []string{"a"}, "{}")
	require.Error(t, err)
	assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
	assert.Contains(t, err.Error(), "failed after 3 retries")
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestRank_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Rank(context.Background(), "x", []string{"a"}, "{}")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var f *capability.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "rank", f.Capability)
}

func TestRank_NoCandidates(t *testing.T) {
	_, err := NewZeroShotClient("http://unused", "").Rank(context.Background(), "x", nil, "{}")
	assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
}

func TestRank_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewZeroShotClient(server.URL, "")
	c.RetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Rank(ctx, "x", []string{"a"}, "{}")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
}
