// Package classifier provides RankedClassifier implementations: one backed by
// a zero-shot classification HTTP endpoint (the Hugging Face inference request
// shape) and one that scores hypotheses by embedding similarity.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/dan-solli/talebranch/pkg/capability"
)

const (
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
	backoffFactor     = 2.0
)

// ZeroShotClient implements capability.RankedClassifier over HTTP.
type ZeroShotClient struct {
	URL    string
	APIKey string

	// RetryDelay is the first backoff delay; tests shorten it.
	RetryDelay time.Duration

	client *http.Client
}

// NewZeroShotClient creates a client posting to url. apiKey may be empty for
// unauthenticated local servers.
func NewZeroShotClient(url, apiKey string) *ZeroShotClient {
	return &ZeroShotClient{
		URL:        url,
		APIKey:     apiKey,
		RetryDelay: initialRetryDelay,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

var _ capability.RankedClassifier = (*ZeroShotClient)(nil)

type zeroShotRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters zeroShotParameters `json:"parameters"`
}

type zeroShotParameters struct {
	CandidateLabels    []string `json:"candidate_labels"`
	HypothesisTemplate string   `json:"hypothesis_template"`
	MultiLabel         bool     `json:"multi_label"`
}

type zeroShotResponse struct {
	Sequence string    `json:"sequence"`
	Labels   []string  `json:"labels"`
	Scores   []float64 `json:"scores"`
	Error    string    `json:"error,omitempty"`
}

// Rank implements capability.RankedClassifier. Every failure, including a
// malformed ranking, is a capability.Failure.
func (c *ZeroShotClient) Rank(ctx context.Context, text string, candidates []string, hypothesisTemplate string) (capability.Ranking, error) {
	if len(candidates) == 0 {
		return nil, capability.Fail("rank", errors.New("no candidate labels"))
	}

	var lastErr error
	delay := c.RetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter between 0.5x and 1.5x of delay.
			jitter := delay/2 + time.Duration(rand.Int64N(int64(delay)+1))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil, capability.Fail("rank", ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		ranking, err := c.makeRequest(ctx, text, candidates, hypothesisTemplate)
		if err == nil {
			return ranking, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return nil, capability.Fail("rank", err)
		}
		if ctx.Err() != nil {
			return nil, capability.Fail("rank", ctx.Err())
		}
	}

	return nil, capability.Fail("rank", fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr))
}

func (c *ZeroShotClient) makeRequest(ctx context.Context, text string, candidates []string, template string) (capability.Ranking, error) {
	reqBody := zeroShotRequest{
		Inputs: text,
		Parameters: zeroShotParameters{
			CandidateLabels:    candidates,
			HypothesisTemplate: template,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// A loading model answers 503 until it is warm.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var apiResp zeroShotResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if apiResp.Error != "" {
		return nil, fmt.Errorf("classifier error: %s", apiResp.Error)
	}
	if len(apiResp.Labels) != len(apiResp.Scores) {
		return nil, fmt.Errorf("classifier returned %d labels and %d scores", len(apiResp.Labels), len(apiResp.Scores))
	}

	ranking := make(capability.Ranking, len(apiResp.Labels))
	for i, label := range apiResp.Labels {
		ranking[i] = capability.Label{Name: label, Score: apiResp.Scores[i]}
	}
	return capability.ValidateRanking(ranking, candidates)
}

// retryableError indicates an error that should be retried
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func shouldRetry(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
