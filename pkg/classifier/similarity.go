package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/embeddings"
)

// DefaultTemperature sharpens cosine similarities before normalization.
const DefaultTemperature = 0.05

// SimilarityClassifier implements capability.RankedClassifier by comparing
// the embedding of the text with the embedding of each rendered hypothesis.
// Scores are a softmax over the similarities and sum to 1.
type SimilarityClassifier struct {
	embedder    embeddings.Client
	temperature float64
}

var _ capability.RankedClassifier = (*SimilarityClassifier)(nil)

// NewSimilarityClassifier creates a classifier. A non-positive temperature
// uses DefaultTemperature.
func NewSimilarityClassifier(embedder embeddings.Client, temperature float64) *SimilarityClassifier {
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	return &SimilarityClassifier{embedder: embedder, temperature: temperature}
}

// Rank implements capability.RankedClassifier.
func (c *SimilarityClassifier) Rank(ctx context.Context, text string, candidates []string, hypothesisTemplate string) (capability.Ranking, error) {
	if len(candidates) == 0 {
		return nil, capability.Fail("rank", errors.New("no candidate labels"))
	}

	inputs := make([]string, 0, len(candidates)+1)
	inputs = append(inputs, text)
	for _, label := range candidates {
		inputs = append(inputs, Hypothesis(hypothesisTemplate, label))
	}

	vectors, err := c.embedder.Embed(ctx, inputs)
	if err != nil {
		return nil, capability.Fail("rank", err)
	}
	if len(vectors) != len(inputs) {
		return nil, capability.Fail("rank", fmt.Errorf("got %d embeddings for %d inputs", len(vectors), len(inputs)))
	}

	logits := make([]float64, len(candidates))
	maxLogit := math.Inf(-1)
	for i := range candidates {
		sim, err := embeddings.Cosine(vectors[0], vectors[i+1])
		if err != nil {
			return nil, capability.Fail("rank", err)
		}
		logits[i] = sim / c.temperature
		maxLogit = max(maxLogit, logits[i])
	}

	var sum float64
	for i := range logits {
		logits[i] = math.Exp(logits[i] - maxLogit)
		sum += logits[i]
	}
	ranking := make(capability.Ranking, len(candidates))
	for i, label := range candidates {
		ranking[i] = capability.Label{Name: label, Score: logits[i] / sum}
	}

	ranking, err = capability.ValidateRanking(ranking, candidates)
	if err != nil {
		return nil, capability.Fail("rank", err)
	}
	return ranking, nil
}

// Hypothesis renders label into template at its "{}" placeholder. An empty
// template yields the label itself.
func Hypothesis(template, label string) string {
	if template == "" {
		return label
	}
	return strings.ReplaceAll(template, "{}", label)
}
