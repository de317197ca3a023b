package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// vectorEmbedder answers from a fixed table and records its inputs.
type vectorEmbedder struct {
	vectors map[string][]float32
	err     error
	inputs  []string
}

func (e *vectorEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.inputs = append(e.inputs, texts...)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectors[t]
	}
	return out, nil
}

const mentionTemplate = "The character {} is mentioned in the dialogue."

func TestSimilarity_RanksClosestHypothesisFirst(t *testing.T) {
	text := "alice: where is miku?"
	embedder := &vectorEmbedder{vectors: map[string][]float32{
		text:                                 {1, 0.2},
		Hypothesis(mentionTemplate, "miku"):  {1, 0},
		Hypothesis(mentionTemplate, "alice"): {0, 1},
	}}
	c := NewSimilarityClassifier(embedder, 0)

	ranking, err := c.Rank(context.Background(), text, []string{"alice", "miku"}, mentionTemplate)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	assert.Equal(t, "miku", ranking.Top().Name)
	assert.Greater(t, ranking[0].Score, 0.99)
	assert.InDelta(t, 1.0, ranking[0].Score+ranking[1].Score, 1e-9)

	assert.Equal(t, []string{
		text,
		"The character alice is mentioned in the dialogue.",
		"The character miku is mentioned in the dialogue.",
	}, embedder.inputs)
}

func TestSimilarity_EqualSimilaritiesSplitEvenly(t *testing.T) {
	embedder := &vectorEmbedder{vectors: map[string][]float32{
		"text": {1, 1},
		"a":    {1, 1},
		"b":    {2, 2},
	}}
	ranking, err := NewSimilarityClassifier(embedder, 1).Rank(context.Background(), "text", []string{"a", "b"}, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, ranking[0].Score, 1e-9)
	assert.InDelta(t, 0.5, ranking[1].Score, 1e-9)
}

func TestSimilarity_Failures(t *testing.T) {
	tests := []struct {
		name       string
		embedder   *vectorEmbedder
		candidates []string
	}{
		{"no candidates", &vectorEmbedder{}, nil},
		{"embedder error", &vectorEmbedder{err: errors.New("connection refused")}, []string{"a"}},
		{"dimension mismatch", &vectorEmbedder{vectors: map[string][]float32{
			"text": {1, 0, 0},
			"a":    {1, 0},
		}}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimilarityClassifier(tt.embedder, 0).Rank(context.Background(), "text", tt.candidates, "")
			assert.ErrorIs(t, err, capability.ErrCapabilityFailure)
		})
	}
}

func TestHypothesis(t *testing.T) {
	assert.Equal(t, "miku", Hypothesis("", "miku"))
	assert.Equal(t, "The miku {x}", Hypothesis("The {} {x}", "miku"))
}
