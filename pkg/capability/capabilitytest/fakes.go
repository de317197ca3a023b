// Package capabilitytest provides scripted capability fakes for tests.
package capabilitytest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// RankCall records one Rank invocation.
type RankCall struct {
	Text       string
	Candidates []string
	Template   string
}

// Classifier answers Rank calls from a script keyed by hypothesis template
// prefix. Unscripted calls score the first candidate 1 and the rest 0.
type Classifier struct {
	mu      sync.Mutex
	scripts map[string]func(candidates []string) capability.Ranking
	Calls   []RankCall
	Err     error
}

// NewClassifier creates an empty scripted classifier.
func NewClassifier() *Classifier {
	return &Classifier{scripts: make(map[string]func([]string) capability.Ranking)}
}

// On scripts the answer for calls whose template starts with prefix.
func (c *Classifier) On(prefix string, fn func(candidates []string) capability.Ranking) *Classifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[prefix] = fn
	return c
}

// Scores scripts fixed scores by label; unlisted candidates score 0.
func (c *Classifier) Scores(prefix string, scores map[string]float64) *Classifier {
	return c.On(prefix, func(candidates []string) capability.Ranking {
		r := make(capability.Ranking, 0, len(candidates))
		for _, cand := range candidates {
			r = append(r, capability.Label{Name: cand, Score: scores[cand]})
		}
		return r
	})
}

// Rank implements capability.RankedClassifier.
func (c *Classifier) Rank(ctx context.Context, text string, candidates []string, template string) (capability.Ranking, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, RankCall{Text: text, Candidates: append([]string(nil), candidates...), Template: template})
	if c.Err != nil {
		return nil, c.Err
	}
	for prefix, fn := range c.scripts {
		if strings.HasPrefix(template, prefix) {
			return fn(candidates), nil
		}
	}
	r := make(capability.Ranking, 0, len(candidates))
	for i, cand := range candidates {
		score := 0.0
		if i == 0 {
			score = 1
		}
		r = append(r, capability.Label{Name: cand, Score: score})
	}
	return r, nil
}

// CallsWith returns the recorded calls whose template starts with prefix.
func (c *Classifier) CallsWith(prefix string) []RankCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []RankCall
	for _, call := range c.Calls {
		if strings.HasPrefix(call.Template, prefix) {
			out = append(out, call)
		}
	}
	return out
}

// Generator returns Text for every request and records it.
type Generator struct {
	mu       sync.Mutex
	Text     string
	Usage    capability.Usage
	Err      error
	Requests []capability.GenerationRequest
}

// Generate implements capability.TextGenerator.
func (g *Generator) Generate(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.Err != nil {
		return capability.Generation{}, g.Err
	}
	return capability.Generation{Text: g.Text, Usage: g.Usage}, nil
}

// Translator prefixes text with the target language tag.
type Translator struct {
	mu       sync.Mutex
	Usage    capability.Usage
	Err      error
	Requests []capability.TranslationRequest
}

// Translate implements capability.Translator.
func (t *Translator) Translate(ctx context.Context, req capability.TranslationRequest) (capability.Translation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Requests = append(t.Requests, req)
	if t.Err != nil {
		return capability.Translation{}, t.Err
	}
	return capability.Translation{Text: fmt.Sprintf("[%s] %s", req.Target, req.Text), Usage: t.Usage}, nil
}

// Summarizer returns Text for every request and records it.
type Summarizer struct {
	mu       sync.Mutex
	Text     string
	Usage    capability.Usage
	Err      error
	Requests []capability.SummaryRequest
}

// Summarize implements capability.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, req capability.SummaryRequest) (capability.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return capability.Summary{}, s.Err
	}
	return capability.Summary{Text: s.Text, Usage: s.Usage}, nil
}
