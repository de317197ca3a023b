// Package llm provides TextGenerator, Translator and Summarizer
// implementations on top of chat-completion style model APIs.
package llm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/dan-solli/talebranch/pkg/capability"
)

// Models names the model used per capability and tier. An empty premium
// model falls back to the standard one.
type Models struct {
	Generation         string
	PremiumGeneration  string
	Translation        string
	PremiumTranslation string
	Summary            string
	PremiumSummary     string
}

func pick(standard, premium string, tier capability.Tier) string {
	if tier == capability.TierPremium && premium != "" {
		return premium
	}
	return standard
}

// sampling holds optional sampling parameters. Nil leaves the provider default.
type sampling struct {
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
}

func float(v float64) *float64 { return &v }

var (
	generationSampling  = sampling{Temperature: float(1.1), TopP: float(0.95), FrequencyPenalty: float(1.1)}
	translationSampling = sampling{Temperature: float(0)}
	summarySampling     = sampling{TopP: float(0.95)}
)

// chatRequest is one provider-neutral chat call. User may be empty.
type chatRequest struct {
	Model    string
	System   string
	User     string
	Sampling sampling
}

// chatter is the one primitive each provider implements.
type chatter interface {
	chat(ctx context.Context, req chatRequest) (string, capability.Usage, error)
}

// capabilities turns a chatter into the three text capabilities.
type capabilities struct {
	backend chatter
	models  Models
}

func (c capabilities) generate(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	system, err := RenderCharacterPrompt(req.Prompt)
	if err != nil {
		return capability.Generation{}, capability.Fail("generate", err)
	}
	text, usage, err := c.backend.chat(ctx, chatRequest{
		Model:    pick(c.models.Generation, c.models.PremiumGeneration, req.Tier),
		System:   system,
		Sampling: generationSampling,
	})
	if err != nil {
		return capability.Generation{}, capability.Fail("generate", err)
	}
	return capability.Generation{Text: strings.TrimSpace(text), Usage: usage}, nil
}

func (c capabilities) translate(ctx context.Context, req capability.TranslationRequest) (capability.Translation, error) {
	if strings.TrimSpace(req.Text) == "" {
		return capability.Translation{}, nil
	}
	if req.Source == req.Target {
		return capability.Translation{Text: req.Text}, nil
	}
	text, usage, err := c.backend.chat(ctx, chatRequest{
		Model:    pick(c.models.Translation, c.models.PremiumTranslation, req.Tier),
		System:   TranslatorPrompt(req.Source, req.Target, req.SpeakerGender),
		User:     req.Text,
		Sampling: translationSampling,
	})
	if err != nil {
		return capability.Translation{}, capability.Fail("translate", err)
	}
	return capability.Translation{Text: strings.TrimSpace(text), Usage: usage}, nil
}

func (c capabilities) summarize(ctx context.Context, req capability.SummaryRequest) (capability.Summary, error) {
	if len(req.Lines) == 0 {
		return capability.Summary{}, nil
	}
	text, usage, err := c.backend.chat(ctx, chatRequest{
		Model:    pick(c.models.Summary, c.models.PremiumSummary, req.Tier),
		System:   SummaryPrompt,
		User:     Transcript(req.Lines, "\n\n"),
		Sampling: summarySampling,
	})
	if err != nil {
		return capability.Summary{}, capability.Fail("summarize", err)
	}
	return capability.Summary{Text: strings.TrimSpace(text), Usage: usage}, nil
}

// Transcript renders lines as "speaker: text" joined by sep.
func Transcript(lines []capability.Line, sep string) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Speaker + ": " + l.Text
	}
	return strings.Join(parts, sep)
}

// LanguageName returns the English name of tag, e.g. "Russian".
func LanguageName(tag language.Tag) string {
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return tag.String()
}

func emptyResponse(provider string) error {
	return fmt.Errorf("%s: no completion choices returned", provider)
}
