// Package capability defines the contracts the narrative engine uses to reach
// outside intelligence: ranked zero-shot classification, text generation,
// translation and summarization. Adapters live in other packages; the engine
// only sees these interfaces.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/text/language"
)

// ErrCapabilityFailure marks any failed, timed-out or malformed capability call.
var ErrCapabilityFailure = errors.New("capability failure")

// Failure wraps an adapter error with the capability that produced it.
// errors.Is(f, ErrCapabilityFailure) is always true.
type Failure struct {
	Capability string
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrCapabilityFailure, f.Capability, f.Err)
}

func (f *Failure) Unwrap() []error {
	return []error{ErrCapabilityFailure, f.Err}
}

// Fail wraps err as a Failure of the named capability. A nil err stays nil and
// an existing Failure is returned unchanged.
func Fail(capability string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Capability: capability, Err: err}
}

// Tier selects the model quality class a call is billed under.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Usage is the token cost of one capability call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Label is one scored candidate of a ranking.
type Label struct {
	Name  string
	Score float64
}

// Ranking is a classifier result ordered by descending score.
type Ranking []Label

// Top returns the highest scored label.
func (r Ranking) Top() Label {
	if len(r) == 0 {
		return Label{}
	}
	return r[0]
}

// Score returns the score of name, or 0 when absent.
func (r Ranking) Score(name string) float64 {
	for _, l := range r {
		if l.Name == name {
			return l.Score
		}
	}
	return 0
}

// RankedClassifier scores each candidate label against text, rendering each
// label into hypothesisTemplate at its "{}" placeholder.
type RankedClassifier interface {
	Rank(ctx context.Context, text string, candidates []string, hypothesisTemplate string) (Ranking, error)
}

// Line is one utterance in a dialogue.
type Line struct {
	Speaker string
	Text    string
}

// Persona describes the player character to the model.
type Persona struct {
	Name      string
	Biography string
}

// Prompt is the structured context handed to a TextGenerator. Rendering it
// into provider-specific messages is the adapter's job.
type Prompt struct {
	Setting            string
	Speaker            string
	SpeakerDescription string
	Location           string
	TimeOfDay          string
	Clothes            string
	Persona            Persona
	Present            []string // descriptions of other characters at the location
	Elsewhere          []string // descriptions of characters elsewhere
	History            []string // environment summaries, oldest first
	Dialogue           []Line   // recent messages, oldest first
}

// GenerationRequest asks for the next line of a character.
type GenerationRequest struct {
	Tier   Tier
	Prompt Prompt
}

// Generation is generated text plus its cost.
type Generation struct {
	Text  string
	Usage Usage
}

// TextGenerator produces a character's next utterance.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (Generation, error)
}

// TranslationRequest asks for text to be rendered in another language.
// SpeakerGender lets gendered languages inflect correctly.
type TranslationRequest struct {
	Tier          Tier
	Text          string
	Source        language.Tag
	Target        language.Tag
	SpeakerGender string
}

// Translation is translated text plus its cost.
type Translation struct {
	Text  string
	Usage Usage
}

// Translator translates a single utterance.
type Translator interface {
	Translate(ctx context.Context, req TranslationRequest) (Translation, error)
}

// SummaryRequest asks for a short summary of a dialogue.
type SummaryRequest struct {
	Tier  Tier
	Lines []Line
}

// Summary is summary text plus its cost.
type Summary struct {
	Text  string
	Usage Usage
}

// Summarizer condenses a dialogue.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (Summary, error)
}

// ValidateRanking checks that r is a well-formed answer for candidates: every
// label is a known candidate, appears once, and scores within [0, 1]. The
// ranking is returned sorted by descending score.
func ValidateRanking(r Ranking, candidates []string) (Ranking, error) {
	if len(r) == 0 {
		return nil, errors.New("empty ranking")
	}
	if len(r) > len(candidates) {
		return nil, fmt.Errorf("ranking has %d labels for %d candidates", len(r), len(candidates))
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c] = true
	}
	seen := make(map[string]bool, len(r))
	for _, l := range r {
		if !known[l.Name] {
			return nil, fmt.Errorf("unknown label %q", l.Name)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("duplicate label %q", l.Name)
		}
		if l.Score < 0 || l.Score > 1 || l.Score != l.Score {
			return nil, fmt.Errorf("label %q has score %v outside [0,1]", l.Name, l.Score)
		}
		seen[l.Name] = true
	}

	out := append(Ranking(nil), r...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
