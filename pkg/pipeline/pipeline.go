// Package pipeline runs one interaction turn of the narrative engine.
//
// A turn reads the current node, optionally stores the player's line, picks
// the character who answers, generates and translates the answer, classifies
// music, sprite and follow intent, and commits everything as one Append. No
// row is written before the final commit, so a failed or cancelled turn
// leaves the graph untouched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/catalog"
	"github.com/dan-solli/talebranch/pkg/metrics"
	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/usage"
)

const (
	DefaultSpeakerContext   = 1
	DefaultGenerationWindow = 15
	DefaultSummaryLimit     = 6
	DefaultMusicWindow      = 2
	DefaultMusicThreshold   = 0.35
	DefaultFollowWindow     = 2
	DefaultFollowThreshold  = 0.975
)

// Hypothesis templates. "{}" is the label placeholder; %s verbs are filled
// before the call.
const (
	speakerTemplate = "The character {} is mentioned in the dialogue."
	poseTemplate    = "The %s mood based on his response is {}"
	faceTemplate    = "The %s face expression based on response is {}"
	followTemplate  = "The %s {} %s whether he wants to go."
	musicTemplate   = "Mood of conversation is {}"

	LabelAgreed  = "agreed to follow"
	LabelRefused = "refused to follow"

	separator = "\n[SEP]\n"
)

// ErrInvalidRequest is returned when a Request fails validation.
var ErrInvalidRequest = errors.New("invalid interaction request")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options tunes windows and thresholds. Zero fields take the defaults.
type Options struct {
	SpeakerContext     int
	GenerationWindow   int
	SummaryLimit       int
	MusicWindow        int
	MusicThreshold     float64
	FollowWindow       int
	FollowThreshold    float64
	GenerationLanguage language.Tag
	TranslationTier    capability.Tier
}

// DefaultOptions returns the production windows and thresholds.
func DefaultOptions() Options {
	return Options{
		SpeakerContext:     DefaultSpeakerContext,
		GenerationWindow:   DefaultGenerationWindow,
		SummaryLimit:       DefaultSummaryLimit,
		MusicWindow:        DefaultMusicWindow,
		MusicThreshold:     DefaultMusicThreshold,
		FollowWindow:       DefaultFollowWindow,
		FollowThreshold:    DefaultFollowThreshold,
		GenerationLanguage: language.English,
		TranslationTier:    capability.TierStandard,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SpeakerContext <= 0 {
		o.SpeakerContext = d.SpeakerContext
	}
	if o.GenerationWindow <= 0 {
		o.GenerationWindow = d.GenerationWindow
	}
	if o.SummaryLimit <= 0 {
		o.SummaryLimit = d.SummaryLimit
	}
	if o.MusicWindow <= 0 {
		o.MusicWindow = d.MusicWindow
	}
	if o.MusicThreshold == 0 {
		o.MusicThreshold = d.MusicThreshold
	}
	if o.FollowWindow <= 0 {
		o.FollowWindow = d.FollowWindow
	}
	if o.FollowThreshold == 0 {
		o.FollowThreshold = d.FollowThreshold
	}
	if o.GenerationLanguage == language.Und {
		o.GenerationLanguage = d.GenerationLanguage
	}
	if o.TranslationTier == "" {
		o.TranslationTier = d.TranslationTier
	}
	return o
}

// Deps are the collaborators a Pipeline needs. Meter may be nil.
type Deps struct {
	Store      store.GraphStore
	Catalog    *catalog.Catalog
	Classifier capability.RankedClassifier
	Generator  capability.TextGenerator
	Translator capability.Translator
	Meter      *usage.Meter
}

// Pipeline runs interaction turns. It is safe for concurrent use; concurrent
// turns on the same node create sibling branches.
type Pipeline struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	metrics metrics.Collector
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOptions overrides windows and thresholds.
func WithOptions(o Options) Option {
	return func(p *Pipeline) { p.opts = o.withDefaults() }
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the collector stage durations are reported to.
func WithMetrics(c metrics.Collector) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.metrics = c
		}
	}
}

// New creates a pipeline. Every dependency except Meter is required.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: catalog is required")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case deps.Translator == nil:
		return nil, errors.New("pipeline: translator is required")
	}

	p := &Pipeline{
		deps:    deps,
		opts:    DefaultOptions(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: metrics.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Options returns the effective windows and thresholds.
func (p *Pipeline) Options() Options {
	return p.opts
}

// Request is one player action. Empty Text means "let a character speak".
type Request struct {
	OwnerID     string `validate:"required"`
	GameStateID string `validate:"required"`
	Text        string
	// Language is the display language; language.Und means the generation
	// language.
	Language language.Tag
	Tier     capability.Tier `validate:"omitempty,oneof=standard premium"`
	Persona  capability.Persona

	// Trace, when set, receives the turn's spans even if the turn fails.
	Trace *OperationTrace `validate:"-"`
}

// Result is the outcome of a turn.
type Result struct {
	// GameState is the owner's node after the turn: the last created node,
	// or the input node when nothing was committed.
	GameState *store.GameState
	Created   []*store.GameState
	Speaker   string
	Usage     usage.Delta
	Trace     *OperationTrace
}

// Committed reports whether the turn wrote any node.
func (r *Result) Committed() bool {
	return len(r.Created) > 0
}

// Run executes one turn.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Tier == "" {
		req.Tier = capability.TierStandard
	}
	if req.Language == language.Und {
		req.Language = p.opts.GenerationLanguage
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		oteltrace.WithAttributes(
			attribute.String("talebranch.game_state_id", req.GameStateID),
			attribute.Bool("talebranch.user_text", req.Text != ""),
		),
	)
	defer span.End()

	tr := req.Trace
	if tr == nil {
		tr = NewTrace()
	}
	t := &turn{p: p, req: req, trace: tr, usage: usage.Delta{}}
	res, err := t.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logFailure(ctx, req, t.stage, err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (p *Pipeline) logFailure(ctx context.Context, req Request, stage string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, store.ErrGraphConsistency) {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "turn aborted",
		slog.String("owner", req.OwnerID),
		slog.String("game_state_id", req.GameStateID),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}
