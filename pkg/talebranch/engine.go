// Package talebranch wires the narrative engine together and exposes the
// operations a host application drives: starting, continuing and loading
// games, changing location and time, dialogue turns, saves, history, map and
// usage queries.
package talebranch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/catalog"
	"github.com/dan-solli/talebranch/pkg/classifier"
	"github.com/dan-solli/talebranch/pkg/embeddings"
	"github.com/dan-solli/talebranch/pkg/llm"
	"github.com/dan-solli/talebranch/pkg/metrics"
	"github.com/dan-solli/talebranch/pkg/pipeline"
	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/trace"
	"github.com/dan-solli/talebranch/pkg/usage"
)

var tracer = otel.Tracer("talebranch")

const defaultOllamaURL = "http://localhost:11434"

// Operation names used in metrics, traces and logs.
const (
	OpNewGame        = "new_game"
	OpContinue       = "continue"
	OpLoad           = "load"
	OpChangeLocation = "change_location"
	OpAdvanceTime    = "advance_time"
	OpInteract       = "interact"
	OpSave           = "save"
	OpDeleteSave     = "delete_save"
	OpReset          = "reset"
)

// Deps are the collaborators of an Engine. Store, Classifier, Generator,
// Translator and Summarizer are required; the rest have defaults.
type Deps struct {
	Store      store.Store
	Catalog    *catalog.Catalog
	Classifier capability.RankedClassifier
	Generator  capability.TextGenerator
	Translator capability.Translator
	Summarizer capability.Summarizer

	Metrics  metrics.Collector
	Exporter trace.Exporter
	Rand     *rand.Rand
	Clock    func() time.Time

	PipelineOptions pipeline.Options
}

// Engine is the main entry point of the narrative engine. It is safe for
// concurrent use.
type Engine struct {
	store      store.Store
	catalog    *catalog.Catalog
	deps       Deps
	pipeline   *pipeline.Pipeline
	summarizer capability.Summarizer
	meter      *usage.Meter
	logger     *slog.Logger
	metrics    metrics.Collector
	exporter   trace.Exporter

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an engine from configuration: a SQLite store, the embedded
// catalog, the configured model provider and the configured classifier.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lang, _ := cfg.Language()

	gen, tr, sum, err := newTextCapabilities(cfg)
	if err != nil {
		return nil, err
	}
	cls, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.DBPath, cfg.StoreOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	exporter, err := trace.NewFileExporter(cfg.TracePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	opts := pipeline.DefaultOptions()
	opts.GenerationLanguage = lang

	e, err := NewWithDeps(Deps{
		Store:           st,
		Classifier:      cls,
		Generator:       gen,
		Translator:      tr,
		Summarizer:      sum,
		Exporter:        exporter,
		PipelineOptions: opts,
	})
	if err != nil {
		exporter.Close()
		st.Close()
		return nil, err
	}
	return e, nil
}

func newClassifier(cfg Config) (capability.RankedClassifier, error) {
	var embedder embeddings.Client
	switch cfg.ClassifierProvider {
	case "zeroshot":
		return classifier.NewZeroShotClient(cfg.ClassifierURL, cfg.ClassifierAPIKey), nil
	case "openai":
		key := cfg.ClassifierAPIKey
		if key == "" {
			key = cfg.LLMAPIKey
		}
		embedder = embeddings.NewOpenAIClient(key, cfg.ClassifierURL, cfg.ClassifierModel)
	case "ollama":
		if cfg.ClassifierModel == "" {
			return nil, fmt.Errorf("%w: the ollama classifier requires CLASSIFIER_MODEL", ErrInvalidConfig)
		}
		baseURL := cfg.ClassifierURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		embedder = embeddings.NewOllamaClient(baseURL, cfg.ClassifierModel)
	default:
		return nil, fmt.Errorf("%w: unknown classifier provider %q", ErrInvalidConfig, cfg.ClassifierProvider)
	}
	return classifier.NewSimilarityClassifier(embedder, cfg.ClassifierTemperature), nil
}

// textCapabilities is what every model provider adapter implements.
type textCapabilities interface {
	capability.TextGenerator
	capability.Translator
	capability.Summarizer
}

func newTextCapabilities(cfg Config) (capability.TextGenerator, capability.Translator, capability.Summarizer, error) {
	models := cfg.Models()

	var provider textCapabilities
	switch cfg.LLMProvider {
	case "openai":
		provider = llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL, models)
	case "anthropic":
		key := cfg.LLMAPIKey
		if key == "" {
			key = cfg.AnthropicAPIKey
		}
		provider = llm.NewAnthropicGenerator(key, models)
	case "ollama":
		if models.Generation == "" {
			return nil, nil, nil, fmt.Errorf("%w: ollama requires a model", ErrInvalidConfig)
		}
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		provider = llm.NewOllamaClient(baseURL, models)
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.LLMProvider)
	}

	var gen capability.TextGenerator = provider
	if cfg.AnthropicAPIKey != "" && cfg.LLMProvider != "anthropic" {
		gen = llm.TierRouter{
			Standard: provider,
			Premium:  llm.NewAnthropicGenerator(cfg.AnthropicAPIKey, llm.Models{PremiumGeneration: cfg.PremiumModel}),
		}
	}
	return gen, provider, provider, nil
}

// NewWithDeps creates an engine from explicit collaborators.
func NewWithDeps(deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("talebranch: store is required")
	case deps.Summarizer == nil:
		return nil, errors.New("talebranch: summarizer is required")
	}
	if deps.Catalog == nil {
		cat, err := catalog.Default()
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		deps.Catalog = cat
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Exporter == nil {
		deps.Exporter = trace.NoopExporter{}
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}

	meter := usage.NewMeter(deps.Store, usageObserver{deps.Metrics})
	if deps.Clock != nil {
		meter.WithClock(deps.Clock)
	}

	e := &Engine{
		store:      deps.Store,
		catalog:    deps.Catalog,
		deps:       deps,
		summarizer: deps.Summarizer,
		meter:      meter,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:    deps.Metrics,
		exporter:   deps.Exporter,
		rng:        deps.Rand,
	}
	p, err := e.newPipeline()
	if err != nil {
		return nil, err
	}
	e.pipeline = p
	return e, nil
}

func (e *Engine) newPipeline() (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Deps{
		Store:      e.store,
		Catalog:    e.catalog,
		Classifier: e.deps.Classifier,
		Generator:  e.deps.Generator,
		Translator: e.deps.Translator,
		Meter:      e.meter,
	},
		pipeline.WithOptions(e.deps.PipelineOptions),
		pipeline.WithLogger(e.logger),
		pipeline.WithMetrics(e.metrics),
	)
}

// WithLogger sets the logger used by the engine and its pipeline and logs the
// effective configuration. It returns the engine for chaining. A nil logger
// is ignored. Call it before the engine is shared between goroutines.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger == nil {
		return e
	}
	e.logger = logger
	if p, err := e.newPipeline(); err == nil {
		e.pipeline = p
	}

	opts := e.pipeline.Options()
	e.logger.Info("engine configured",
		slog.String("generation_language", opts.GenerationLanguage.String()),
		slog.String("translation_tier", string(opts.TranslationTier)),
		slog.Int("generation_window", opts.GenerationWindow),
		slog.Int("summary_limit", opts.SummaryLimit),
		slog.Float64("music_threshold", opts.MusicThreshold),
		slog.Float64("follow_threshold", opts.FollowThreshold),
	)
	return e
}

// Catalog returns the world catalog the engine runs on.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Close releases the trace exporter and the store.
func (e *Engine) Close() error {
	return errors.Join(e.exporter.Close(), e.store.Close())
}

// usageObserver forwards metered usage to the metrics collector.
type usageObserver struct {
	metrics metrics.Collector
}

func (o usageObserver) ObserveUsage(ctx context.Context, cat usage.Category, tier capability.Tier, c usage.Counter) {
	o.metrics.RecordTokens(ctx, string(cat), string(tier), c.InputTokens, c.OutputTokens)
}

// operation tracks one engine call for metrics, logs, the trace exporter and
// OpenTelemetry.
type operation struct {
	e        *Engine
	name     string
	id       string
	start    time.Time
	span     oteltrace.Span
	trace    *pipeline.OperationTrace
	ids      map[string]any
	noop     bool
	mutating bool
}

func (e *Engine) begin(ctx context.Context, name, ownerID string) (context.Context, *operation) {
	ctx, span := tracer.Start(ctx, "talebranch."+name,
		oteltrace.WithAttributes(attribute.String("talebranch.operation", name)),
	)
	return ctx, &operation{
		e:     e,
		name:  name,
		id:    uuid.NewString(),
		start: time.Now(),
		span:  span,
		trace: pipeline.NewTrace(),
		ids:   map[string]any{"owner": ownerID},
	}
}

func (op *operation) set(key, value string) {
	if value == "" {
		return
	}
	op.ids[key] = value
	op.span.SetAttributes(attribute.String("talebranch."+key, value))
}

// end reports the operation and returns err unchanged.
func (op *operation) end(ctx context.Context, err error) error {
	defer op.span.End()
	e := op.e
	durationMs := time.Since(op.start).Milliseconds()

	status := "success"
	var errType string
	switch {
	case err != nil:
		status = "error"
		errType = ClassifyError(err)
		e.metrics.RecordError(ctx, op.name, errType)
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
		e.logOperationError(ctx, op, errType, err)
	case op.noop:
		status = "noop"
		op.span.SetStatus(codes.Ok, "")
	default:
		op.span.SetStatus(codes.Ok, "")
	}
	e.metrics.RecordOperation(ctx, op.name, status, durationMs)

	if err == nil && op.mutating && !op.noop {
		e.refreshCounts(ctx)
	}

	record := &trace.TraceRecord{
		Timestamp:   op.start,
		OperationID: op.id,
		Operation:   op.name,
		DurationMs:  durationMs,
		Status:      status,
		Spans:       spanRecords(op.trace),
		ErrorType:   errType,
		IDs:         op.ids,
	}
	if exportErr := e.exporter.Export(ctx, record); exportErr != nil {
		e.logger.WarnContext(ctx, "trace export failed",
			slog.String("operation", op.name),
			slog.String("error", exportErr.Error()),
		)
	}
	return err
}

func (e *Engine) logOperationError(ctx context.Context, op *operation, errType string, err error) {
	level := slog.LevelWarn
	if errType == ErrTypeConsistency {
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("operation", op.name),
		slog.String("error", err.Error()),
		slog.String("error_type", errType),
	}
	if owner, ok := op.ids["owner"].(string); ok {
		attrs = append(attrs, slog.String("owner", owner))
	}
	if id, ok := op.ids["game_state_id"].(string); ok {
		attrs = append(attrs, slog.String("game_state_id", id))
	}
	e.logger.Log(ctx, level, "operation failed", attrs...)
}

func spanRecords(t *pipeline.OperationTrace) []trace.SpanRecord {
	out := make([]trace.SpanRecord, 0, len(t.Spans))
	for _, s := range t.Spans {
		out = append(out, trace.SpanRecord{
			Name:       s.Name,
			DurationMs: s.DurationMs,
			OK:         s.OK,
			ErrorType:  ClassifyError(s.Err),
			Counters:   s.Counters,
		})
	}
	return out
}

func (e *Engine) refreshCounts(ctx context.Context) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		e.logger.DebugContext(ctx, "failed to read storage counts", slog.String("error", err.Error()))
		return
	}
	e.metrics.SetStorageCount(ctx, "game_states", counts.GameStates)
	e.metrics.SetStorageCount(ctx, "messages", counts.Messages)
	e.metrics.SetStorageCount(ctx, "environments", counts.Environments)
	e.metrics.SetStorageCount(ctx, "map_states", counts.MapStates)
	e.metrics.SetStorageCount(ctx, "saves", counts.Saves)
}

// release drops one link from the chain of id and prunes it.
func (e *Engine) release(ctx context.Context, ownerID, id string) error {
	if err := e.store.AdjustLinks(ctx, id, -1); err != nil {
		return fmt.Errorf("failed to release %s: %w", id, err)
	}
	return e.prune(ctx, ownerID, id)
}

func (e *Engine) recordPruned(ctx context.Context, res store.PruneResult) {
	e.metrics.RecordPruned(ctx, "game_states", res.GameStates)
	e.metrics.RecordPruned(ctx, "messages", res.Messages)
	e.metrics.RecordPruned(ctx, "environments", res.Environments)
	e.metrics.RecordPruned(ctx, "map_states", res.MapStates)
	e.metrics.RecordPruned(ctx, "saves", res.Saves)
}

func (e *Engine) prune(ctx context.Context, ownerID, id string) error {
	res, err := e.store.Prune(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to prune %s: %w", id, err)
	}
	e.recordPruned(ctx, res)

	if res.GameStates > 0 {
		e.logger.InfoContext(ctx, "prune completed",
			slog.String("owner", ownerID),
			slog.String("game_state_id", id),
			slog.Int("game_states", res.GameStates),
			slog.Int("messages", res.Messages),
			slog.Int("environments", res.Environments),
			slog.Int("map_states", res.MapStates),
		)
	}
	return nil
}

// placements draws a map layout for t under the engine's random source.
func (e *Engine) placements(t string) ([]store.Placement, error) {
	e.rngMu.Lock()
	drawn, err := e.catalog.Placements(t, e.rng)
	e.rngMu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]store.Placement, len(drawn))
	for i, p := range drawn {
		out[i] = store.Placement{Character: p.Character, Location: p.Location, Clothes: p.Clothes}
	}
	return out, nil
}
