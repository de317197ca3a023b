package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dan-solli/talebranch/pkg/metrics"
)

var tracer = otel.Tracer("talebranch.pipeline")

// Stage names are stable; metrics, traces and OTel spans all use them.
const (
	StageAppendUserMessage = "append-user-message"
	StageSelectSpeaker     = "select-speaker"
	StageGenerateMessage   = "generate-message"
	StageTranslate         = "translate"
	StageClassifyMusic     = "classify-music"
	StageClassifySprite    = "classify-sprite"
	StageClassifyFollow    = "classify-follow"
	StageCommitNode        = "commit-node"
	StageMeterUsage        = "meter-usage"
)

// OperationTrace captures per-stage timing of one turn.
type OperationTrace struct {
	Spans           []Span `json:"spans"`
	TotalDurationMs int64  `json:"totalDurationMs"`
}

// Span is one timed stage of a turn.
type Span struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	Err        error            `json:"-"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// NewTrace returns an empty trace.
func NewTrace() *OperationTrace {
	return &OperationTrace{Spans: make([]Span, 0)}
}

func (t *OperationTrace) addSpan(span Span) {
	t.Spans = append(t.Spans, span)
	t.TotalDurationMs += span.DurationMs
}

// Span returns the named span, if the stage ran.
func (t *OperationTrace) Span(name string) (Span, bool) {
	if t == nil {
		return Span{}, false
	}
	for _, s := range t.Spans {
		if s.Name == name {
			return s, true
		}
	}
	return Span{}, false
}

// spanTimer measures one stage and reports it to the trace, the metrics
// collector and OpenTelemetry when finished.
type spanTimer struct {
	name    string
	start   time.Time
	trace   *OperationTrace
	span    oteltrace.Span
	metrics metrics.Collector
	ctx     context.Context
}

func newSpanTimer(ctx context.Context, name string, trace *OperationTrace, collector metrics.Collector) (context.Context, *spanTimer) {
	ctx, span := tracer.Start(ctx, "pipeline."+name,
		oteltrace.WithAttributes(attribute.String("talebranch.stage", name)),
	)
	return ctx, &spanTimer{
		name:    name,
		start:   time.Now(),
		trace:   trace,
		span:    span,
		metrics: collector,
		ctx:     ctx,
	}
}

func (st *spanTimer) finish(err error, counters map[string]int64) {
	duration := time.Since(st.start).Milliseconds()
	st.trace.addSpan(Span{
		Name:       st.name,
		DurationMs: duration,
		OK:         err == nil,
		Err:        err,
		Counters:   counters,
	})
	st.metrics.RecordStage(st.ctx, "interact", st.name, duration)

	for k, v := range counters {
		st.span.SetAttributes(attribute.Int64("talebranch."+k, v))
	}
	if err != nil {
		st.span.RecordError(err)
		st.span.SetStatus(codes.Error, err.Error())
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
