package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for talebranch operations
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	tokensTotal       *prometheus.CounterVec
	prunedTotal       *prometheus.CounterVec
	registry          *prometheus.Registry
}

var _ Collector = (*MetricsCollector)(nil)

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talebranch_operations_total",
			Help: "Total number of engine operations by type and status",
		},
		[]string{"operation", "status"},
	)

	// Turns wait on model calls, so the upper buckets matter.
	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talebranch_operation_duration_seconds",
			Help:    "Duration of engine operations by type and stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"operation", "stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talebranch_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	storageCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talebranch_storage_count",
			Help: "Current count of stored rows by type",
		},
		[]string{"type"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talebranch_tokens_total",
			Help: "Model tokens consumed by category, tier and direction",
		},
		[]string{"category", "tier", "direction"},
	)

	prunedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talebranch_pruned_total",
			Help: "Rows removed by pruning, by kind",
		},
		[]string{"kind"},
	)

	registry.MustRegister(operationsTotal, operationDuration, errorsTotal, storageCount, tokensTotal, prunedTotal)

	return &MetricsCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		storageCount:      storageCount,
		tokensTotal:       tokensTotal,
		prunedTotal:       prunedTotal,
		registry:          registry,
	}
}

// RecordOperation records the completion of an operation
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation, "total").Observe(float64(durationMs) / 1000.0)
}

// RecordStage records the duration of a specific stage within an operation
func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the current count for a storage type
func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// RecordTokens adds input and output tokens of one call
func (m *MetricsCollector) RecordTokens(ctx context.Context, category string, tier string, inputTokens, outputTokens int64) {
	m.tokensTotal.WithLabelValues(category, tier, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(category, tier, "output").Add(float64(outputTokens))
}

// RecordPruned counts pruned rows; zero counts are ignored
func (m *MetricsCollector) RecordPruned(ctx context.Context, kind string, count int) {
	if count <= 0 {
		return
	}
	m.prunedTotal.WithLabelValues(kind).Add(float64(count))
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
