// Package metrics records engine operation counts, stage latencies, token
// consumption and graph sizes.
package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed collector (the default when
// built with -tags metrics) and the no-op collector (default otherwise).
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)

	// RecordTokens adds the tokens of one capability call billed under
	// category and tier.
	RecordTokens(ctx context.Context, category string, tier string, inputTokens, outputTokens int64)

	// RecordPruned counts rows removed by pruning, by row kind.
	RecordPruned(ctx context.Context, kind string, count int)
}
