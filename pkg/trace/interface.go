// Package trace exports one JSON record per engine operation: which stages of
// a turn ran, how long each took and how it ended. Records carry identifiers
// and counters only, never dialogue text.
package trace

import (
	"context"
	"time"
)

// Exporter writes operation records. Implementations must be safe for
// concurrent use.
type Exporter interface {
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes buffered records. Calling it twice is not an error.
	Close() error
}

// TraceRecord is the exported form of one engine operation.
type TraceRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId"`

	// Operation is one of new_game, continue, load, change_location,
	// advance_time, interact, save, delete_save.
	Operation  string `json:"operation"`
	DurationMs int64  `json:"durationMs"`

	// Status is "success", "noop" or "error".
	Status string       `json:"status"`
	Spans  []SpanRecord `json:"spans"`

	// ErrorType is the engine error category when Status is "error".
	ErrorType string `json:"errorType,omitempty"`

	// IDs holds game state, save and owner identifiers.
	IDs map[string]any `json:"ids,omitempty"`
}

// SpanRecord is one pipeline stage, e.g. select-speaker, generate-message,
// commit-node.
type SpanRecord struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	ErrorType  string           `json:"errorType,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

type fileConfig struct {
	maxSizeBytes    int64
	maxRotatedFiles int
}

func defaultFileConfig() fileConfig {
	return fileConfig{maxSizeBytes: 10 << 20, maxRotatedFiles: 5}
}

// FileExporterOption configures NewFileExporter. Options are accepted in
// every build so callers need no build tags.
type FileExporterOption func(*fileConfig)

// WithMaxSize sets the file size that triggers rotation (default 10MB).
func WithMaxSize(bytes int64) FileExporterOption {
	return func(c *fileConfig) {
		if bytes > 0 {
			c.maxSizeBytes = bytes
		}
	}
}

// WithMaxRotatedFiles sets how many rotated files are kept (default 5).
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(c *fileConfig) {
		if count > 0 {
			c.maxRotatedFiles = count
		}
	}
}

// NoopExporter discards every record.
type NoopExporter struct{}

func (NoopExporter) Export(ctx context.Context, record *TraceRecord) error { return nil }

func (NoopExporter) Close() error { return nil }
