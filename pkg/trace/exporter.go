//go:build tracing

package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileExporter appends records as JSON Lines and rotates the file to
// path.1 ... path.N once it grows past the configured size.
type FileExporter struct {
	path string
	cfg  fileConfig

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

var errExporterClosed = errors.New("trace exporter closed")

// NewFileExporter opens filePath for appending, creating parent directories.
// An empty path yields a NoopExporter.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	if filePath == "" {
		return NoopExporter{}, nil
	}
	cfg := defaultFileConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	fe := &FileExporter{path: filePath, cfg: cfg}
	if err := fe.open(); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open() error {
	file, err := os.OpenFile(fe.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	fe.file = file
	fe.size = info.Size()
	return nil
}

// Export writes record as one line, rotating afterwards if the file is full.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	line = append(line, '\n')

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.closed {
		return errExporterClosed
	}

	n, err := fe.file.Write(line)
	fe.size += int64(n)
	if err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	if fe.size < fe.cfg.maxSizeBytes {
		return nil
	}
	if err := fe.rotate(); err != nil {
		return fmt.Errorf("rotate trace file: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.closed {
		return nil
	}
	fe.closed = true
	if err := fe.file.Sync(); err != nil {
		fe.file.Close()
		return fmt.Errorf("sync trace file: %w", err)
	}
	return fe.file.Close()
}

// rotate must be called with mu held.
func (fe *FileExporter) rotate() error {
	if err := fe.file.Close(); err != nil {
		return err
	}

	rotated := func(i int) string { return fmt.Sprintf("%s.%d", fe.path, i) }
	if err := os.Remove(rotated(fe.cfg.maxRotatedFiles)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := fe.cfg.maxRotatedFiles - 1; i >= 1; i-- {
		if err := os.Rename(rotated(i), rotated(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(fe.path, rotated(1)); err != nil {
		return err
	}
	return fe.open()
}
