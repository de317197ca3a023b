//go:build tracing

package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readRecords(t *testing.T, path string) []TraceRecord {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open trace file: %v", err)
	}
	defer file.Close()

	var records []TraceRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r TraceRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal line %d: %v", len(records)+1, err)
		}
		records = append(records, r)
	}
	return records
}

func TestFileExporter_BasicExport(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}

	record := &TraceRecord{
		Timestamp:   time.Date(2026, 1, 14, 10, 30, 0, 0, time.UTC),
		OperationID: "op-1",
		Operation:   "interact",
		DurationMs:  1234,
		Status:      "success",
		Spans: []SpanRecord{
			{Name: "select-speaker", DurationMs: 100, OK: true},
			{Name: "generate-message", DurationMs: 900, OK: true, Counters: map[string]int64{"outputTokens": 42}},
		},
		IDs: map[string]any{"gameStateId": "gs-1"},
	}
	if err := exporter.Export(context.Background(), record); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records := readRecords(t, tracePath)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.OperationID != "op-1" || got.Operation != "interact" {
		t.Errorf("unexpected record %+v", got)
	}
	if len(got.Spans) != 2 || got.Spans[1].Counters["outputTokens"] != 42 {
		t.Errorf("unexpected spans %+v", got.Spans)
	}
}

func TestFileExporter_AppendsToExistingFile(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	for i := 0; i < 2; i++ {
		exporter, err := NewFileExporter(tracePath)
		if err != nil {
			t.Fatalf("NewFileExporter failed: %v", err)
		}
		if err := exporter.Export(context.Background(), &TraceRecord{Operation: "load", Status: "success"}); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		exporter.Close()
	}

	if got := len(readRecords(t, tracePath)); got != 2 {
		t.Errorf("expected 2 records, got %d", got)
	}
}

func TestFileExporter_Rotation(t *testing.T) {
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "traces.jsonl")

	exporter, err := NewFileExporter(tracePath, WithMaxSize(1024), WithMaxRotatedFiles(3))
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}

	for i := 0; i < 30; i++ {
		record := &TraceRecord{
			Timestamp:   time.Now(),
			OperationID: "op-" + strings.Repeat("x", 50),
			Operation:   "interact",
			DurationMs:  1000,
			Status:      "success",
			Spans: []SpanRecord{
				{Name: "classify-sprite", DurationMs: 100, OK: true, Counters: map[string]int64{"candidates": 4}},
				{Name: "commit-node", DurationMs: 2, OK: true},
			},
		}
		if err := exporter.Export(context.Background(), record); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	fileCount := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "traces.jsonl") {
			fileCount++
		}
	}
	if fileCount < 2 {
		t.Errorf("expected at least 2 trace files, got %d", fileCount)
	}
	if fileCount > 4 {
		t.Errorf("expected at most 4 trace files (current + 3 rotated), got %d", fileCount)
	}
	if _, err := os.Stat(tracePath + ".4"); !os.IsNotExist(err) {
		t.Errorf("rotation kept more files than configured")
	}
}

func TestFileExporter_ErrorRecording(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	record := &TraceRecord{
		Timestamp:   time.Now(),
		OperationID: "error-op",
		Operation:   "interact",
		DurationMs:  500,
		Status:      "error",
		ErrorType:   "capability",
		Spans:       []SpanRecord{{Name: "generate-message", DurationMs: 500, OK: false, ErrorType: "capability"}},
	}
	if err := exporter.Export(context.Background(), record); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	exporter.Close()

	got := readRecords(t, tracePath)[0]
	if got.Status != "error" || got.ErrorType != "capability" {
		t.Errorf("unexpected status %q / %q", got.Status, got.ErrorType)
	}
	if got.Spans[0].OK {
		t.Error("expected span OK=false")
	}
}

func TestFileExporter_ExportAfterClose(t *testing.T) {
	exporter, err := NewFileExporter(filepath.Join(t.TempDir(), "traces.jsonl"))
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := exporter.Export(context.Background(), &TraceRecord{}); !errors.Is(err, errExporterClosed) {
		t.Errorf("expected errExporterClosed, got %v", err)
	}
}

func TestFileExporter_DirectoryCreation(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "nested", "subdir", "traces.jsonl")

	exporter, err := NewFileExporter(tracePath)
	if err != nil {
		t.Fatalf("NewFileExporter failed: %v", err)
	}
	defer exporter.Close()

	if _, err := os.Stat(filepath.Dir(tracePath)); os.IsNotExist(err) {
		t.Error("expected nested directory to be created")
	}
}
