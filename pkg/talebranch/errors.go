package talebranch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/catalog"
	"github.com/dan-solli/talebranch/pkg/pipeline"
	"github.com/dan-solli/talebranch/pkg/store"
)

// Error type constants for classification
const (
	ErrTypeNotFound    = "not_found"
	ErrTypeCapability  = "capability"
	ErrTypeConsistency = "consistency"
	ErrTypeConflict    = "conflict"
	ErrTypeTimeout     = "timeout"
	ErrTypeNetwork     = "network"
	ErrTypeDatabase    = "database"
	ErrTypeValidation  = "validation"
	ErrTypeUnknown     = "unknown"
)

var (
	// ErrNoCurrentGame is returned by Continue and the turn operations when
	// the player has no current node.
	ErrNoCurrentGame = fmt.Errorf("no current game: %w", store.ErrNotFound)

	// ErrInvalidArgument is returned for malformed player input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ClassifyError inspects an error and returns its type classification.
// Sentinels are checked before message heuristics so that a wrapped
// capability timeout is reported as a capability failure.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, store.ErrGraphConsistency):
		return ErrTypeConsistency
	case errors.Is(err, store.ErrConcurrencyConflict):
		return ErrTypeConflict
	case errors.Is(err, capability.ErrCapabilityFailure):
		return ErrTypeCapability
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrTypeTimeout
	case errors.Is(err, catalog.ErrUnmapped),
		errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidConfig):
		return ErrTypeValidation
	}

	errStrLower := strings.ToLower(err.Error())

	if strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeNetwork
	}
	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "connection reset") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "network is unreachable") ||
		strings.Contains(errStrLower, "dial tcp") {
		return ErrTypeNetwork
	}

	if strings.Contains(errStrLower, "database is locked") || strings.Contains(errStrLower, "sqlite_busy") {
		return ErrTypeConflict
	}
	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") {
		return ErrTypeDatabase
	}

	if strings.Contains(errStrLower, "validation") ||
		strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") {
		return ErrTypeValidation
	}

	return ErrTypeUnknown
}

// IsRetryable reports whether repeating the operation may succeed. Nothing is
// committed by a failed operation, so a retry never duplicates a node.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrTypeConflict, ErrTypeCapability, ErrTypeTimeout:
		return true
	}
	return false
}
