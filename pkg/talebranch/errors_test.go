package talebranch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/catalog"
	"github.com/dan-solli/talebranch/pkg/pipeline"
	"github.com/dan-solli/talebranch/pkg/store"
)

func TestClassifyError_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", fmt.Errorf("game state x: %w", store.ErrNotFound), ErrTypeNotFound},
		{"no current game", ErrNoCurrentGame, ErrTypeNotFound},
		{"consistency", fmt.Errorf("walk: %w", store.ErrGraphConsistency), ErrTypeConsistency},
		{"conflict", store.ErrConcurrencyConflict, ErrTypeConflict},
		{"capability", capability.Fail("generate", errors.New("boom")), ErrTypeCapability},
		{"capability timeout", capability.Fail("rank", context.DeadlineExceeded), ErrTypeCapability},
		{"unmapped", fmt.Errorf("%w: location %q", catalog.ErrUnmapped, "moon"), ErrTypeValidation},
		{"invalid request", fmt.Errorf("%w: owner", pipeline.ErrInvalidRequest), ErrTypeValidation},
		{"invalid argument", ErrInvalidArgument, ErrTypeValidation},
		{"invalid config", ErrInvalidConfig, ErrTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError_Timeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"context deadline", context.DeadlineExceeded},
		{"context canceled", context.Canceled},
		{"string timeout", fmt.Errorf("operation timeout")},
		{"deadline exceeded", fmt.Errorf("context deadline exceeded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeTimeout {
				t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeTimeout)
			}
		})
	}
}

func TestClassifyError_Network(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"connection refused", fmt.Errorf("connection refused")},
		{"connection reset", fmt.Errorf("connection reset by peer")},
		{"no such host", fmt.Errorf("no such host")},
		{"dial tcp error", fmt.Errorf("dial tcp: connection refused")},
		{"net.OpError", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeNetwork {
				t.Errorf("ClassifyError() = %v, want %v for error: %v", got, ErrTypeNetwork, tt.err)
			}
		})
	}
}

func TestClassifyError_Database(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"sql error", fmt.Errorf("sql: no rows in result set"), ErrTypeDatabase},
		{"constraint", fmt.Errorf("FOREIGN KEY constraint failed"), ErrTypeDatabase},
		{"locked", fmt.Errorf("database is locked (5) (SQLITE_BUSY)"), ErrTypeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError_Fallbacks(t *testing.T) {
	if got := ClassifyError(nil); got != "" {
		t.Errorf("ClassifyError(nil) = %q, want empty", got)
	}
	if got := ClassifyError(fmt.Errorf("description is required")); got != ErrTypeValidation {
		t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeValidation)
	}
	if got := ClassifyError(fmt.Errorf("something odd")); got != ErrTypeUnknown {
		t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeUnknown)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"conflict", store.ErrConcurrencyConflict, true},
		{"capability", capability.Fail("translate", errors.New("503")), true},
		{"timeout", context.DeadlineExceeded, true},
		{"not found", store.ErrNotFound, false},
		{"consistency", store.ErrGraphConsistency, false},
		{"validation", ErrInvalidArgument, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
