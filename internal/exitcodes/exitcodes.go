// Package exitcodes defines standard exit codes for CLI operations, so
// supervisors (systemd, Kubernetes) can tell retryable failures apart.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/redis-pg-sync/internal/syncer"
)

// Exit codes.
const (
	// Success - command completed without errors
	Success = 0

	// ConfigError - configuration/YAML parsing or validation errors (non-recoverable, don't retry)
	ConfigError = 1

	// ConnectionError - cache or target database connection or pool errors (recoverable)
	ConnectionError = 2

	// SyncError - a cycle or replay could not apply rows (non-recoverable)
	SyncError = 3

	// QuarantineError - the failure history could not be written; keys stay cached (recoverable)
	QuarantineError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - local cycle ledger errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed errors are checked first, then the message is classified.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	// Check if it's already an ExitError
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var cacheErr *syncer.CacheUnavailableError
	if errors.As(err, &cacheErr) {
		return ConnectionError
	}

	var quarantineErr *syncer.QuarantineWriteError
	if errors.As(err, &quarantineErr) {
		return QuarantineError
	}

	var storeErr *syncer.StoreWriteError
	if errors.As(err, &storeErr) {
		return SyncError
	}

	// Check for os.PathError first (file not found, permission denied, etc.)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	// IO errors - check early for file-related errors (exit code 7)
	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Config errors (exit code 1) - parsing issues and invalid settings
	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid config",
		"missing required",
		"invalid value",
		"parsing config",
		"unknown topic",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	// Connection errors (exit code 2)
	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
		"authentication",
		"cache unavailable",
	}) {
		return ConnectionError
	}

	// Quarantine errors (exit code 4)
	if containsAny(errStr, []string{
		"failure history",
		"quarantine",
	}) {
		return QuarantineError
	}

	// Cancelled (exit code 5)
	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	// State errors (exit code 6)
	if containsAny(errStr, []string{
		"ledger",
		"checkpoint",
		"migrating schema",
		"sync.db",
	}) {
		return StateError
	}

	// Default to sync error for unknown errors
	return SyncError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, QuarantineError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case SyncError:
		return "sync error"
	case QuarantineError:
		return "quarantine error (recoverable)"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
