package promptdag

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrNodeNotFound is returned when a referenced node doesn't exist.
	ErrNodeNotFound = errors.New("promptdag: node not found")

	// ErrLinkNotFound is returned when a referenced link doesn't exist.
	ErrLinkNotFound = errors.New("promptdag: link not found")

	// ErrNoTask is returned when cancelling a node with no active task.
	ErrNoTask = errors.New("promptdag: no active task for node")

	// ErrTimeout marks a provider call that exceeded its per-task timeout.
	ErrTimeout = errors.New("promptdag: provider call timed out")

	// ErrCancelled marks a task that was cancelled before completion.
	ErrCancelled = errors.New("promptdag: task cancelled")

	// ErrNothingToUndo is returned when the undo cursor is at the start.
	ErrNothingToUndo = errors.New("promptdag: nothing to undo")

	// ErrNothingToRedo is returned when the redo cursor is at the tail.
	ErrNothingToRedo = errors.New("promptdag: nothing to redo")

	// ErrQueueClosed is returned when submitting to a closed queue.
	ErrQueueClosed = errors.New("promptdag: queue closed")
)

// ValidationError reports a mutation rejected at a precondition check:
// a cycle attempt, a dangling link endpoint, or a duplicate name that
// cannot be auto-resolved. The graph is unchanged when it is returned.
type ValidationError struct {
	Op     string // the operation that was rejected, e.g. "add link"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("promptdag: %s: %s", e.Op, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PersistenceError reports a snapshot that could not be read at all.
// Individually malformed entries do not produce this error; they are
// skipped and reported as LoadWarnings instead.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("promptdag: snapshot: %v", e.Err)
	}
	return fmt.Sprintf("promptdag: snapshot %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind string

// Provider failure kinds.
const (
	ProviderNetwork   ProviderErrorKind = "network"
	ProviderAuth      ProviderErrorKind = "auth"
	ProviderRateLimit ProviderErrorKind = "rate-limit"
	ProviderUnknown   ProviderErrorKind = "unknown"
)

// ProviderError reports a failed provider call. It is scoped to a single
// queue task and never affects graph state or other tasks.
type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("promptdag: provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
