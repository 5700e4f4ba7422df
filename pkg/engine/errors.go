package engine

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrClosed is returned by every operation on a closed database.
	ErrClosed = errors.New("engine: database is closed")
	// ErrWALAppendFailed wraps a foreground WAL append failure; the write
	// is not durable and was not applied.
	ErrWALAppendFailed = errors.New("engine: WAL append failed")
	// ErrSnapshotReleased is returned when scanning with a released snapshot.
	ErrSnapshotReleased = errors.New("engine: snapshot already released")
)

// EngineError provides structured error information for engine operations.
type EngineError struct {
	Op      string // Operation that failed (e.g., "write", "flush", "compact")
	Entity  string // Entity involved (e.g., "memtable", "run", "manifest")
	Context string // Additional context
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Entity, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Cause)
}

// Unwrap returns the underlying cause for error chain support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

func opError(op, entity string, cause error) error {
	return &EngineError{Op: op, Entity: entity, Cause: cause}
}

func opErrorCtx(op, entity, ctx string, cause error) error {
	return &EngineError{Op: op, Entity: entity, Context: ctx, Cause: cause}
}

// IsClosed returns true if the error indicates the database is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
