package types

import (
	"errors"
	"fmt"
)

// Store errors. ErrOffline and ErrConflict are recoverable conditions the
// persistence binding absorbs; everything else propagates.
var (
	ErrOffline   = errors.New("remote store offline")
	ErrConflict  = errors.New("version conflict")
	ErrNotFound  = errors.New("record not found")
	ErrCorrupted = errors.New("stored record is corrupted")
)

// Validation errors.
var (
	ErrInvalidSnapshot = errors.New("invalid notebook snapshot")
	ErrInvalidSession  = errors.New("invalid session state")
	ErrInvalidMessage  = errors.New("invalid transcript message")
	ErrInvalidAnswer   = errors.New("invalid mcq answer")
)

// Lifecycle errors.
var (
	ErrNotRegistered   = errors.New("no binding registered for document")
	ErrBindingDisposed = errors.New("binding is disposed")
	ErrCacheDetached   = errors.New("cache is detached")
	ErrAlreadyAttached = errors.New("cache is already attached")
	ErrServiceClosed   = errors.New("sync service is closed")
	ErrMissingUser     = errors.New("no user id supplied and no active user set")
	ErrMissingStore    = errors.New("remote and cache stores are required")
	ErrMissingDocument = errors.New("document model is required")
	ErrMissingURI      = errors.New("document model has no URI")
)

// ConflictError reports an optimistic-concurrency mismatch. It matches
// ErrConflict with errors.Is.
type ConflictError struct {
	UserID     string
	DocumentID string
	Expected   int64
	Actual     int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, stored %d",
		e.UserID, e.DocumentID, e.Expected, e.Actual)
}

// Is allows errors.Is() to match against ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// OfflineError wraps the transport failure that made the remote unreachable.
// It matches ErrOffline with errors.Is.
type OfflineError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *OfflineError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: remote store offline", e.Op)
	}
	return fmt.Sprintf("%s: remote store offline: %v", e.Op, e.Cause)
}

// Is allows errors.Is() to match against ErrOffline.
func (e *OfflineError) Is(target error) bool {
	return target == ErrOffline
}

// Unwrap returns the transport failure.
func (e *OfflineError) Unwrap() error { return e.Cause }

// IsOffline reports whether err is the offline condition.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
