package worker

import "errors"

var (
	ErrNotFound          = errors.New("worker not found")
	ErrDuplicateType     = errors.New("worker type already registered")
	ErrUnknownCapability = errors.New("unknown worker capability")
	ErrUnknownKind       = errors.New("worker kind has no capability provider")
	ErrNoLifecycle       = errors.New("worker kind has no lifecycle")
	ErrPoolExhausted     = errors.New("worker pool exhausted")
	ErrBusy              = errors.New("worker in use")
	ErrNotAcquired       = errors.New("worker not acquired")
	ErrInvalidConfig     = errors.New("invalid worker config")
)
