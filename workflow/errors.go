package workflow

import (
	"errors"

	"github.com/mmdatafocus/invoice_backend/classifier"
)

var (
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrRunInProgress        = errors.New("pipeline run already in progress for invoice")
	ErrLockUnavailable      = errors.New("invoice lock backend unavailable")
	ErrInvalidTransition    = errors.New("invalid invoice status transition")
	ErrUnsupportedModelType = errors.New("unsupported model type")
	ErrEmptyTrainingData    = classifier.ErrEmptyTrainingData
	ErrQueueFull            = errors.New("pipeline queue is full")
	ErrPoolStopped          = errors.New("pipeline pool is stopped")
	ErrInvalidMatchScore    = errors.New("match score must be between 0 and 1")
)

// isRetryable reports whether a failed run should be scheduled again.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvoiceNotFound) && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrRunInProgress)
}
