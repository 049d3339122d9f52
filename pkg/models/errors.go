package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the typed error taxonomy for everything that crosses the
// engine boundary. Background stages never raise user-visible panics; all
// failure information flows as typed events carrying one of these kinds.
type ErrorKind string

// Error kinds.
const (
	ErrKindCapacity          ErrorKind = "capacity"
	ErrKindInvalidInput      ErrorKind = "invalid-input"
	ErrKindStageClosed       ErrorKind = "stage-closed"
	ErrKindNotAwaiting       ErrorKind = "not-awaiting"
	ErrKindWrongStage        ErrorKind = "wrong-stage"
	ErrKindStageTimeout      ErrorKind = "stage-timeout"
	ErrKindAIRetryable       ErrorKind = "stage-ai-error-retryable"
	ErrKindAIFatal           ErrorKind = "stage-ai-error-fatal"
	ErrKindContentPolicy     ErrorKind = "content-policy"
	ErrKindQualityBelow      ErrorKind = "quality-below-threshold"
	ErrKindCacheMiss         ErrorKind = "cache-miss"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindTooSlow           ErrorKind = "too-slow"
	ErrKindPersistence       ErrorKind = "persistence-error"
	ErrKindNotFound          ErrorKind = "not-found"
	ErrKindFeedbackConsumed  ErrorKind = "feedback-already-consumed"
)

// EngineError is an error with a machine-readable kind and an optional stage
// index. It wraps an underlying cause when one exists.
type EngineError struct {
	Kind    ErrorKind
	Stage   int // 0 when not stage-scoped
	Message string
	Err     error
}

// NewEngineError creates an EngineError without a cause.
func NewEngineError(kind ErrorKind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// NewStageError creates an EngineError scoped to a stage.
func NewStageError(kind ErrorKind, stage int, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Stage: stage, Message: message, Err: cause}
}

func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage > 0 {
		return fmt.Sprintf("%s (stage %d): %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *EngineError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, or empty string if err carries none.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// Retryable reports whether an error kind is consumed locally by the retry
// budget rather than terminating the stage immediately.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindAIRetryable, ErrKindStageTimeout, ErrKindQualityBelow:
		return true
	}
	return false
}
