package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrCategoryNotFound = errors.New("category not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrTemporary marks transient external failures (LLM, network, broker).
	ErrTemporary            = errors.New("temporary failure")
	ErrLLMUnavailable       = errors.New("llm unavailable")
	ErrLLMMalformedResponse = errors.New("llm malformed response")

	ErrMalformedInput    = errors.New("malformed input")
	ErrPersistence       = errors.New("persistence failure")
	ErrFeedbackMalformed = errors.New("feedback malformed")
	ErrAlreadyApplied    = errors.New("feedback already applied")

	ErrQueueClosed       = errors.New("intake queue closed")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrResultOrder       = errors.New("classification result built out of order")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsTransient reports whether err should send a job back to intake instead of dead-lettering it.
func IsTransient(err error) bool {
	return IsKind(err, ErrTemporary) || IsKind(err, ErrLLMUnavailable)
}

// FeedbackRejectedError is returned when a feedback record cannot be applied.
// The record is archived with Reason and never silently dropped.
type FeedbackRejectedError struct {
	Reason string
	Err    error
}

func (e *FeedbackRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feedback rejected: %s: %v", e.Reason, e.Err)
	}
	return "feedback rejected: " + e.Reason
}

func (e *FeedbackRejectedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFeedbackMalformed, e.Err}
	}
	return []error{ErrFeedbackMalformed}
}

func RejectFeedback(reason string, err error) error {
	return &FeedbackRejectedError{Reason: reason, Err: err}
}

// RejectionReason extracts the reason of a FeedbackRejectedError, or "" when err is not one.
func RejectionReason(err error) string {
	var rejected *FeedbackRejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return ""
}
