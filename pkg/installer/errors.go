package installer

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClassification determines how the controller reacts to an error.
type ErrorClassification int

const (
	// ErrorInvalidResource indicates a malformed resource descriptor.
	// The resource is rejected at registration and never enters the task pipeline.
	ErrorInvalidResource ErrorClassification = iota

	// ErrorHostUnavailable indicates a host service the task needs is not present yet.
	// The task requeues itself into the next cycle, without an attempt limit.
	ErrorHostUnavailable

	// ErrorTaskExecution indicates an unexpected failure while mutating the host.
	// The task is dropped from the cycle; the next diff re-derives it if the
	// mismatch persists.
	ErrorTaskExecution

	// ErrorRefreshTimeout indicates the host did not confirm a package refresh in time.
	// It is logged and execution proceeds.
	ErrorRefreshTimeout
)

// String returns a string representation of the error classification.
func (ec ErrorClassification) String() string {
	switch ec {
	case ErrorInvalidResource:
		return "invalid-resource"
	case ErrorHostUnavailable:
		return "host-unavailable"
	case ErrorTaskExecution:
		return "task-execution"
	case ErrorRefreshTimeout:
		return "refresh-timeout"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against classified errors.
var (
	ErrInvalidResource = errors.New("invalid resource")
	ErrHostUnavailable = errors.New("host service unavailable")
	ErrTaskExecution   = errors.New("task execution failed")
	ErrRefreshTimeout  = errors.New("package refresh timed out")
)

func (ec ErrorClassification) sentinel() error {
	switch ec {
	case ErrorInvalidResource:
		return ErrInvalidResource
	case ErrorHostUnavailable:
		return ErrHostUnavailable
	case ErrorTaskExecution:
		return ErrTaskExecution
	case ErrorRefreshTimeout:
		return ErrRefreshTimeout
	default:
		return nil
	}
}

// ClassifiedError wraps an error with classification information for the controller.
type ClassifiedError struct {
	// Cause is the underlying error.
	Cause error

	// Classification determines how the controller handles the error.
	Classification ErrorClassification

	// Subject names what the error is about (a url, a task).
	Subject string

	// Message is a human-readable message describing the error.
	Message string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if msg == "" {
		msg = e.Classification.sentinel().Error()
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s (%s): %s", e.Classification, e.Subject, msg)
	}
	return fmt.Sprintf("%s: %s", e.Classification, msg)
}

// Unwrap returns the underlying error for errors.Is/As compatibility.
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel of this error's classification.
func (e *ClassifiedError) Is(target error) bool {
	return target != nil && target == e.Classification.sentinel()
}

// InvalidResource creates an error rejecting the resource at url.
//
// Example:
//
//	if digest == "" {
//	    return nil, installer.InvalidResource(url, "bundle resources require a digest")
//	}
func InvalidResource(url string, format string, args ...any) error {
	return &ClassifiedError{
		Classification: ErrorInvalidResource,
		Subject:        url,
		Message:        fmt.Sprintf(format, args...),
	}
}

// HostUnavailable marks err as a missing host service.
func HostUnavailable(err error) error {
	if err == nil {
		err = ErrHostUnavailable
	}
	return &ClassifiedError{
		Cause:          err,
		Classification: ErrorHostUnavailable,
	}
}

// TaskExecutionFailure wraps an unexpected error raised while executing task.
func TaskExecutionFailure(task Task, err error) error {
	return &ClassifiedError{
		Cause:          err,
		Classification: ErrorTaskExecution,
		Subject:        task.String(),
	}
}

// RefreshTimeout reports a refresh that was not confirmed within timeout.
func RefreshTimeout(timeout time.Duration) error {
	return &ClassifiedError{
		Classification: ErrorRefreshTimeout,
		Message:        "no refresh notification received within " + timeout.String(),
	}
}

// ClassifyError returns the classification of err.
// Unclassified errors are treated as task execution failures, except errors
// wrapping ErrHostUnavailable.
func ClassifyError(err error) ErrorClassification {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification
	}
	switch {
	case errors.Is(err, ErrInvalidResource):
		return ErrorInvalidResource
	case errors.Is(err, ErrHostUnavailable):
		return ErrorHostUnavailable
	case errors.Is(err, ErrRefreshTimeout):
		return ErrorRefreshTimeout
	default:
		return ErrorTaskExecution
	}
}

// IsHostUnavailable returns true if err should defer the task to the next cycle.
func IsHostUnavailable(err error) bool {
	return err != nil && ClassifyError(err) == ErrorHostUnavailable
}

// IsInvalidResource returns true if err rejects a resource descriptor.
func IsInvalidResource(err error) bool {
	return err != nil && ClassifyError(err) == ErrorInvalidResource
}
