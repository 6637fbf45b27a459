package helpers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type RelayError struct {
	Message string
	Cause   error
}

func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// Distinct error types for errors.As checks at the boundaries
type ConfigurationError struct{ RelayError }
type DatabaseError struct{ RelayError }

// UpstreamSubscriptionError is raised when a watcher cannot open or keep its
// subscription to the upstream feed.
type UpstreamSubscriptionError struct {
	RelayError
	Source models.SourceName
}

// MalformedRawEventError marks a raw document that failed validation.
// The event is dropped; the pipeline keeps running.
type MalformedRawEventError struct {
	RelayError
	Source models.SourceName
}

// ViewerDeliveryError is raised when a send to one viewer fails.
type ViewerDeliveryError struct {
	RelayError
	ViewerID string
}

// InvalidCommandError rejects a control command before any upstream write.
type InvalidCommandError struct {
	RelayError
	Value string
}

// -----------------------------------------------------------------------------

func NewUpstreamSubscriptionError(source models.SourceName, cause error) *UpstreamSubscriptionError {
	return &UpstreamSubscriptionError{
		RelayError: RelayError{Message: fmt.Sprintf("upstream subscription for %s failed", source), Cause: cause},
		Source:     source,
	}
}

func NewMalformedRawEventError(source models.SourceName, format string, args ...interface{}) *MalformedRawEventError {
	return &MalformedRawEventError{
		RelayError: RelayError{Message: fmt.Sprintf("malformed %s event: %s", source, fmt.Sprintf(format, args...))},
		Source:     source,
	}
}

func NewViewerDeliveryError(viewerID string, cause error) *ViewerDeliveryError {
	return &ViewerDeliveryError{
		RelayError: RelayError{Message: fmt.Sprintf("delivery to viewer %s failed", viewerID), Cause: cause},
		ViewerID:   viewerID,
	}
}

func NewInvalidCommandError(value string, allowed []string) *InvalidCommandError {
	return &InvalidCommandError{
		RelayError: RelayError{Message: fmt.Sprintf("invalid mode %q, allowed: %v", value, allowed)},
		Value:      value,
	}
}

func NewDatabaseError(message string, cause error) *DatabaseError {
	return &DatabaseError{RelayError{Message: message, Cause: cause}}
}

func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{RelayError{Message: message}}
}

// -----------------------------------------------------------------------------

// IsInvalidCommand reports whether err (or anything it wraps) is an InvalidCommandError.
func IsInvalidCommand(err error) bool {
	var target *InvalidCommandError
	return errors.As(err, &target)
}

// IsMalformed reports whether err (or anything it wraps) is a MalformedRawEventError.
func IsMalformed(err error) bool {
	var target *MalformedRawEventError
	return errors.As(err, &target)
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxRetries times with exponential backoff.
// It stops early when ctx is cancelled.
func RetryWithBackoff(ctx context.Context, log *logger.Logger, operation string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		if log != nil {
			log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt+1, maxRetries, operation, err, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// -----------------------------------------------------------------------------
// Error Handler
// -----------------------------------------------------------------------------

// ErrorHandler is the sink for contained errors. It logs and counts them.
type ErrorHandler struct {
	Logger     *logger.Logger
	errorCount atomic.Int64
}

func NewErrorHandler(log *logger.Logger) *ErrorHandler {
	if log == nil {
		log = logger.NewLogger(nil, "ErrorHandler")
	}
	return &ErrorHandler{Logger: log}
}

// -----------------------------------------------------------------------------

func (e *ErrorHandler) ErrorCount() int64 {
	return e.errorCount.Load()
}

// -----------------------------------------------------------------------------

func (e *ErrorHandler) ResetErrorCount() {
	e.errorCount.Store(0)
}

// -----------------------------------------------------------------------------

func (e *ErrorHandler) Handle(err error, context string) {
	if err == nil {
		return
	}
	e.errorCount.Add(1)

	var malformed *MalformedRawEventError
	var delivery *ViewerDeliveryError
	switch {
	case errors.As(err, &malformed):
		e.Logger.Warning("Dropped event in %s: %v", context, err)
	case errors.As(err, &delivery):
		e.Logger.Warning("Viewer dropped in %s: %v", context, err)
	default:
		e.Logger.Error("Error in %s: %v", context, err)
	}
}
