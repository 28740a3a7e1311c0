package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// Caller errors
	ErrorTypeInvalidParams ErrorType = "invalid_params"
	ErrorTypeConfig        ErrorType = "config"

	// Provider boundary errors
	ErrorTypeProvider ErrorType = "provider"
	ErrorTypeNetwork  ErrorType = "network"
	ErrorTypeTimeout  ErrorType = "timeout"

	// Data processing errors (non-fatal, degrade per-record)
	ErrorTypeDecoding ErrorType = "decoding"
	ErrorTypeParsing  ErrorType = "parsing"

	// Labeling degradations (non-fatal)
	ErrorTypeNotEnoughInformation ErrorType = "not_enough_information"
	ErrorTypeBudgetExhausted      ErrorType = "budget_exhausted"
)

// TraceError represents an enhanced error with context and recovery information
type TraceError struct {
	Type        ErrorType
	Message     string
	OriginalErr error
	Context     map[string]interface{}
	Timestamp   time.Time
	Recoverable bool
}

// Error implements the error interface
func (e *TraceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *TraceError) Unwrap() error {
	return e.OriginalErr
}

// Is implements error checking
func (e *TraceError) Is(target error) bool {
	var targetErr *TraceError
	if errors.As(target, &targetErr) {
		return e.Type == targetErr.Type
	}
	return false
}

// AddContext adds contextual information to the error
func (e *TraceError) AddContext(key string, value interface{}) *TraceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new TraceError
func NewError(errType ErrorType, message string) *TraceError {
	return &TraceError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with TraceError
func WrapError(errType ErrorType, message string, originalErr error) *TraceError {
	return &TraceError{
		Type:        errType,
		Message:     message,
		OriginalErr: originalErr,
		Timestamp:   time.Now(),
		Context:     make(map[string]interface{}),
	}
}

// NewInvalidParamsError creates a caller parameter error
func NewInvalidParamsError(message string) *TraceError {
	return NewError(ErrorTypeInvalidParams, message)
}

// NewProviderError wraps a diff/layout provider failure
func NewProviderError(message string, originalErr error) *TraceError {
	err := WrapError(ErrorTypeProvider, message, originalErr)
	err.Recoverable = true
	return err
}

// NewNetworkError creates a network-related error
func NewNetworkError(message string, originalErr error) *TraceError {
	err := WrapError(ErrorTypeNetwork, message, originalErr)
	err.Recoverable = true
	return err.AddContext("suggested_fix", "Check network connectivity and retry")
}

// NewLayoutMissingError flags an address with no storage layout
func NewLayoutMissingError(addr common.Address) *TraceError {
	return NewError(ErrorTypeNotEnoughInformation, "no storage layout for address").
		AddContext("address", addr.Hex())
}

// ErrorRecovery provides recovery suggestions and retry logic
type ErrorRecovery struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryableTypes map[ErrorType]bool
}

// NewErrorRecovery creates a new error recovery handler
func NewErrorRecovery() *ErrorRecovery {
	return &ErrorRecovery{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		RetryableTypes: map[ErrorType]bool{
			ErrorTypeNetwork:  true,
			ErrorTypeTimeout:  true,
			ErrorTypeProvider: true,
		},
	}
}

// ShouldRetry determines if an error should be retried
func (r *ErrorRecovery) ShouldRetry(err error, attempt int) bool {
	if attempt >= r.MaxRetries {
		return false
	}

	var tErr *TraceError
	if errors.As(err, &tErr) {
		if retryable, exists := r.RetryableTypes[tErr.Type]; exists && retryable {
			return true
		}
		if tErr.Recoverable {
			return true
		}
	}

	return false
}

// GetRetryDelay calculates the delay before the next retry
func (r *ErrorRecovery) GetRetryDelay(attempt int) time.Duration {
	delay := r.BaseDelay * time.Duration(1<<uint(attempt)) // Exponential backoff
	if delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return delay
}

// RetryWithRecovery executes a function with retry logic
func (r *ErrorRecovery) RetryWithRecovery(operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.GetRetryDelay(attempt - 1)
			time.Sleep(delay)
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		if !r.ShouldRetry(err, attempt) {
			break
		}
	}

	return lastErr
}
