package models

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job exists for an identifier
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrLeasedElsewhere is returned while another worker holds the lease of a job; it is retryable
	ErrLeasedElsewhere = errors.New("job is leased to another worker")
	// ErrQuoteNotFound is returned when a quote hash is unknown or has expired
	ErrQuoteNotFound = errors.New("quote hash not found")
	// ErrFetchPrice is the liquidity-fetch error surfaced when no price source could be queried
	ErrFetchPrice = errors.New("error fetching price")
	// ErrFetchQuote is the liquidity-fetch error surfaced when no quote source could be queried
	ErrFetchQuote = errors.New("error fetching quote")
)

// ValidationError is bad input. It is never retried and is surfaced verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// TransientProviderError wraps a maker, RPC, or fallback service failure that may succeed on retry.
type TransientProviderError struct {
	Source string
	Err    error
}

func NewTransientError(source string, err error) *TransientProviderError {
	return &TransientProviderError{Source: source, Err: err}
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient error from %s: %v", e.Source, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// StateConflictError is a rejection caused by existing state, such as a duplicate claim
// or an already pending trade for the same taker and token.
type StateConflictError struct {
	Reason string
}

func NewStateConflictError(format string, args ...interface{}) *StateConflictError {
	return &StateConflictError{Reason: fmt.Sprintf(format, args...)}
}

func (e *StateConflictError) Error() string {
	return "state conflict: " + e.Reason
}

// SettlementFailure records a terminal failure of a job.
type SettlementFailure struct {
	JobID  string
	Status JobStatus
	Reason string
	TxHash string
}

func (e *SettlementFailure) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement of job %s failed with %s: %s (tx %s)", e.JobID, e.Status, e.Reason, e.TxHash)
	}
	return fmt.Sprintf("settlement of job %s failed with %s: %s", e.JobID, e.Status, e.Reason)
}

// IsRetryable reports whether a queue message whose handler returned err should be redelivered.
// Validation errors, state conflicts and settlement failures are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve *ValidationError
		sc *StateConflictError
		sf *SettlementFailure
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &sc), errors.As(err, &sf):
		return false
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrInvalidTransition):
		return false
	}
	return true
}

// IsValidationError reports whether err is or wraps a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
