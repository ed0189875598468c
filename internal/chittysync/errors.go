package chittysync

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimited         = errors.New("rate limited")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrValidationFailed    = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrSubmitTimeout       = errors.New("submit deadline exceeded before admission")
	ErrCoordinatorClosed   = errors.New("coordinator closed")
)

type FailureKind string

const (
	FailureRateLimited FailureKind = "rate_limited"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureUpstream    FailureKind = "upstream_error"
	FailureValidation  FailureKind = "validation_error"
)

// SyncError reports why a submission could not be completed synchronously.
// Queued indicates the operation was parked in the dead letter queue and
// will be retried unless the failure is permanent.
type SyncError struct {
	Kind      FailureKind
	Key       string
	Queued    bool
	Permanent bool
	Err       error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync %s (key=%s): %v", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("sync %s (key=%s)", e.Kind, e.Key)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, ErrValidationFailed):
		return FailureValidation
	case errors.Is(err, ErrCircuitOpen):
		return FailureCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	default:
		return FailureUpstream
	}
}
