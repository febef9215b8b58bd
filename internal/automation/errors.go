package automation

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by job stores and the orchestrator.
var (
	ErrRunNotFound          = errors.New("run not found")
	ErrItemNotFound         = errors.New("item not found")
	ErrNoPendingItem        = errors.New("no pending item")
	ErrStageAlreadyRecorded = errors.New("stage result already recorded")
	ErrInvalidOutcome       = errors.New("invalid stage outcome")
	ErrRunTerminal          = errors.New("run is terminal")
)

// ErrorKind separates retryable from terminal provider failures.
type ErrorKind string

// Provider error kinds.
const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// Reason narrows why a provider call failed.
type Reason string

// Provider failure reasons.
const (
	ReasonTimeout       Reason = "timeout"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonUnavailable   Reason = "unavailable"
	ReasonAuth          Reason = "auth"
	ReasonInvalidInput  Reason = "invalid_input"
	ReasonContentPolicy Reason = "content_policy"
	ReasonConflict      Reason = "conflict"
	ReasonNotFound      Reason = "not_found"
	ReasonNoProduct     Reason = "no_product"
	ReasonBadResponse   Reason = "bad_response"
)

// ProviderError is the only error type adapters surface.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Reason     Reason
	StatusCode int
	Attempts   int
	// Exhausted marks a transient failure that ran out of retries.
	Exhausted bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Provider, e.Kind)
	if e.Reason != "" {
		msg += fmt.Sprintf(" (%s)", e.Reason)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Exhausted {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient builds a retryable provider error.
func Transient(provider string, reason Reason, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindTransient, Reason: reason, Err: err}
}

// Permanent builds a non-retryable provider error.
func Permanent(provider string, reason Reason, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindPermanent, Reason: reason, Err: err}
}

// WithStatus attaches an upstream status code.
func (e *ProviderError) WithStatus(code int) *ProviderError {
	e.StatusCode = code
	return e
}

// IsTransient reports whether err is a transient ProviderError.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindTransient
}

// IsPermanent reports whether err is a permanent ProviderError.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}

// HasReason reports whether err is a ProviderError with the given reason.
func HasReason(err error, reason Reason) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == reason
}

// ClaimConflictError means another worker won the race for an item. The
// caller retries the claim, not the item.
type ClaimConflictError struct {
	ItemID string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("claim conflict on item %s", e.ItemID)
}

// LeaseExpiredError means the item was reclaimed from the caller after its
// lease lapsed.
type LeaseExpiredError struct {
	ItemID       string
	Owner        string
	CurrentOwner string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease on item %s held by %s expired (now %q)", e.ItemID, e.Owner, e.CurrentOwner)
}
