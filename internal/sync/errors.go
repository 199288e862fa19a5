package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionNotFound means the user has not connected the provider yet
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrAuthExpired means the connection needs re-authorization
	ErrAuthExpired = errors.New("authorization expired")

	// ErrProviderUnavailable covers network errors, 5xx and throttling
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrStorageConflict is a unique violation on the provenance key
	ErrStorageConflict = errors.New("interaction already recorded")

	// ErrSyncInProgress is returned when the connection already has a run in flight
	ErrSyncInProgress = errors.New("sync already running")

	// ErrUnknownProvider is returned for provider names without an adapter
	ErrUnknownProvider = errors.New("unknown provider")
)

// Error kinds reported to callers
const (
	KindConnectionNotFound  = "connection_not_found"
	KindAuthExpired         = "auth_expired"
	KindProviderUnavailable = "provider_unavailable"
	KindSyncInProgress      = "sync_in_progress"
	KindUnknownProvider     = "unknown_provider"
	KindCanceled            = "canceled"
	KindInternal            = "internal"
)

// DefaultRetryAfter is suggested when a throttled provider gives no hint
const DefaultRetryAfter = 60 * time.Second

// ProviderError wraps a provider failure with its kind
type ProviderError struct {
	Kind       error // ErrAuthExpired or ErrProviderUnavailable
	Provider   ProviderName
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable builds a retryable provider error
func Unavailable(provider ProviderName, status int, retryAfter time.Duration, err error) *ProviderError {
	return &ProviderError{Kind: ErrProviderUnavailable, Provider: provider, Status: status, RetryAfter: retryAfter, Err: err}
}

// AuthExpired builds a provider error requiring re-authorization
func AuthExpired(provider ProviderName, status int, err error) *ProviderError {
	return &ProviderError{Kind: ErrAuthExpired, Provider: provider, Status: status, Err: err}
}

// RetryAfter extracts the suggested backoff from err, if any
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) && errors.Is(pe.Kind, ErrProviderUnavailable) {
		return pe.RetryAfter
	}
	return 0
}

// ErrorKind maps err onto the kinds the UI distinguishes
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionNotFound):
		return KindConnectionNotFound
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrSyncInProgress):
		return KindSyncInProgress
	case errors.Is(err, ErrUnknownProvider):
		return KindUnknownProvider
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}
