// Package mailerr defines the error taxonomy shared by the sync core.
// Callers match with errors.Is / errors.As; every boundary wraps with %w so
// classification survives wrapping.
package mailerr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationRequired means no credential exists for the account
	// at all. The account must go through an interactive login.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrTokenExpired means a credential was presented and the server
	// rejected it (HTTP 401). Distinct from ErrAuthenticationRequired.
	ErrTokenExpired = errors.New("token expired")

	// ErrRefreshFailed means the refresh token itself is invalid or revoked.
	// Retrying with it is pointless; stored tokens must be cleared.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRateLimited is the Is-target for RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// ErrNetworkFailure is a transient, retryable transport failure.
	ErrNetworkFailure = errors.New("network failure")

	// ErrInvalidResponse means the provider returned a payload we could not
	// interpret. Not retryable within the current attempt.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrUnsupported means the operation is not implemented by the
	// account's provider, e.g. message fetch-by-id on IMAP.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// RateLimitedError carries the server's delay hint, when one was supplied.
type RateLimitedError struct {
	RetryAfter time.Duration // zero when the server gave no usable hint
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterHint extracts the delay hint from an error chain, if present.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether the failure is worth retrying locally
// (after backoff) instead of surfacing to the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetworkFailure)
}

// NeedsReauth reports whether the failure must put the account into a
// needs-reauth state visible to the UI layer.
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) || errors.Is(err, ErrRefreshFailed)
}
