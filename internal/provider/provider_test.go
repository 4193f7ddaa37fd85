package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcore/internal/mailerr"
	"mailcore/internal/ratelimit"
)

func TestGateFeedsRateLimitHintIntoLimiter(t *testing.T) {
	limiter := ratelimit.New(testLimiterConfig())
	account := "throttled@example.com"

	err := gate(context.Background(), limiter, account, func() error {
		return &mailerr.RateLimitedError{RetryAfter: 30 * time.Second}
	})
	require.ErrorIs(t, err, mailerr.ErrRateLimited)

	// The server's hint becomes the next admission deadline.
	wait := limiter.Wait(account)
	assert.Greater(t, wait, 29*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)
}

func TestGateReleasesSlotAndClearsOnSuccess(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.MaxInFlight = 1
	limiter := ratelimit.New(cfg)
	account := "healthy@example.com"

	require.NoError(t, gate(context.Background(), limiter, account, func() error {
		return nil
	}))

	// With a single slot, immediate re-admission proves the slot came back.
	assert.Equal(t, time.Duration(0), limiter.Wait(account))
	limiter.Release(account)
}

func TestGateReportsFailureBackoff(t *testing.T) {
	cfg := testLimiterConfig()
	limiter := ratelimit.New(cfg)
	account := "failing@example.com"

	err := gate(context.Background(), limiter, account, func() error {
		return mailerr.ErrNetworkFailure
	})
	require.ErrorIs(t, err, mailerr.ErrNetworkFailure)

	wait := limiter.Wait(account)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, cfg.BaseBackoff)
}
