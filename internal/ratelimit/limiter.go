// Package ratelimit gates every outbound network call per account so the
// aggregate request rate stays under provider limits and failures trigger
// increasing delay instead of a retry storm.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"mailcore/internal/utils"
)

// Config holds the limiter constants. These come from configuration, not
// from runtime measurement.
type Config struct {
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxInFlight  int
	MaxPerWindow int
	Window       time.Duration
	MinSpacing   time.Duration
}

// DefaultConfig 默认限流配置
func DefaultConfig() Config {
	return Config{
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
		MaxInFlight:  4,
		MaxPerWindow: 60,
		Window:       time.Minute,
		MinSpacing:   100 * time.Millisecond,
	}
}

// pollHint is returned when admission is blocked by a condition with no
// computable deadline (the in-flight ceiling).
const pollHint = 250 * time.Millisecond

// accountState 单个账户的限流状态
type accountState struct {
	failures    int       // consecutive failures without a success
	notBefore   time.Time // 429-imposed deadline, zero when clear
	lastFailure time.Time // anchor for the exponential backoff window
	windowStart time.Time // start of the rolling request-count window
	windowCount int       // requests issued in the current window
	inFlight    int       // requests currently outstanding
	lastCall    time.Time // last admitted call, for min spacing
}

// Limiter coordinates per-account admission, backoff and failure state.
// All state is mutated under one mutex because admission checks, outcome
// callbacks and slot release race across many concurrent requests.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	accounts map[string]*accountState
	logger   *utils.Logger
	now      func() time.Time
}

// New creates a Limiter with the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		accounts: make(map[string]*accountState),
		logger:   utils.NewLogger("RateLimiter"),
		now:      time.Now,
	}
}

// state returns the account's record, creating it on first use.
// Caller must hold l.mu.
func (l *Limiter) state(account string) *accountState {
	st, ok := l.accounts[account]
	if !ok {
		st = &accountState{}
		l.accounts[account] = st
	}
	return st
}

// backoffFor computes base * 2^(failures-1), capped at MaxBackoff.
func (l *Limiter) backoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	backoff := l.cfg.BaseBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= l.cfg.MaxBackoff {
			return l.cfg.MaxBackoff
		}
	}
	if backoff > l.cfg.MaxBackoff {
		backoff = l.cfg.MaxBackoff
	}
	return backoff
}

// Wait is the admission check. It returns zero when a call may proceed
// immediately — in which case the call is recorded (in-flight slot taken,
// window count bumped) and the caller must pair it with Release. A non-zero
// return is how long the caller should sleep before checking again.
//
// Computation order, first non-zero wins: 429 deadline, exponential backoff
// window, in-flight ceiling, rolling window ceiling, minimum spacing.
func (l *Limiter) Wait(account string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(account)

	// (a) server-imposed not-before deadline
	if !st.notBefore.IsZero() {
		if remaining := st.notBefore.Sub(now); remaining > 0 {
			return remaining
		}
		st.notBefore = time.Time{}
	}

	// (b) exponential backoff after consecutive failures
	if st.failures > 0 && !st.lastFailure.IsZero() {
		deadline := st.lastFailure.Add(l.backoffFor(st.failures))
		if remaining := deadline.Sub(now); remaining > 0 {
			return remaining
		}
	}

	// (c) in-flight concurrency ceiling
	if l.cfg.MaxInFlight > 0 && st.inFlight >= l.cfg.MaxInFlight {
		return pollHint
	}

	// (d) rolling request-count window. Sliding: it resets when the window
	// has elapsed since its start, not on a fixed clock boundary.
	if now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.windowCount = 0
	}
	if l.cfg.MaxPerWindow > 0 && st.windowCount >= l.cfg.MaxPerWindow {
		return st.windowStart.Add(l.cfg.Window).Sub(now)
	}

	// (e) minimum spacing between two calls for the same account
	if l.cfg.MinSpacing > 0 && !st.lastCall.IsZero() {
		if remaining := st.lastCall.Add(l.cfg.MinSpacing).Sub(now); remaining > 0 {
			return remaining
		}
	}

	// Admitted: record the call.
	st.inFlight++
	st.windowCount++
	st.lastCall = now
	return 0
}

// Release returns the in-flight slot taken by an admitted call.
func (l *Limiter) Release(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(account)
	if st.inFlight > 0 {
		st.inFlight--
	}
}

// Admit blocks until a call for the account may proceed or the context is
// cancelled. Every limiter-imposed sleep is a suspension point.
func (l *Limiter) Admit(ctx context.Context, account string) error {
	for {
		wait := l.Wait(account)
		if wait == 0 {
			return nil
		}
		l.logger.Debug("Admission for %s delayed by %v", account, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// OnSuccess resets the consecutive-failure counter and clears any backoff
// deadline for the account.
func (l *Limiter) OnSuccess(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(account)
	st.failures = 0
	st.lastFailure = time.Time{}
	st.notBefore = time.Time{}
}

// OnRateLimited records a 429. When the server supplied a retry-after value
// the not-before deadline honors it; otherwise the deadline falls back to
// the computed exponential backoff.
func (l *Limiter) OnRateLimited(account string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(account)
	st.failures++
	st.lastFailure = now

	delay := retryAfter
	if delay <= 0 {
		delay = l.backoffFor(st.failures)
	}
	st.notBefore = now.Add(delay)

	l.logger.Warn("Account %s rate limited, backing off %v (failure #%d)", account, delay, st.failures)
}

// OnFailure increments the failure counter without setting a new deadline;
// the exponential backoff window widens on the next admission check.
func (l *Limiter) OnFailure(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(account)
	st.failures++
	st.lastFailure = l.now()
}

// Reset zeroes all limiter state for an account. Invoked after a successful
// (re)authentication: a fresh OAuth grant is strong evidence the account is
// no longer being throttled for policy reasons.
func (l *Limiter) Reset(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.accounts, account)
	l.logger.Debug("Rate limit state reset for %s", account)
}
