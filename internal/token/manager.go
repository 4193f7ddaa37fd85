// Package token owns the credential lifecycle: loading stored tokens,
// deciding when a refresh is due, running at most one refresh per account at
// a time and clearing state when a refresh token is proven dead.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/provider"
	"mailcore/internal/ratelimit"
	"mailcore/internal/secrets"
	"mailcore/internal/utils"
)

// expirySkew renews tokens this long before their stated expiry so a token
// never dies mid-request.
const expirySkew = 5 * time.Minute

// AccountState 账户凭证状态
type AccountState string

const (
	StateUnknown     AccountState = "unknown"
	StateValid       AccountState = "valid"
	StateNeedsReauth AccountState = "needs_reauth"
)

// Manager coordinates token storage and refresh for all accounts.
type Manager struct {
	store    secrets.Store
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	logger   *utils.Logger

	group singleflight.Group
	now   func() time.Time

	mu     sync.RWMutex
	states map[string]AccountState
}

// NewManager creates a token manager over the given secret store.
func NewManager(store secrets.Store, registry *provider.Registry, limiter *ratelimit.Limiter) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		limiter:  limiter,
		logger:   utils.NewLogger("TokenManager"),
		now:      time.Now,
		states:   make(map[string]AccountState),
	}
}

// State reports the account's credential state as last observed.
func (m *Manager) State(email string) AccountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[email]; ok {
		return state
	}
	return StateUnknown
}

func (m *Manager) setState(email string, state AccountState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[email] = state
}

// EnsureAccessToken returns a credential whose access token is valid at call
// time, refreshing first when it is expired or about to expire. Concurrent
// callers for the same account share one refresh.
func (m *Manager) EnsureAccessToken(ctx context.Context, providerKind models.ProviderKind, email string) (*models.Credential, error) {
	// An account already proven dead fails fast; no network until the user
	// re-authenticates.
	if m.State(email) == StateNeedsReauth {
		return nil, fmt.Errorf("%w: account %s needs re-authentication", mailerr.ErrAuthenticationRequired, email)
	}

	cred, err := m.loadCredential(providerKind, email)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		m.setState(email, StateNeedsReauth)
		return nil, fmt.Errorf("%w: no stored credential for %s", mailerr.ErrAuthenticationRequired, email)
	}

	if cred.Valid(m.now().Add(expirySkew)) {
		m.setState(email, StateValid)
		return cred, nil
	}

	return m.refresh(ctx, providerKind, email, cred)
}

// RefreshNow forces a refresh regardless of the stored expiry. Used after a
// provider rejects a token the clock said was still good.
func (m *Manager) RefreshNow(ctx context.Context, providerKind models.ProviderKind, email string) (*models.Credential, error) {
	if m.State(email) == StateNeedsReauth {
		return nil, fmt.Errorf("%w: account %s needs re-authentication", mailerr.ErrAuthenticationRequired, email)
	}

	cred, err := m.loadCredential(providerKind, email)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		m.setState(email, StateNeedsReauth)
		return nil, fmt.Errorf("%w: no stored credential for %s", mailerr.ErrAuthenticationRequired, email)
	}
	return m.refresh(ctx, providerKind, email, cred)
}

// refresh runs the provider refresh under singleflight so concurrent expiry
// discoveries collapse into one token-endpoint call.
func (m *Manager) refresh(ctx context.Context, providerKind models.ProviderKind, email string, cred *models.Credential) (*models.Credential, error) {
	if cred.RefreshToken == "" {
		m.setState(email, StateNeedsReauth)
		return nil, fmt.Errorf("%w: no refresh token for %s", mailerr.ErrAuthenticationRequired, email)
	}

	key := secrets.Key(providerKind, email, "refresh")
	result, err, shared := m.group.Do(key, func() (interface{}, error) {
		client, err := m.registry.Get(email)
		if err != nil {
			return nil, err
		}

		m.logger.Debug("Refreshing access token for %s", email)
		next, err := client.Refresh(ctx, cred)
		if err != nil {
			return nil, m.classifyRefreshFailure(providerKind, email, err)
		}

		if err := m.SaveCredential(providerKind, email, next); err != nil {
			return nil, err
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("Shared in-flight token refresh for %s", email)
	}
	return result.(*models.Credential), nil
}

// classifyRefreshFailure decides what a failed refresh means for stored
// state. Only a definitive rejection clears tokens; transient failures keep
// everything so the next attempt can succeed.
func (m *Manager) classifyRefreshFailure(providerKind models.ProviderKind, email string, err error) error {
	if errors.Is(err, mailerr.ErrRefreshFailed) {
		m.logger.Warn("Refresh token for %s is dead, clearing stored credentials: %v", email, err)
		if clearErr := m.ClearCredential(providerKind, email); clearErr != nil {
			m.logger.Error("Failed to clear credentials for %s: %v", email, clearErr)
		}
		m.setState(email, StateNeedsReauth)
		return err
	}

	m.logger.Warn("Transient token refresh failure for %s: %v", email, err)
	return err
}

// SaveCredential persists a credential and marks the account healthy. A
// fresh grant also resets the account's rate limit state.
func (m *Manager) SaveCredential(providerKind models.ProviderKind, email string, cred *models.Credential) error {
	if err := m.store.Save(secrets.Key(providerKind, email, secrets.PurposeAccessToken), cred.AccessToken); err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	if cred.RefreshToken != "" {
		if err := m.store.Save(secrets.Key(providerKind, email, secrets.PurposeRefreshToken), cred.RefreshToken); err != nil {
			return fmt.Errorf("saving refresh token: %w", err)
		}
	}
	expiry := ""
	if !cred.Expiry.IsZero() {
		expiry = cred.Expiry.Format(time.RFC3339)
	}
	if err := m.store.Save(secrets.Key(providerKind, email, secrets.PurposeExpiry), expiry); err != nil {
		return fmt.Errorf("saving token expiry: %w", err)
	}

	m.setState(email, StateValid)
	m.limiter.Reset(email)
	return nil
}

// ClearCredential removes all stored secrets for the account.
func (m *Manager) ClearCredential(providerKind models.ProviderKind, email string) error {
	var firstErr error
	for _, purpose := range []string{secrets.PurposeAccessToken, secrets.PurposeRefreshToken, secrets.PurposeExpiry} {
		if err := m.store.Delete(secrets.Key(providerKind, email, purpose)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadCredential reads the stored credential, falling back to the legacy
// provider-scoped key scheme and migrating it forward when found.
func (m *Manager) loadCredential(providerKind models.ProviderKind, email string) (*models.Credential, error) {
	access, err := m.store.Read(secrets.Key(providerKind, email, secrets.PurposeAccessToken))
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	refresh, err := m.store.Read(secrets.Key(providerKind, email, secrets.PurposeRefreshToken))
	if err != nil {
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	if access == "" && refresh == "" {
		return m.loadLegacyCredential(providerKind, email)
	}

	expiryStr, err := m.store.Read(secrets.Key(providerKind, email, secrets.PurposeExpiry))
	if err != nil {
		return nil, fmt.Errorf("reading token expiry: %w", err)
	}

	cred := &models.Credential{AccessToken: access, RefreshToken: refresh}
	if expiryStr != "" {
		if expiry, err := time.Parse(time.RFC3339, expiryStr); err == nil {
			cred.Expiry = expiry
		}
	}
	return cred, nil
}

// loadLegacyCredential honors the pre-multi-account key scheme. Found
// credentials are rewritten under the scoped keys so the legacy entries are
// only ever read, never extended.
func (m *Manager) loadLegacyCredential(providerKind models.ProviderKind, email string) (*models.Credential, error) {
	access, err := m.store.Read(secrets.LegacyKey(providerKind, secrets.PurposeAccessToken))
	if err != nil {
		return nil, fmt.Errorf("reading legacy access token: %w", err)
	}
	refresh, err := m.store.Read(secrets.LegacyKey(providerKind, secrets.PurposeRefreshToken))
	if err != nil {
		return nil, fmt.Errorf("reading legacy refresh token: %w", err)
	}
	if access == "" && refresh == "" {
		return nil, nil
	}

	expiryStr, _ := m.store.Read(secrets.LegacyKey(providerKind, secrets.PurposeExpiry))
	cred := &models.Credential{AccessToken: access, RefreshToken: refresh}
	if expiryStr != "" {
		if expiry, err := time.Parse(time.RFC3339, expiryStr); err == nil {
			cred.Expiry = expiry
		}
	}

	m.logger.Info("Migrating legacy credential for provider %s to account-scoped keys (%s)", providerKind, email)
	if err := m.SaveCredential(providerKind, email, cred); err != nil {
		m.logger.Warn("Failed to migrate legacy credential for %s: %v", email, err)
	}
	return cred, nil
}
