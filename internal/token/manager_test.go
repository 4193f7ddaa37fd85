package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/provider"
	"mailcore/internal/ratelimit"
	"mailcore/internal/secrets"
)

// fakeClient counts refresh calls and returns a scripted result.
type fakeClient struct {
	refreshCount atomic.Int32
	refreshDelay time.Duration
	refreshErr   error
	nextCred     *models.Credential
}

func (f *fakeClient) Kind() models.ProviderKind { return models.ProviderGmail }

func (f *fakeClient) Authenticate(ctx context.Context) (*models.Credential, *models.AccountProfile, error) {
	return nil, nil, mailerr.ErrUnsupported
}

func (f *fakeClient) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	f.refreshCount.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.nextCred, nil
}

func (f *fakeClient) FetchInboxBatch(ctx context.Context, cred *models.Credential) ([]models.MailboxPage, error) {
	return nil, nil
}

func (f *fakeClient) FetchInboxStream(ctx context.Context, cred *models.Credential) (<-chan provider.PageResult, error) {
	return nil, mailerr.ErrUnsupported
}

func (f *fakeClient) FetchMessage(ctx context.Context, cred *models.Credential, messageID string) (*models.Message, error) {
	return nil, mailerr.ErrUnsupported
}

func (f *fakeClient) Send(ctx context.Context, cred *models.Credential, draft *models.Draft) error {
	return mailerr.ErrUnsupported
}

func (f *fakeClient) Archive(ctx context.Context, cred *models.Credential, messageID string) error {
	return mailerr.ErrUnsupported
}

const testEmail = "user@gmail.com"

func newTestManager(client provider.Client) (*Manager, *secrets.MemoryStore) {
	store := secrets.NewMemoryStore()
	registry := provider.NewRegistry()
	if client != nil {
		registry.Register(testEmail, client)
	}
	cfg := ratelimit.DefaultConfig()
	cfg.MinSpacing = 0
	return NewManager(store, registry, ratelimit.New(cfg)), store
}

func saveCred(t *testing.T, store *secrets.MemoryStore, cred models.Credential) {
	t.Helper()
	require.NoError(t, store.Save(secrets.Key(models.ProviderGmail, testEmail, secrets.PurposeAccessToken), cred.AccessToken))
	require.NoError(t, store.Save(secrets.Key(models.ProviderGmail, testEmail, secrets.PurposeRefreshToken), cred.RefreshToken))
	if !cred.Expiry.IsZero() {
		require.NoError(t, store.Save(secrets.Key(models.ProviderGmail, testEmail, secrets.PurposeExpiry), cred.Expiry.Format(time.RFC3339)))
	}
}

func TestEnsureAccessTokenValidTokenNoRefresh(t *testing.T) {
	client := &fakeClient{}
	m, store := newTestManager(client)
	saveCred(t, store, models.Credential{
		AccessToken:  "good",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})

	cred, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.NoError(t, err)
	assert.Equal(t, "good", cred.AccessToken)
	assert.Equal(t, int32(0), client.refreshCount.Load())
	assert.Equal(t, StateValid, m.State(testEmail))
}

func TestEnsureAccessTokenRefreshesExpired(t *testing.T) {
	client := &fakeClient{
		nextCred: &models.Credential{
			AccessToken:  "fresh",
			RefreshToken: "refresh",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
	m, store := newTestManager(client)
	saveCred(t, store, models.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	})

	cred, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, int32(1), client.refreshCount.Load())

	// 新令牌已持久化
	stored, err := store.Read(secrets.Key(models.ProviderGmail, testEmail, secrets.PurposeAccessToken))
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored)
}

func TestEnsureAccessTokenRefreshesNearExpiry(t *testing.T) {
	client := &fakeClient{
		nextCred: &models.Credential{
			AccessToken: "fresh",
			Expiry:      time.Now().Add(time.Hour),
		},
	}
	m, store := newTestManager(client)
	// Expires within the renewal skew: still "valid" on the clock but due.
	saveCred(t, store, models.Credential{
		AccessToken:  "almost-stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Minute),
	})

	cred, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, int32(1), client.refreshCount.Load())
}

func TestConcurrentRefreshCollapsesToOneCall(t *testing.T) {
	client := &fakeClient{
		refreshDelay: 50 * time.Millisecond,
		nextCred: &models.Credential{
			AccessToken:  "fresh",
			RefreshToken: "refresh",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
	m, store := newTestManager(client)
	saveCred(t, store, models.Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Minute),
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
			assert.NoError(t, err)
			assert.Equal(t, "fresh", cred.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), client.refreshCount.Load())
}

func TestDeadRefreshTokenClearsCredentials(t *testing.T) {
	client := &fakeClient{refreshErr: mailerr.ErrRefreshFailed}
	m, store := newTestManager(client)
	saveCred(t, store, models.Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.ErrorIs(t, err, mailerr.ErrRefreshFailed)
	assert.Equal(t, StateNeedsReauth, m.State(testEmail))

	// 三个密钥全部清除
	for _, purpose := range []string{secrets.PurposeAccessToken, secrets.PurposeRefreshToken, secrets.PurposeExpiry} {
		value, err := store.Read(secrets.Key(models.ProviderGmail, testEmail, purpose))
		require.NoError(t, err)
		assert.Empty(t, value)
	}

	// Subsequent calls fail fast without touching the network.
	_, err = m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.ErrorIs(t, err, mailerr.ErrAuthenticationRequired)
	assert.Equal(t, int32(1), client.refreshCount.Load())
}

func TestTransientRefreshFailureKeepsTokens(t *testing.T) {
	client := &fakeClient{refreshErr: mailerr.ErrNetworkFailure}
	m, store := newTestManager(client)
	saveCred(t, store, models.Credential{
		AccessToken:  "stale",
		RefreshToken: "still-good",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.ErrorIs(t, err, mailerr.ErrNetworkFailure)

	refresh, err := store.Read(secrets.Key(models.ProviderGmail, testEmail, secrets.PurposeRefreshToken))
	require.NoError(t, err)
	assert.Equal(t, "still-good", refresh)
	assert.NotEqual(t, StateNeedsReauth, m.State(testEmail))
}

func TestEnsureAccessTokenNoCredential(t *testing.T) {
	m, _ := newTestManager(&fakeClient{})

	_, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	assert.ErrorIs(t, err, mailerr.ErrAuthenticationRequired)
	assert.Equal(t, StateNeedsReauth, m.State(testEmail))
}

func TestEnsureAccessTokenNoRefreshTokenRequiresReauth(t *testing.T) {
	m, store := newTestManager(&fakeClient{})
	saveCred(t, store, models.Credential{
		AccessToken: "stale",
		Expiry:      time.Now().Add(-time.Minute),
	})

	_, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	assert.ErrorIs(t, err, mailerr.ErrAuthenticationRequired)
}

func TestRefreshNowForcesRefresh(t *testing.T) {
	client := &fakeClient{
		nextCred: &models.Credential{
			AccessToken:  "forced",
			RefreshToken: "refresh",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
	m, store := newTestManager(client)
	// Token still valid on the clock, but the server said otherwise.
	saveCred(t, store, models.Credential{
		AccessToken:  "rejected",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})

	cred, err := m.RefreshNow(context.Background(), models.ProviderGmail, testEmail)
	require.NoError(t, err)
	assert.Equal(t, "forced", cred.AccessToken)
	assert.Equal(t, int32(1), client.refreshCount.Load())
}

func TestRefreshNowFastFailsOnDeadAccount(t *testing.T) {
	client := &fakeClient{refreshErr: mailerr.ErrRefreshFailed}
	m, store := newTestManager(client)
	saveCred(t, store, models.Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.ErrorIs(t, err, mailerr.ErrRefreshFailed)
	require.Equal(t, StateNeedsReauth, m.State(testEmail))

	// A forced refresh on a dead account fails fast, same as the ensure path.
	_, err = m.RefreshNow(context.Background(), models.ProviderGmail, testEmail)
	require.ErrorIs(t, err, mailerr.ErrAuthenticationRequired)
	assert.Equal(t, int32(1), client.refreshCount.Load())
}

func TestLegacyCredentialMigration(t *testing.T) {
	m, store := newTestManager(&fakeClient{})

	// Credential stored under the old provider-scoped scheme only.
	require.NoError(t, store.Save(secrets.LegacyKey(models.ProviderGmail, secrets.PurposeAccessToken), "legacy-access"))
	require.NoError(t, store.Save(secrets.LegacyKey(models.ProviderGmail, secrets.PurposeRefreshToken), "legacy-refresh"))
	require.NoError(t, store.Save(secrets.LegacyKey(models.ProviderGmail, secrets.PurposeExpiry), time.Now().Add(time.Hour).Format(time.RFC3339)))

	cred, err := m.EnsureAccessToken(context.Background(), models.ProviderGmail, testEmail)
	require.NoError(t, err)
	assert.Equal(t, "legacy-access", cred.AccessToken)

	// 迁移后新键下可读
	migrated, err := store.Read(secrets.Key(models.ProviderGmail, testEmail, secrets.PurposeAccessToken))
	require.NoError(t, err)
	assert.Equal(t, "legacy-access", migrated)
}

func TestSaveCredentialResetsLimiterState(t *testing.T) {
	store := secrets.NewMemoryStore()
	registry := provider.NewRegistry()
	cfg := ratelimit.DefaultConfig()
	cfg.MinSpacing = 0
	limiter := ratelimit.New(cfg)
	m := NewManager(store, registry, limiter)

	limiter.OnRateLimited(testEmail, time.Hour)
	require.NotEqual(t, time.Duration(0), limiter.Wait(testEmail))

	err := m.SaveCredential(models.ProviderGmail, testEmail, &models.Credential{
		AccessToken: "fresh",
		Expiry:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), limiter.Wait(testEmail))
	limiter.Release(testEmail)
	assert.Equal(t, StateValid, m.State(testEmail))
}
