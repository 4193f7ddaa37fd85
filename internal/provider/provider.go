// Package provider implements the per-provider mail clients behind one
// uniform capability contract. Every network call a client makes is gated by
// the rate limiter and its outcome reported back, so backoff state stays
// accurate no matter which provider misbehaves.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/ratelimit"
)

// ErrStaleCursor means the provider no longer accepts the stored sync
// position (expired history id, dead delta link). The caller falls back to a
// date-filtered fetch and reseeds the cursor.
var ErrStaleCursor = errors.New("sync cursor no longer valid")

// PageResult is one streamed element: a page or a terminal error.
type PageResult struct {
	Page *models.MailboxPage
	Err  error
}

// Tuning 抓取调优参数
type Tuning struct {
	PageCeiling    int           // max list pages per pass
	PageSize       int           // thread ids per list page
	DetailBatch    int           // concurrent detail fetches per batch
	BatchDelay     time.Duration // pause between detail batches
	NetworkTimeout time.Duration // per-call timeout
}

// Client is the uniform capability contract all providers implement. An
// operation a provider cannot express returns mailerr.ErrUnsupported.
type Client interface {
	// Kind identifies the provider variant.
	Kind() models.ProviderKind

	// Authenticate runs the interactive authentication flow and returns the
	// resulting credential and a best-effort account profile.
	Authenticate(ctx context.Context) (*models.Credential, *models.AccountProfile, error)

	// Refresh exchanges the credential's refresh token for a new access
	// token. A dead refresh token yields mailerr.ErrRefreshFailed.
	Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error)

	// FetchInboxBatch fetches the current inbox window as one batch.
	FetchInboxBatch(ctx context.Context, cred *models.Credential) ([]models.MailboxPage, error)

	// FetchInboxStream fetches the inbox and delivers pages incrementally.
	// The channel is closed after the last element; a terminal failure is
	// delivered as a PageResult with Err set.
	FetchInboxStream(ctx context.Context, cred *models.Credential) (<-chan PageResult, error)

	// FetchMessage retrieves one full message by provider message id.
	FetchMessage(ctx context.Context, cred *models.Credential, messageID string) (*models.Message, error)

	// Send submits an outgoing message.
	Send(ctx context.Context, cred *models.Credential, draft *models.Draft) error

	// Archive removes the message from the inbox on the server.
	Archive(ctx context.Context, cred *models.Credential, messageID string) error
}

// DeltaClient is implemented by providers with a server-side change journal
// (Gmail history, Outlook delta queries).
type DeltaClient interface {
	Client

	// DeltaPosition returns the provider's current position marker, used to
	// seed the cursor after a full sync.
	DeltaPosition(ctx context.Context, cred *models.Credential) (string, error)

	// FetchDelta returns the pages changed since position along with the new
	// position. A rejected position yields ErrStaleCursor.
	FetchDelta(ctx context.Context, cred *models.Credential, position string) ([]models.MailboxPage, string, error)
}

// SinceClient is implemented by providers that can filter server-side by
// date instead of keeping a change journal (IMAP SEARCH SINCE).
type SinceClient interface {
	Client

	// FetchInboxSince fetches inbox pages containing messages newer than the
	// given instant.
	FetchInboxSince(ctx context.Context, cred *models.Credential, since time.Time) ([]models.MailboxPage, error)
}

// Registry 账户到客户端的映射
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a client to an account email, replacing any previous one.
func (r *Registry) Register(email string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[email] = client
}

// Get returns the client bound to the account email.
func (r *Registry) Get(email string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[email]
	if !ok {
		return nil, fmt.Errorf("no provider client registered for %s", email)
	}
	return client, nil
}

// Remove unbinds the account's client.
func (r *Registry) Remove(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, email)
}

// gate brackets one network call with admission control and outcome
// reporting. Every provider call site goes through here: the limiter admits
// (blocking through any backoff window), the call runs, the in-flight slot
// is released and the outcome classified back into limiter state.
func gate(ctx context.Context, limiter *ratelimit.Limiter, account string, fn func() error) error {
	if err := limiter.Admit(ctx, account); err != nil {
		return err
	}
	defer limiter.Release(account)

	err := fn()
	report(limiter, account, err)
	return err
}

// report feeds one call outcome back into the limiter.
func report(limiter *ratelimit.Limiter, account string, err error) {
	switch {
	case err == nil:
		limiter.OnSuccess(account)
	case errors.Is(err, mailerr.ErrRateLimited):
		hint, _ := mailerr.RetryAfterHint(err)
		limiter.OnRateLimited(account, hint)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Local cancellation says nothing about the server's health.
	default:
		limiter.OnFailure(account)
	}
}
