// Package sync implements the cache-first mailbox read path: staleness
// decisions, full and incremental sync passes, cursor management and
// reconciliation of offline archive actions.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailcore/internal/config"
	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/provider"
	"mailcore/internal/utils"
)

// Repository is the cache surface the sync manager needs. Implemented by
// repository.CacheRepository; narrowed here so tests can supply their own.
type Repository interface {
	SavePage(accountEmail string, page *models.MailboxPage) error
	FetchPages(accountEmail string, limit int) ([]models.MailboxPage, error)
	FetchMessage(accountEmail, messageID string) (*models.Message, error)
	UpdateReadStatus(accountEmail, messageID string, unread bool) error
	MarkArchivePending(accountEmail, messageID string) error
	MarkArchiveConfirmed(accountEmail, messageID string) error
	PendingArchives(accountEmail string) ([]models.Message, error)
	GetCursor(accountEmail string) (*models.SyncCursor, error)
	SetCursor(accountEmail, position string, syncedAt time.Time) error
	TouchCursor(accountEmail string, syncedAt time.Time) error
	Clear(accountEmail string) error
}

// TokenSource supplies valid credentials. Implemented by token.Manager.
type TokenSource interface {
	EnsureAccessToken(ctx context.Context, providerKind models.ProviderKind, email string) (*models.Credential, error)
	RefreshNow(ctx context.Context, providerKind models.ProviderKind, email string) (*models.Credential, error)
}

// syncTask is one running sync pass for an account.
type syncTask struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager coordinates cached reads and provider syncs per account. At most
// one sync task runs per account; a newcomer cancels and awaits its
// predecessor before starting, so the cursor has a single writer.
type Manager struct {
	repo     Repository
	tokens   TokenSource
	registry *provider.Registry
	cfg      config.SyncConfig
	logger   *utils.Logger
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*syncTask
}

// NewManager creates a sync manager.
func NewManager(repo Repository, tokens TokenSource, registry *provider.Registry, cfg config.SyncConfig) *Manager {
	return &Manager{
		repo:     repo,
		tokens:   tokens,
		registry: registry,
		cfg:      cfg,
		logger:   utils.NewLogger("SyncManager"),
		now:      time.Now,
		tasks:    make(map[string]*syncTask),
	}
}

// FetchInbox is the cache-first read path. Fresh cache is returned as-is;
// soft-stale cache is returned while a background refresh starts; hard-stale
// or empty cache forces a synchronous sync first. When a forced sync fails
// but older cached pages exist, they are returned together with the error.
func (m *Manager) FetchInbox(ctx context.Context, account models.Account) ([]models.MailboxPage, error) {
	email := account.EmailAddress

	cursor, err := m.repo.GetCursor(email)
	if err != nil {
		return nil, err
	}

	age := m.cfg.HardStaleness + 1 // no cursor: beyond every threshold
	if cursor != nil {
		age = m.now().Sub(cursor.LastSyncedAt)
	}

	if age < m.cfg.HardStaleness {
		pages, err := m.repo.FetchPages(email, 0)
		if err != nil {
			return nil, err
		}
		if age >= m.cfg.SoftStaleness {
			m.logger.Debug("Cache for %s is soft-stale (%v), refreshing in background", email, age)
			go func() {
				if err := m.runSync(context.Background(), account); err != nil {
					m.logger.Warn("Background sync for %s failed: %v", email, err)
				}
			}()
		}
		return pages, nil
	}

	m.logger.Info("Cache for %s is stale (%v), syncing before returning", email, age)
	if syncErr := m.runSync(ctx, account); syncErr != nil {
		pages, err := m.repo.FetchPages(email, 0)
		if err != nil || len(pages) == 0 {
			return nil, syncErr
		}
		// Stale data with the failure attached beats no data.
		return pages, syncErr
	}

	return m.repo.FetchPages(email, 0)
}

// FetchInboxStream streams pages from the provider while persisting them.
// Intended for first-run UIs that want paint-as-you-go. The stream is a sync
// pass like any other: it occupies the account's task slot so it never races
// a background sync for the cursor, and the cursor only moves once every
// streamed page has been durably saved.
func (m *Manager) FetchInboxStream(ctx context.Context, account models.Account) (<-chan provider.PageResult, error) {
	email := account.EmailAddress
	client, err := m.registry.Get(email)
	if err != nil {
		return nil, err
	}

	task, taskCtx := m.beginTask(ctx, email)

	cred, err := m.tokens.EnsureAccessToken(taskCtx, account.Provider, email)
	if err != nil {
		m.endTask(email, task)
		return nil, err
	}

	in, err := client.FetchInboxStream(taskCtx, cred)
	if err != nil {
		m.endTask(email, task)
		return nil, err
	}

	out := make(chan provider.PageResult)
	go func() {
		defer close(out)
		defer m.endTask(email, task)
		for result := range in {
			failed := result.Err != nil
			if !failed && result.Page != nil {
				if err := m.repo.SavePage(email, result.Page); err != nil {
					// A page that never reached disk must not end up behind
					// the cursor; the stream dies here with the old cursor
					// intact.
					result = provider.PageResult{Err: fmt.Errorf("persisting streamed page %s: %w", result.Page.ThreadID, err)}
					failed = true
				}
			}
			select {
			case out <- result:
			case <-taskCtx.Done():
				return
			}
			if failed {
				return
			}
		}
		m.finishCursor(taskCtx, account, "")
	}()
	return out, nil
}

// Sync runs a sync pass for the account right now, superseding any pass
// already in flight.
func (m *Manager) Sync(ctx context.Context, account models.Account) error {
	return m.runSync(ctx, account)
}

// beginTask enforces at-most-one sync per account: it cancels the running
// task, waits for it to fully stop, then registers the new one.
func (m *Manager) beginTask(parent context.Context, email string) (*syncTask, context.Context) {
	for {
		m.mu.Lock()
		current := m.tasks[email]
		if current == nil {
			ctx, cancel := context.WithCancel(parent)
			task := &syncTask{id: uuid.New(), cancel: cancel, done: make(chan struct{})}
			m.tasks[email] = task
			m.mu.Unlock()
			return task, ctx
		}
		m.mu.Unlock()

		m.logger.Debug("Superseding running sync %s for %s", current.id, email)
		current.cancel()
		<-current.done
	}
}

// endTask releases the account's task slot.
func (m *Manager) endTask(email string, task *syncTask) {
	m.mu.Lock()
	if m.tasks[email] == task {
		delete(m.tasks, email)
	}
	m.mu.Unlock()
	task.cancel()
	close(task.done)
}

// runSync executes one full or incremental sync pass.
func (m *Manager) runSync(parent context.Context, account models.Account) error {
	email := account.EmailAddress
	task, ctx := m.beginTask(parent, email)
	defer m.endTask(email, task)

	m.logger.Debug("Sync %s started for %s", task.id, email)

	client, err := m.registry.Get(email)
	if err != nil {
		return err
	}
	cred, err := m.tokens.EnsureAccessToken(ctx, account.Provider, email)
	if err != nil {
		return err
	}

	cursor, err := m.repo.GetCursor(email)
	if err != nil {
		return err
	}

	var pages []models.MailboxPage
	var newPosition string

	if cursor != nil {
		pages, newPosition, err = m.incrementalSync(ctx, account, client, cred, cursor)
	} else {
		pages, newPosition, err = m.fullSync(ctx, account, client, cred)
	}
	if err != nil {
		return err
	}

	// Persist every page before the cursor moves; a partial persist leaves
	// the old cursor in place so the next pass re-covers the gap.
	for i := range pages {
		if err := m.repo.SavePage(email, &pages[i]); err != nil {
			return fmt.Errorf("persisting page %s: %w", pages[i].ThreadID, err)
		}
	}

	if err := m.advanceCursor(email, cursor, newPosition); err != nil {
		return err
	}

	m.reconcilePendingArchives(ctx, account, client, cred)

	m.logger.Info("Sync %s for %s finished: %d pages", task.id, email, len(pages))
	return nil
}

// fullSync fetches the whole inbox window and seeds a delta position when
// the provider keeps a change journal.
func (m *Manager) fullSync(ctx context.Context, account models.Account, client provider.Client, cred *models.Credential) ([]models.MailboxPage, string, error) {
	email := account.EmailAddress

	// Capture the journal position before listing so changes landing during
	// the sync are re-covered by the first incremental pass.
	position := ""
	if delta, ok := client.(provider.DeltaClient); ok {
		var err error
		position, err = m.withAuthRetry(ctx, account, &cred, func(c *models.Credential) (string, error) {
			return delta.DeltaPosition(ctx, c)
		})
		if err != nil {
			return nil, "", err
		}
	}

	pages, err := m.withAuthRetryPages(ctx, account, &cred, func(c *models.Credential) ([]models.MailboxPage, error) {
		return client.FetchInboxBatch(ctx, c)
	})
	if err != nil {
		return nil, "", err
	}

	m.logger.Debug("Full sync for %s fetched %d pages", email, len(pages))
	return pages, position, nil
}

// incrementalSync fetches only what changed since the cursor. Providers
// without any incremental capability fall back to a filtered full fetch.
func (m *Manager) incrementalSync(ctx context.Context, account models.Account, client provider.Client, cred *models.Credential, cursor *models.SyncCursor) ([]models.MailboxPage, string, error) {
	email := account.EmailAddress

	if delta, ok := client.(provider.DeltaClient); ok && cursor.Position != "" {
		var pages []models.MailboxPage
		var position string
		var deltaErr error
		_, err := m.withAuthRetry(ctx, account, &cred, func(c *models.Credential) (string, error) {
			pages, position, deltaErr = delta.FetchDelta(ctx, c, cursor.Position)
			return "", deltaErr
		})
		if err == nil {
			m.logger.Debug("Incremental sync for %s: %d changed pages", email, len(pages))
			return pages, position, nil
		}
		if !errors.Is(err, provider.ErrStaleCursor) {
			return nil, "", err
		}
		m.logger.Warn("Sync cursor for %s went stale, falling back to full sync", email)
		return m.fullSync(ctx, account, client, cred)
	}

	if since, ok := client.(provider.SinceClient); ok {
		pages, err := m.withAuthRetryPages(ctx, account, &cred, func(c *models.Credential) ([]models.MailboxPage, error) {
			return since.FetchInboxSince(ctx, c, cursor.LastSyncedAt)
		})
		if err != nil {
			return nil, "", err
		}
		return pages, cursor.Position, nil
	}

	// No incremental capability: fetch the window and keep only pages with
	// activity after the last sync.
	pages, err := m.withAuthRetryPages(ctx, account, &cred, func(c *models.Credential) ([]models.MailboxPage, error) {
		return client.FetchInboxBatch(ctx, c)
	})
	if err != nil {
		return nil, "", err
	}
	filtered := pages[:0]
	for _, page := range pages {
		if page.LastMessageAt().After(cursor.LastSyncedAt) {
			filtered = append(filtered, page)
		}
	}
	return filtered, cursor.Position, nil
}

// advanceCursor moves the cursor exactly once per successful pass. A pass
// that left the position unchanged only refreshes the staleness clock.
func (m *Manager) advanceCursor(email string, old *models.SyncCursor, position string) error {
	syncedAt := m.now()
	if position == "" && old != nil {
		position = old.Position
	}
	if old != nil && position == old.Position {
		if err := m.repo.TouchCursor(email, syncedAt); err != nil {
			return fmt.Errorf("touching sync cursor: %w", err)
		}
		return nil
	}
	if err := m.repo.SetCursor(email, position, syncedAt); err != nil {
		return fmt.Errorf("advancing sync cursor: %w", err)
	}
	return nil
}

// finishCursor refreshes cursor freshness after a streamed sync. The
// position is reseeded from the provider when it keeps one.
func (m *Manager) finishCursor(ctx context.Context, account models.Account, fallback string) {
	email := account.EmailAddress
	position := fallback

	if client, err := m.registry.Get(email); err == nil {
		if delta, ok := client.(provider.DeltaClient); ok {
			if cred, err := m.tokens.EnsureAccessToken(ctx, account.Provider, email); err == nil {
				if p, err := delta.DeltaPosition(ctx, cred); err == nil {
					position = p
				}
			}
		}
	}

	cursor, err := m.repo.GetCursor(email)
	if err == nil && cursor != nil && position == "" {
		position = cursor.Position
	}
	if err := m.repo.SetCursor(email, position, m.now()); err != nil {
		m.logger.Warn("Failed to update cursor after stream for %s: %v", email, err)
	}
}

// withAuthRetry runs fn and, when the provider rejects the token mid-call,
// forces exactly one refresh and retries once. A second 401 surfaces.
func (m *Manager) withAuthRetry(ctx context.Context, account models.Account, cred **models.Credential, fn func(*models.Credential) (string, error)) (string, error) {
	result, err := fn(*cred)
	if err == nil || !errors.Is(err, mailerr.ErrTokenExpired) {
		return result, err
	}

	m.logger.Debug("Provider rejected token for %s mid-sync, forcing one refresh", account.EmailAddress)
	fresh, refreshErr := m.tokens.RefreshNow(ctx, account.Provider, account.EmailAddress)
	if refreshErr != nil {
		return "", refreshErr
	}
	*cred = fresh
	return fn(fresh)
}

func (m *Manager) withAuthRetryPages(ctx context.Context, account models.Account, cred **models.Credential, fn func(*models.Credential) ([]models.MailboxPage, error)) ([]models.MailboxPage, error) {
	var pages []models.MailboxPage
	_, err := m.withAuthRetry(ctx, account, cred, func(c *models.Credential) (string, error) {
		var innerErr error
		pages, innerErr = fn(c)
		return "", innerErr
	})
	return pages, err
}

// SendMessage submits a draft through the account's provider.
func (m *Manager) SendMessage(ctx context.Context, account models.Account, draft *models.Draft) error {
	email := account.EmailAddress
	client, err := m.registry.Get(email)
	if err != nil {
		return err
	}
	cred, err := m.tokens.EnsureAccessToken(ctx, account.Provider, email)
	if err != nil {
		return err
	}

	_, err = m.withAuthRetry(ctx, account, &cred, func(c *models.Credential) (string, error) {
		return "", client.Send(ctx, c, draft)
	})
	return err
}

// MarkRead updates the cached read state of a message. The provider contract
// has no read-status mutation, so this stays local until the next full page
// refresh overwrites it with the server's view.
func (m *Manager) MarkRead(account models.Account, messageID string, unread bool) error {
	return m.repo.UpdateReadStatus(account.EmailAddress, messageID, unread)
}

// ArchiveMessage archives locally first, then tries to confirm server-side.
// A server failure keeps the local archive and leaves the message pending;
// the next sync pass retries it.
func (m *Manager) ArchiveMessage(ctx context.Context, account models.Account, messageID string) error {
	email := account.EmailAddress

	if err := m.repo.MarkArchivePending(email, messageID); err != nil {
		return fmt.Errorf("archiving message locally: %w", err)
	}

	client, err := m.registry.Get(email)
	if err != nil {
		m.logger.Warn("Archive of %s deferred, no client: %v", messageID, err)
		return nil
	}
	cred, err := m.tokens.EnsureAccessToken(ctx, account.Provider, email)
	if err != nil {
		m.logger.Warn("Archive of %s deferred, no credential: %v", messageID, err)
		return nil
	}

	_, err = m.withAuthRetry(ctx, account, &cred, func(c *models.Credential) (string, error) {
		return "", client.Archive(ctx, c, messageID)
	})
	if err != nil {
		m.logger.Warn("Server archive of %s failed, will retry on next sync: %v", messageID, err)
		return nil
	}

	return m.repo.MarkArchiveConfirmed(email, messageID)
}

// reconcilePendingArchives retries archives recorded while the server was
// unreachable. Individual failures are logged and left pending.
func (m *Manager) reconcilePendingArchives(ctx context.Context, account models.Account, client provider.Client, cred *models.Credential) {
	email := account.EmailAddress
	pending, err := m.repo.PendingArchives(email)
	if err != nil {
		m.logger.Warn("Failed to load pending archives for %s: %v", email, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	m.logger.Info("Reconciling %d pending archives for %s", len(pending), email)
	for _, msg := range pending {
		if err := client.Archive(ctx, cred, msg.MessageID); err != nil {
			m.logger.Warn("Pending archive of %s still failing: %v", msg.MessageID, err)
			continue
		}
		if err := m.repo.MarkArchiveConfirmed(email, msg.MessageID); err != nil {
			m.logger.Warn("Failed to confirm archive of %s: %v", msg.MessageID, err)
		}
	}
}

// FetchMessage serves a message from cache when possible, falling back to
// the provider for bodies the cache never saw.
func (m *Manager) FetchMessage(ctx context.Context, account models.Account, messageID string) (*models.Message, error) {
	email := account.EmailAddress

	cached, err := m.repo.FetchMessage(email, messageID)
	if err != nil {
		return nil, err
	}
	if cached != nil && (cached.Body != "" || cached.HTMLBody != "") {
		return cached, nil
	}

	client, err := m.registry.Get(email)
	if err != nil {
		return nil, err
	}
	cred, err := m.tokens.EnsureAccessToken(ctx, account.Provider, email)
	if err != nil {
		return nil, err
	}

	var msg *models.Message
	_, err = m.withAuthRetry(ctx, account, &cred, func(c *models.Credential) (string, error) {
		var innerErr error
		msg, innerErr = client.FetchMessage(ctx, c, messageID)
		return "", innerErr
	})
	if err != nil {
		if errors.Is(err, mailerr.ErrUnsupported) && cached != nil {
			return cached, nil
		}
		return nil, err
	}
	return msg, nil
}

// ClearAccount cancels any running sync and drops all cached state, sending
// the account back through a full sync on its next read.
func (m *Manager) ClearAccount(account models.Account) error {
	email := account.EmailAddress

	m.mu.Lock()
	task := m.tasks[email]
	m.mu.Unlock()
	if task != nil {
		task.cancel()
		<-task.done
	}

	return m.repo.Clear(email)
}
