package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcore/internal/config"
	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/provider"
)

const testEmail = "user@gmail.com"

// fakeRepo is an in-memory Repository that counts cursor writes.
type fakeRepo struct {
	mu           sync.Mutex
	pages        map[string]models.MailboxPage
	cursor       *models.SyncCursor
	pending      map[string]bool
	cursorWrites int
	saveErr      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		pages:   make(map[string]models.MailboxPage),
		pending: make(map[string]bool),
	}
}

func (r *fakeRepo) SavePage(accountEmail string, page *models.MailboxPage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.pages[page.ThreadID] = *page
	return nil
}

func (r *fakeRepo) FetchPages(accountEmail string, limit int) ([]models.MailboxPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.MailboxPage, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeRepo) FetchMessage(accountEmail, messageID string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, page := range r.pages {
		for _, msg := range page.Messages {
			if msg.MessageID == messageID {
				return &msg, nil
			}
		}
	}
	return nil, nil
}

func (r *fakeRepo) UpdateReadStatus(accountEmail, messageID string, unread bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pi, page := range r.pages {
		for mi, msg := range page.Messages {
			if msg.MessageID == messageID {
				r.pages[pi].Messages[mi].Unread = unread
			}
		}
	}
	return nil
}

func (r *fakeRepo) MarkArchivePending(accountEmail, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[messageID] = true
	return nil
}

func (r *fakeRepo) MarkArchiveConfirmed(accountEmail, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, messageID)
	return nil
}

func (r *fakeRepo) PendingArchives(accountEmail string) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Message
	for id := range r.pending {
		out = append(out, models.Message{MessageID: id, AccountEmail: accountEmail})
	}
	return out, nil
}

func (r *fakeRepo) GetCursor(accountEmail string) (*models.SyncCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor == nil {
		return nil, nil
	}
	copied := *r.cursor
	return &copied, nil
}

func (r *fakeRepo) SetCursor(accountEmail, position string, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursorWrites++
	r.cursor = &models.SyncCursor{AccountEmail: accountEmail, Position: position, LastSyncedAt: syncedAt}
	return nil
}

func (r *fakeRepo) TouchCursor(accountEmail string, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor != nil {
		r.cursor.LastSyncedAt = syncedAt
	}
	return nil
}

func (r *fakeRepo) Clear(accountEmail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = make(map[string]models.MailboxPage)
	r.cursor = nil
	r.pending = make(map[string]bool)
	return nil
}

// fakeTokens hands out a static credential and counts forced refreshes.
type fakeTokens struct {
	refreshCount atomic.Int32
	ensureErr    error
}

func (f *fakeTokens) EnsureAccessToken(ctx context.Context, kind models.ProviderKind, email string) (*models.Credential, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return &models.Credential{AccessToken: "token", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) RefreshNow(ctx context.Context, kind models.ProviderKind, email string) (*models.Credential, error) {
	f.refreshCount.Add(1)
	return &models.Credential{AccessToken: "refreshed", Expiry: time.Now().Add(time.Hour)}, nil
}

// scriptedClient implements provider.Client with queued responses.
type scriptedClient struct {
	mu          sync.Mutex
	batchCalls  int
	batchErrs   []error // consumed one per call, nil entries succeed
	batchPages  []models.MailboxPage
	batchDelay  time.Duration
	archiveErr  error
	archiveIDs  []string
	started     chan struct{} // closed once a batch call begins, if set
	releaseOnce sync.Once
}

func (c *scriptedClient) Kind() models.ProviderKind { return models.ProviderGmail }

func (c *scriptedClient) Authenticate(ctx context.Context) (*models.Credential, *models.AccountProfile, error) {
	return nil, nil, mailerr.ErrUnsupported
}

func (c *scriptedClient) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return cred, nil
}

func (c *scriptedClient) FetchInboxBatch(ctx context.Context, cred *models.Credential) ([]models.MailboxPage, error) {
	c.mu.Lock()
	call := c.batchCalls
	c.batchCalls++
	delay := c.batchDelay
	c.mu.Unlock()

	if c.started != nil {
		c.releaseOnce.Do(func() { close(c.started) })
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if call < len(c.batchErrs) && c.batchErrs[call] != nil {
		return nil, c.batchErrs[call]
	}
	return c.batchPages, nil
}

func (c *scriptedClient) FetchInboxStream(ctx context.Context, cred *models.Credential) (<-chan provider.PageResult, error) {
	out := make(chan provider.PageResult)
	go func() {
		defer close(out)
		for i := range c.batchPages {
			select {
			case out <- provider.PageResult{Page: &c.batchPages[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *scriptedClient) FetchMessage(ctx context.Context, cred *models.Credential, messageID string) (*models.Message, error) {
	return nil, mailerr.ErrUnsupported
}

func (c *scriptedClient) Send(ctx context.Context, cred *models.Credential, draft *models.Draft) error {
	return nil
}

func (c *scriptedClient) Archive(ctx context.Context, cred *models.Credential, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.archiveErr != nil {
		return c.archiveErr
	}
	c.archiveIDs = append(c.archiveIDs, messageID)
	return nil
}

// deltaClient adds a change journal on top of scriptedClient.
type deltaClient struct {
	scriptedClient
	position   string
	deltaPages []models.MailboxPage
	deltaNext  string
	deltaErr   error
	deltaCalls int
}

func (c *deltaClient) DeltaPosition(ctx context.Context, cred *models.Credential) (string, error) {
	return c.position, nil
}

func (c *deltaClient) FetchDelta(ctx context.Context, cred *models.Credential, position string) ([]models.MailboxPage, string, error) {
	c.mu.Lock()
	c.deltaCalls++
	c.mu.Unlock()
	if c.deltaErr != nil {
		return nil, "", c.deltaErr
	}
	return c.deltaPages, c.deltaNext, nil
}

func testAccount() models.Account {
	return models.Account{EmailAddress: testEmail, Provider: models.ProviderGmail}
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		HardStaleness: 15 * time.Minute,
		SoftStaleness: 3 * time.Minute,
		PageCeiling:   20,
		PageSize:      50,
	}
}

func page(threadID string, at time.Time) models.MailboxPage {
	return models.MailboxPage{
		ThreadID: threadID,
		Subject:  "Subject " + threadID,
		Messages: []models.Message{{MessageID: "m-" + threadID, ThreadID: threadID, Date: at}},
	}
}

func newTestManager(repo Repository, tokens TokenSource, client provider.Client) *Manager {
	registry := provider.NewRegistry()
	registry.Register(testEmail, client)
	return NewManager(repo, tokens, registry, testSyncConfig())
}

func TestFullSyncSeedsCursor(t *testing.T) {
	repo := newFakeRepo()
	client := &deltaClient{position: "100"}
	client.batchPages = []models.MailboxPage{
		page("t1", time.Now()),
		page("t2", time.Now().Add(-time.Hour)),
	}
	m := newTestManager(repo, &fakeTokens{}, client)

	pages, err := m.FetchInbox(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Len(t, pages, 2)

	require.NotNil(t, repo.cursor)
	assert.Equal(t, "100", repo.cursor.Position)
	assert.Equal(t, 1, repo.cursorWrites)
}

func TestFreshCacheSkipsProvider(t *testing.T) {
	repo := newFakeRepo()
	repo.pages["t1"] = page("t1", time.Now())
	repo.cursor = &models.SyncCursor{AccountEmail: testEmail, Position: "100", LastSyncedAt: time.Now()}

	client := &deltaClient{}
	m := newTestManager(repo, &fakeTokens{}, client)

	pages, err := m.FetchInbox(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Len(t, pages, 1)

	// 缓存新鲜：零网络调用
	assert.Equal(t, 0, client.batchCalls)
	assert.Equal(t, 0, client.deltaCalls)
}

func TestIncrementalSyncUsesDelta(t *testing.T) {
	repo := newFakeRepo()
	repo.cursor = &models.SyncCursor{
		AccountEmail: testEmail,
		Position:     "100",
		LastSyncedAt: time.Now().Add(-time.Hour),
	}
	client := &deltaClient{
		deltaPages: []models.MailboxPage{page("t-new", time.Now())},
		deltaNext:  "150",
	}
	m := newTestManager(repo, &fakeTokens{}, client)

	_, err := m.FetchInbox(context.Background(), testAccount())
	require.NoError(t, err)

	assert.Equal(t, 1, client.deltaCalls)
	assert.Equal(t, 0, client.batchCalls)
	assert.Equal(t, "150", repo.cursor.Position)
	_, ok := repo.pages["t-new"]
	assert.True(t, ok)
}

func TestStaleCursorFallsBackToFullSync(t *testing.T) {
	repo := newFakeRepo()
	repo.cursor = &models.SyncCursor{
		AccountEmail: testEmail,
		Position:     "expired",
		LastSyncedAt: time.Now().Add(-time.Hour),
	}
	client := &deltaClient{position: "200", deltaErr: provider.ErrStaleCursor}
	client.batchPages = []models.MailboxPage{page("t1", time.Now())}
	m := newTestManager(repo, &fakeTokens{}, client)

	_, err := m.FetchInbox(context.Background(), testAccount())
	require.NoError(t, err)

	assert.Equal(t, 1, client.deltaCalls)
	assert.Equal(t, 1, client.batchCalls)
	assert.Equal(t, "200", repo.cursor.Position)
}

func TestCursorNotAdvancedWhenPersistFails(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = fmt.Errorf("disk full")
	client := &deltaClient{position: "100"}
	client.batchPages = []models.MailboxPage{page("t1", time.Now())}
	m := newTestManager(repo, &fakeTokens{}, client)

	err := m.Sync(context.Background(), testAccount())
	require.Error(t, err)

	assert.Nil(t, repo.cursor)
	assert.Equal(t, 0, repo.cursorWrites)
}

func TestMidSyncTokenRejectionRefreshesOnce(t *testing.T) {
	repo := newFakeRepo()
	tokens := &fakeTokens{}
	client := &scriptedClient{
		batchErrs:  []error{mailerr.ErrTokenExpired, nil},
		batchPages: []models.MailboxPage{page("t1", time.Now())},
	}
	m := newTestManager(repo, tokens, client)

	err := m.Sync(context.Background(), testAccount())
	require.NoError(t, err)

	assert.Equal(t, int32(1), tokens.refreshCount.Load())
	assert.Equal(t, 2, client.batchCalls)
}

func TestSecondTokenRejectionSurfaces(t *testing.T) {
	repo := newFakeRepo()
	tokens := &fakeTokens{}
	client := &scriptedClient{
		batchErrs: []error{mailerr.ErrTokenExpired, mailerr.ErrTokenExpired},
	}
	m := newTestManager(repo, tokens, client)

	err := m.Sync(context.Background(), testAccount())
	require.ErrorIs(t, err, mailerr.ErrTokenExpired)

	// 只强制刷新一次
	assert.Equal(t, int32(1), tokens.refreshCount.Load())
	assert.Equal(t, 2, client.batchCalls)
}

func TestFailedForegroundSyncReturnsStaleCacheWithError(t *testing.T) {
	repo := newFakeRepo()
	repo.pages["t-old"] = page("t-old", time.Now().Add(-24*time.Hour))
	repo.cursor = &models.SyncCursor{
		AccountEmail: testEmail,
		LastSyncedAt: time.Now().Add(-time.Hour), // hard-stale
	}
	client := &scriptedClient{batchErrs: []error{mailerr.ErrNetworkFailure}}
	m := newTestManager(repo, &fakeTokens{}, client)

	pages, err := m.FetchInbox(context.Background(), testAccount())
	require.ErrorIs(t, err, mailerr.ErrNetworkFailure)
	// 返回过期数据同时附带错误
	assert.Len(t, pages, 1)
}

func TestSupersessionCancelsRunningSync(t *testing.T) {
	repo := newFakeRepo()
	started := make(chan struct{})
	client := &scriptedClient{
		batchDelay: 10 * time.Second,
		started:    started,
	}
	m := newTestManager(repo, &fakeTokens{}, client)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Sync(context.Background(), testAccount())
	}()
	<-started

	// Second sync supersedes the first; the scripted delay is cut short by
	// cancellation, so this completes quickly.
	client.mu.Lock()
	client.batchDelay = 0
	client.mu.Unlock()

	err := m.Sync(context.Background(), testAccount())
	require.NoError(t, err)

	select {
	case firstErr := <-firstDone:
		require.Error(t, firstErr)
		assert.ErrorIs(t, firstErr, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded sync did not stop")
	}

	// 只有接替者写了游标
	assert.Equal(t, 1, repo.cursorWrites)
}

func TestArchiveMessageIsLocalFirst(t *testing.T) {
	repo := newFakeRepo()
	client := &scriptedClient{archiveErr: mailerr.ErrNetworkFailure}
	m := newTestManager(repo, &fakeTokens{}, client)

	err := m.ArchiveMessage(context.Background(), testAccount(), "m-1")
	require.NoError(t, err)

	// 本地归档生效，等待服务器确认
	assert.True(t, repo.pending["m-1"])
}

func TestArchiveConfirmedWhenServerAccepts(t *testing.T) {
	repo := newFakeRepo()
	client := &scriptedClient{}
	m := newTestManager(repo, &fakeTokens{}, client)

	err := m.ArchiveMessage(context.Background(), testAccount(), "m-1")
	require.NoError(t, err)

	assert.False(t, repo.pending["m-1"])
	assert.Equal(t, []string{"m-1"}, client.archiveIDs)
}

func TestSyncReconcilesPendingArchives(t *testing.T) {
	repo := newFakeRepo()
	repo.pending["m-stuck"] = true
	client := &scriptedClient{batchPages: []models.MailboxPage{page("t1", time.Now())}}
	m := newTestManager(repo, &fakeTokens{}, client)

	err := m.Sync(context.Background(), testAccount())
	require.NoError(t, err)

	assert.False(t, repo.pending["m-stuck"])
	assert.Contains(t, client.archiveIDs, "m-stuck")
}

func TestEnsureTokenFailureStopsSync(t *testing.T) {
	repo := newFakeRepo()
	tokens := &fakeTokens{ensureErr: mailerr.ErrAuthenticationRequired}
	client := &scriptedClient{}
	m := newTestManager(repo, tokens, client)

	err := m.Sync(context.Background(), testAccount())
	require.ErrorIs(t, err, mailerr.ErrAuthenticationRequired)
	assert.Equal(t, 0, client.batchCalls)
}

func TestClearAccountDropsCacheAndCursor(t *testing.T) {
	repo := newFakeRepo()
	repo.pages["t1"] = page("t1", time.Now())
	repo.cursor = &models.SyncCursor{AccountEmail: testEmail, Position: "100", LastSyncedAt: time.Now()}
	m := newTestManager(repo, &fakeTokens{}, &scriptedClient{})

	require.NoError(t, m.ClearAccount(testAccount()))

	assert.Empty(t, repo.pages)
	assert.Nil(t, repo.cursor)
}

func TestStreamPersistFailureLeavesCursorAlone(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = fmt.Errorf("disk full")
	client := &scriptedClient{batchPages: []models.MailboxPage{page("t1", time.Now())}}
	m := newTestManager(repo, &fakeTokens{}, client)

	results, err := m.FetchInboxStream(context.Background(), testAccount())
	require.NoError(t, err)

	var lastErr error
	for result := range results {
		if result.Err != nil {
			lastErr = result.Err
		}
	}
	require.Error(t, lastErr)

	// 页面未落盘，游标不能动
	assert.Nil(t, repo.cursor)
	assert.Equal(t, 0, repo.cursorWrites)
}

func TestStreamSeedsCursorOnCleanFinish(t *testing.T) {
	repo := newFakeRepo()
	client := &scriptedClient{batchPages: []models.MailboxPage{
		page("t1", time.Now()),
		page("t2", time.Now().Add(-time.Hour)),
	}}
	m := newTestManager(repo, &fakeTokens{}, client)

	results, err := m.FetchInboxStream(context.Background(), testAccount())
	require.NoError(t, err)

	count := 0
	for result := range results {
		require.NoError(t, result.Err)
		count++
	}
	assert.Equal(t, 2, count)
	assert.Len(t, repo.pages, 2)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.cursor != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamSupersedesRunningSync(t *testing.T) {
	repo := newFakeRepo()
	started := make(chan struct{})
	client := &scriptedClient{
		batchDelay: 10 * time.Second,
		started:    started,
		batchPages: []models.MailboxPage{page("t1", time.Now())},
	}
	m := newTestManager(repo, &fakeTokens{}, client)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Sync(context.Background(), testAccount())
	}()
	<-started

	// Opening a stream takes the account's task slot, cancelling the batch
	// sync so the two can never write the cursor concurrently.
	results, err := m.FetchInboxStream(context.Background(), testAccount())
	require.NoError(t, err)

	select {
	case firstErr := <-firstDone:
		require.Error(t, firstErr)
		assert.ErrorIs(t, firstErr, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded sync did not stop")
	}

	for result := range results {
		require.NoError(t, result.Err)
	}

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.cursorWrites == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIncrementalWithoutJournalFiltersOldPages(t *testing.T) {
	repo := newFakeRepo()
	repo.cursor = &models.SyncCursor{
		AccountEmail: testEmail,
		LastSyncedAt: time.Now().Add(-30 * time.Minute),
	}
	// Plain client: no delta, no since capability.
	client := &scriptedClient{batchPages: []models.MailboxPage{
		page("t-new", time.Now()),
		page("t-old", time.Now().Add(-2*time.Hour)),
	}}
	m := newTestManager(repo, &fakeTokens{}, client)

	err := m.Sync(context.Background(), testAccount())
	require.NoError(t, err)

	_, hasNew := repo.pages["t-new"]
	_, hasOld := repo.pages["t-old"]
	assert.True(t, hasNew)
	assert.False(t, hasOld)
}
