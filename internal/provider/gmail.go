package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailcore/internal/config"
	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/ratelimit"
	"mailcore/internal/utils"
)

// GmailClient talks to the Gmail REST API on behalf of one account.
type GmailClient struct {
	email   string
	cfg     *oauth2.Config
	limiter *ratelimit.Limiter
	tuning  Tuning
	logger  *utils.Logger
}

// NewGmailClient creates a Gmail client for the given account email.
func NewGmailClient(email string, oauthCfg config.OAuthConfig, limiter *ratelimit.Limiter, tuning Tuning) *GmailClient {
	return &GmailClient{
		email: email,
		cfg: &oauth2.Config{
			ClientID:     oauthCfg.ClientID,
			ClientSecret: oauthCfg.ClientSecret,
			RedirectURL:  oauthCfg.RedirectURI,
			Scopes:       oauthCfg.Scopes,
			Endpoint:     google.Endpoint,
		},
		limiter: limiter,
		tuning:  tuning,
		logger:  utils.NewLogger("GmailClient"),
	}
}

func (c *GmailClient) Kind() models.ProviderKind { return models.ProviderGmail }

// service creates a Gmail API service bound to the credential. The token
// source is static: refresh is owned by the token manager, not the client.
func (c *GmailClient) service(ctx context.Context, cred *models.Credential) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	httpClient.Timeout = c.tuning.NetworkTimeout

	service, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}
	return service, nil
}

// Authenticate runs the browser-based authorization code flow with PKCE,
// listening on the configured loopback redirect for the callback.
func (c *GmailClient) Authenticate(ctx context.Context) (*models.Credential, *models.AccountProfile, error) {
	token, err := runLoopbackFlow(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}

	cred := &models.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	// Best effort profile; authentication already succeeded.
	profile := &models.AccountProfile{EmailAddress: c.email}
	service, err := c.service(ctx, cred)
	if err == nil {
		err = gate(ctx, c.limiter, c.email, func() error {
			gp, err := service.Users.GetProfile("me").Context(ctx).Do()
			if err != nil {
				return c.classify(err)
			}
			profile.EmailAddress = gp.EmailAddress
			return nil
		})
	}
	if err != nil {
		c.logger.Warn("Failed to load Gmail profile for %s: %v", c.email, err)
	}

	return cred, profile, nil
}

// Refresh exchanges the refresh token for a new access token.
func (c *GmailClient) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, mailerr.ErrAuthenticationRequired
	}

	var refreshed *oauth2.Token
	err := gate(ctx, c.limiter, c.email, func() error {
		source := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		token, err := source.Token()
		if err != nil {
			return classifyOAuth(err)
		}
		refreshed = token
		return nil
	})
	if err != nil {
		return nil, err
	}

	next := &models.Credential{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		Expiry:       refreshed.Expiry,
	}
	// Google usually omits the refresh token on renewal; keep the old one.
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	return next, nil
}

// FetchInboxBatch lists inbox threads page by page and resolves details in
// small concurrent batches.
func (c *GmailClient) FetchInboxBatch(ctx context.Context, cred *models.Credential) ([]models.MailboxPage, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	threadIDs, err := c.listInboxThreadIDs(ctx, service)
	if err != nil {
		return nil, err
	}
	return c.fetchThreadDetails(ctx, service, threadIDs, nil)
}

// FetchInboxStream delivers pages as each detail batch resolves.
func (c *GmailClient) FetchInboxStream(ctx context.Context, cred *models.Credential) (<-chan PageResult, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	out := make(chan PageResult)
	go func() {
		defer close(out)
		threadIDs, err := c.listInboxThreadIDs(ctx, service)
		if err != nil {
			select {
			case out <- PageResult{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if _, err := c.fetchThreadDetails(ctx, service, threadIDs, out); err != nil {
			select {
			case out <- PageResult{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// listInboxThreadIDs walks the thread list with the configured page ceiling.
func (c *GmailClient) listInboxThreadIDs(ctx context.Context, service *gmail.Service) ([]string, error) {
	var ids []string
	pageToken := ""

	for page := 0; page < c.tuning.PageCeiling; page++ {
		var resp *gmail.ListThreadsResponse
		err := gate(ctx, c.limiter, c.email, func() error {
			call := service.Users.Threads.List("me").
				LabelIds("INBOX").
				MaxResults(int64(c.tuning.PageSize)).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			r, err := call.Do()
			if err != nil {
				return c.classify(err)
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing inbox threads: %w", err)
		}

		for _, thread := range resp.Threads {
			ids = append(ids, thread.Id)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	c.logger.Debug("Listed %d inbox threads for %s", len(ids), c.email)
	return ids, nil
}

// fetchThreadDetails resolves thread details in batches. When out is non-nil
// each page is also streamed as soon as it is ready.
func (c *GmailClient) fetchThreadDetails(ctx context.Context, service *gmail.Service, threadIDs []string, out chan<- PageResult) ([]models.MailboxPage, error) {
	batch := c.tuning.DetailBatch
	if batch <= 0 {
		batch = 1
	}

	var pages []models.MailboxPage
	for start := 0; start < len(threadIDs); start += batch {
		end := start + batch
		if end > len(threadIDs) {
			end = len(threadIDs)
		}

		type result struct {
			page *models.MailboxPage
			err  error
		}
		results := make([]result, end-start)
		done := make(chan int, end-start)

		for i, id := range threadIDs[start:end] {
			go func(i int, id string) {
				page, err := c.fetchThread(ctx, service, id)
				results[i] = result{page: page, err: err}
				done <- i
			}(i, id)
		}
		for range results {
			<-done
		}

		for _, r := range results {
			if r.err != nil {
				return pages, r.err
			}
			pages = append(pages, *r.page)
			if out != nil {
				select {
				case out <- PageResult{Page: r.page}:
				case <-ctx.Done():
					return pages, ctx.Err()
				}
			}
		}

		// Pause between batches so detail fetches do not burst.
		if end < len(threadIDs) && c.tuning.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return pages, ctx.Err()
			case <-time.After(c.tuning.BatchDelay):
			}
		}
	}
	return pages, nil
}

// fetchThread retrieves one thread with full message payloads.
func (c *GmailClient) fetchThread(ctx context.Context, service *gmail.Service, threadID string) (*models.MailboxPage, error) {
	var thread *gmail.Thread
	err := gate(ctx, c.limiter, c.email, func() error {
		t, err := service.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		if err != nil {
			return c.classify(err)
		}
		thread = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching thread %s: %w", threadID, err)
	}
	return c.convertThread(thread), nil
}

// FetchMessage retrieves one full message by Gmail message id.
func (c *GmailClient) FetchMessage(ctx context.Context, cred *models.Credential, messageID string) (*models.Message, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = gate(ctx, c.limiter, c.email, func() error {
		m, err := service.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		if err != nil {
			return c.classify(err)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", messageID, err)
	}

	converted := c.convertMessage(msg)
	return &converted, nil
}

// Send submits the draft through the Gmail API.
func (c *GmailClient) Send(ctx context.Context, cred *models.Credential, draft *models.Draft) error {
	service, err := c.service(ctx, cred)
	if err != nil {
		return err
	}

	raw, err := buildMIME(c.email, draft, time.Now())
	if err != nil {
		return err
	}

	err = gate(ctx, c.limiter, c.email, func() error {
		_, err := service.Users.Messages.Send("me", &gmail.Message{
			Raw: base64.URLEncoding.EncodeToString(raw),
		}).Context(ctx).Do()
		if err != nil {
			return c.classify(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Archive removes the INBOX label from the message.
func (c *GmailClient) Archive(ctx context.Context, cred *models.Credential, messageID string) error {
	service, err := c.service(ctx, cred)
	if err != nil {
		return err
	}

	err = gate(ctx, c.limiter, c.email, func() error {
		_, err := service.Users.Messages.Modify("me", messageID, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"INBOX"},
		}).Context(ctx).Do()
		if err != nil {
			return c.classify(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archiving message %s: %w", messageID, err)
	}
	return nil
}

// DeltaPosition returns the mailbox's current history id.
func (c *GmailClient) DeltaPosition(ctx context.Context, cred *models.Credential) (string, error) {
	service, err := c.service(ctx, cred)
	if err != nil {
		return "", err
	}

	var position string
	err = gate(ctx, c.limiter, c.email, func() error {
		profile, err := service.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return c.classify(err)
		}
		position = fmt.Sprintf("%d", profile.HistoryId)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading history position: %w", err)
	}
	return position, nil
}

// FetchDelta walks the History API from the stored position and resolves the
// threads touched by the changes. Gmail expires history ids after roughly a
// week; an expired one comes back as 404 and maps to ErrStaleCursor.
func (c *GmailClient) FetchDelta(ctx context.Context, cred *models.Credential, position string) ([]models.MailboxPage, string, error) {
	startID, err := strconv.ParseUint(position, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("%w: malformed history id %q", ErrStaleCursor, position)
	}

	service, err := c.service(ctx, cred)
	if err != nil {
		return nil, "", err
	}

	changedThreads := make(map[string]struct{})
	var newPosition uint64
	pageToken := ""

	for page := 0; page < c.tuning.PageCeiling; page++ {
		var resp *gmail.ListHistoryResponse
		err := gate(ctx, c.limiter, c.email, func() error {
			call := service.Users.History.List("me").
				StartHistoryId(startID).
				LabelId("INBOX").
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			r, err := call.Do()
			if err != nil {
				if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == http.StatusNotFound {
					return fmt.Errorf("history id %s expired: %w", position, ErrStaleCursor)
				}
				return c.classify(err)
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, "", err
		}

		if resp.HistoryId > newPosition {
			newPosition = resp.HistoryId
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil && added.Message.ThreadId != "" {
					changedThreads[added.Message.ThreadId] = struct{}{}
				}
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	if newPosition == 0 {
		// No changes; the position stands.
		return nil, position, nil
	}

	ids := make([]string, 0, len(changedThreads))
	for id := range changedThreads {
		ids = append(ids, id)
	}

	pages, err := c.fetchThreadDetails(ctx, service, ids, nil)
	if err != nil {
		return nil, "", err
	}

	c.logger.Debug("Gmail delta for %s: %d changed threads since %s", c.email, len(pages), position)
	return pages, fmt.Sprintf("%d", newPosition), nil
}

// convertThread normalizes a Gmail thread into a mailbox page.
func (c *GmailClient) convertThread(thread *gmail.Thread) *models.MailboxPage {
	page := &models.MailboxPage{ThreadID: thread.Id}

	seen := make(map[string]struct{})
	for _, gm := range thread.Messages {
		msg := c.convertMessage(gm)
		page.Messages = append(page.Messages, msg)

		if page.Subject == "" {
			page.Subject = msg.Subject
		}
		for _, addr := range append(append([]string{}, msg.From...), msg.To...) {
			if _, ok := seen[addr]; !ok && addr != "" {
				seen[addr] = struct{}{}
				page.Participants = append(page.Participants, addr)
			}
		}
	}
	return page
}

// convertMessage normalizes a Gmail message.
func (c *GmailClient) convertMessage(gm *gmail.Message) models.Message {
	msg := models.Message{
		MessageID:    gm.Id,
		AccountEmail: c.email,
		ThreadID:     gm.ThreadId,
		Snippet:      gm.Snippet,
		Size:         gm.SizeEstimate,
		Date:         time.UnixMilli(gm.InternalDate),
	}

	inbox := false
	for _, label := range gm.LabelIds {
		switch label {
		case "UNREAD":
			msg.Unread = true
		case "INBOX":
			inbox = true
		}
	}
	msg.Archived = !inbox

	if gm.Payload != nil {
		for _, header := range gm.Payload.Headers {
			switch header.Name {
			case "Subject":
				msg.Subject = header.Value
			case "From":
				msg.From = models.StringSlice{header.Value}
			case "To":
				msg.To = splitAddressHeader(header.Value)
			case "Cc":
				msg.Cc = splitAddressHeader(header.Value)
			}
		}
		text, html := extractGmailBodies(gm.Payload)
		msg.Body = text
		msg.HTMLBody = html
	}
	return msg
}

// extractGmailBodies walks the payload tree collecting the first text/plain
// and text/html parts.
func extractGmailBodies(part *gmail.MessagePart) (text, html string) {
	if part == nil {
		return "", ""
	}

	decode := func(body *gmail.MessagePartBody) string {
		if body == nil || body.Data == "" {
			return ""
		}
		data, err := base64.URLEncoding.DecodeString(body.Data)
		if err != nil {
			return ""
		}
		return string(data)
	}

	switch {
	case strings.HasPrefix(part.MimeType, "text/plain"):
		return decode(part.Body), ""
	case strings.HasPrefix(part.MimeType, "text/html"):
		return "", decode(part.Body)
	}

	for _, child := range part.Parts {
		t, h := extractGmailBodies(child)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
		if text != "" && html != "" {
			break
		}
	}
	return text, html
}

func splitAddressHeader(value string) models.StringSlice {
	parts := strings.Split(value, ",")
	out := make(models.StringSlice, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// classify maps a Gmail API error onto the shared taxonomy.
func (c *GmailClient) classify(err error) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", mailerr.ErrTokenExpired, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return &mailerr.RateLimitedError{RetryAfter: retryAfterFromHeader(apiErr.Header)}
		case apiErr.Code == http.StatusForbidden && isGoogleRateLimit(apiErr):
			// Gmail reports per-user quota exhaustion as 403.
			return &mailerr.RateLimitedError{RetryAfter: retryAfterFromHeader(apiErr.Header)}
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", mailerr.ErrNetworkFailure, err)
		default:
			return fmt.Errorf("%w: %v", mailerr.ErrInvalidResponse, err)
		}
	}

	if _, ok := err.(net.Error); ok {
		return fmt.Errorf("%w: %v", mailerr.ErrNetworkFailure, err)
	}
	return fmt.Errorf("%w: %v", mailerr.ErrNetworkFailure, err)
}

func isGoogleRateLimit(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func retryAfterFromHeader(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	d, ok := ratelimit.ParseRetryAfter(header.Get("Retry-After"), time.Now())
	if !ok {
		return 0
	}
	return d
}

// classifyOAuth maps a token endpoint failure onto the taxonomy. A 400/401
// from the endpoint means the refresh token itself is dead.
func classifyOAuth(err error) error {
	if retrieveErr, ok := err.(*oauth2.RetrieveError); ok {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", mailerr.ErrRefreshFailed, retrieveErr.ErrorCode)
		case http.StatusTooManyRequests:
			return &mailerr.RateLimitedError{RetryAfter: retryAfterFromHeader(retrieveErr.Response.Header)}
		}
		return fmt.Errorf("%w: token endpoint status %d", mailerr.ErrNetworkFailure, retrieveErr.Response.StatusCode)
	}
	return fmt.Errorf("%w: %v", mailerr.ErrNetworkFailure, err)
}

// runLoopbackFlow performs the authorization code exchange with PKCE using a
// one-shot HTTP listener on the configured loopback redirect.
func runLoopbackFlow(ctx context.Context, cfg *oauth2.Config, logger *utils.Logger) (*oauth2.Token, error) {
	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", redirect.Host, err)
	}
	defer listener.Close()

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)
	verifier := oauth2.GenerateVerifier()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier))
	logger.Info("Open the following URL in a browser to authorize: %s", authURL)

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callback{err: fmt.Errorf("oauth state mismatch")}
			return
		}
		if errCode := query.Get("error"); errCode != "" {
			http.Error(w, "authorization denied", http.StatusBadRequest)
			results <- callback{err: fmt.Errorf("%w: %s", mailerr.ErrAuthenticationRequired, errCode)}
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this window.")
		results <- callback{code: query.Get("code")}
	})}
	go server.Serve(listener)
	defer server.Close()

	var code string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		code = result.code
	}

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyOAuth(err)
	}
	return token, nil
}
