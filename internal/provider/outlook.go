package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"mailcore/internal/config"
	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/ratelimit"
	"mailcore/internal/utils"
)

const (
	graphBaseURL    = "https://graph.microsoft.com/v1.0"
	outlookTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// OutlookClient talks to the Microsoft Graph mail API on behalf of one
// account.
type OutlookClient struct {
	email      string
	oauthCfg   config.OAuthConfig
	limiter    *ratelimit.Limiter
	tuning     Tuning
	logger     *utils.Logger
	httpClient *http.Client

	// baseURL and tokenURL are overridable so tests can point the client at
	// a local server.
	baseURL  string
	tokenURL string
}

// NewOutlookClient creates an Outlook client for the given account email.
func NewOutlookClient(email string, oauthCfg config.OAuthConfig, limiter *ratelimit.Limiter, tuning Tuning) *OutlookClient {
	return &OutlookClient{
		email:      email,
		oauthCfg:   oauthCfg,
		limiter:    limiter,
		tuning:     tuning,
		logger:     utils.NewLogger("OutlookClient"),
		httpClient: &http.Client{Timeout: tuning.NetworkTimeout},
		baseURL:    graphBaseURL,
		tokenURL:   outlookTokenURL,
	}
}

func (c *OutlookClient) Kind() models.ProviderKind { return models.ProviderOutlook }

// Authenticate runs the browser-based authorization code flow with PKCE.
func (c *OutlookClient) Authenticate(ctx context.Context) (*models.Credential, *models.AccountProfile, error) {
	cfg := &oauth2.Config{
		ClientID:     c.oauthCfg.ClientID,
		ClientSecret: c.oauthCfg.ClientSecret,
		RedirectURL:  c.oauthCfg.RedirectURI,
		Scopes:       c.oauthCfg.Scopes,
		Endpoint:     microsoft.AzureADEndpoint("common"),
	}

	token, err := runLoopbackFlow(ctx, cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}

	cred := &models.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	profile := &models.AccountProfile{EmailAddress: c.email}
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}
	if err := c.get(ctx, cred, "/me", &me); err != nil {
		c.logger.Warn("Failed to load Outlook profile for %s: %v", c.email, err)
	} else {
		if me.Mail != "" {
			profile.EmailAddress = me.Mail
		} else if me.UserPrincipalName != "" {
			profile.EmailAddress = me.UserPrincipalName
		}
		profile.DisplayName = me.DisplayName
	}

	return cred, profile, nil
}

// Refresh exchanges the refresh token at the Microsoft token endpoint.
func (c *OutlookClient) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, mailerr.ErrAuthenticationRequired
	}

	data := url.Values{}
	data.Set("client_id", c.oauthCfg.ClientID)
	if c.oauthCfg.ClientSecret != "" {
		data.Set("client_secret", c.oauthCfg.ClientSecret)
	}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", cred.RefreshToken)
	data.Set("scope", strings.Join(c.oauthCfg.Scopes, " "))

	var next *models.Credential
	err := gate(ctx, c.limiter, c.email, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
		if err != nil {
			return fmt.Errorf("creating token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", mailerr.ErrNetworkFailure, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading token response: %v", mailerr.ErrNetworkFailure, err)
		}

		var result struct {
			AccessToken      string `json:"access_token"`
			RefreshToken     string `json:"refresh_token"`
			ExpiresIn        int    `json:"expires_in"`
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("%w: parsing token response: %v", mailerr.ErrInvalidResponse, err)
		}

		if result.Error != "" {
			// invalid_grant covers expired, revoked and already-used refresh
			// tokens; all mean re-authentication.
			switch result.Error {
			case "invalid_grant", "invalid_client", "unauthorized_client":
				return fmt.Errorf("%w: %s - %s", mailerr.ErrRefreshFailed, result.Error, result.ErrorDescription)
			}
			return fmt.Errorf("%w: token endpoint error %s - %s", mailerr.ErrNetworkFailure, result.Error, result.ErrorDescription)
		}
		if resp.StatusCode != http.StatusOK || result.AccessToken == "" {
			return fmt.Errorf("%w: token endpoint status %d without access token", mailerr.ErrInvalidResponse, resp.StatusCode)
		}

		next = &models.Credential{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			Expiry:       time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
		}
		if next.RefreshToken == "" {
			next.RefreshToken = cred.RefreshToken
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// graphRecipient mirrors Graph's recipient wrapper.
type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// graphMessage mirrors the subset of Graph's message resource we consume.
type graphMessage struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	Subject          string           `json:"subject"`
	BodyPreview      string           `json:"bodyPreview"`
	IsRead           bool             `json:"isRead"`
	ReceivedDateTime time.Time        `json:"receivedDateTime"`
	From             *graphRecipient  `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	CcRecipients     []graphRecipient `json:"ccRecipients"`
	Body             *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphMessageList struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// FetchInboxBatch pages through the inbox folder, newest first.
func (c *OutlookClient) FetchInboxBatch(ctx context.Context, cred *models.Credential) ([]models.MailboxPage, error) {
	messages, err := c.listInbox(ctx, cred, nil)
	if err != nil {
		return nil, err
	}
	return c.groupByConversation(messages), nil
}

// FetchInboxStream delivers conversation pages as each list page arrives.
func (c *OutlookClient) FetchInboxStream(ctx context.Context, cred *models.Credential) (<-chan PageResult, error) {
	out := make(chan PageResult)
	go func() {
		defer close(out)
		_, err := c.listInbox(ctx, cred, func(batch []graphMessage) error {
			for _, page := range c.groupByConversation(batch) {
				page := page
				select {
				case out <- PageResult{Page: &page}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			select {
			case out <- PageResult{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// listInbox walks the inbox message list. When emit is non-nil each list
// page is handed over as it arrives and the combined slice is not kept.
func (c *OutlookClient) listInbox(ctx context.Context, cred *models.Credential, emit func([]graphMessage) error) ([]graphMessage, error) {
	next := fmt.Sprintf("%s/me/mailFolders/inbox/messages?%s", c.baseURL, url.Values{
		"$top":     {fmt.Sprintf("%d", c.tuning.PageSize)},
		"$orderby": {"receivedDateTime desc"},
	}.Encode())

	var all []graphMessage
	for page := 0; next != "" && page < c.tuning.PageCeiling; page++ {
		var list graphMessageList
		if err := c.getURL(ctx, cred, next, &list); err != nil {
			return nil, fmt.Errorf("listing inbox: %w", err)
		}

		if emit != nil {
			if err := emit(list.Value); err != nil {
				return nil, err
			}
		} else {
			all = append(all, list.Value...)
		}
		next = list.NextLink
	}
	return all, nil
}

// groupByConversation folds a flat message list into conversation pages.
func (c *OutlookClient) groupByConversation(messages []graphMessage) []models.MailboxPage {
	index := make(map[string]int)
	var pages []models.MailboxPage

	for _, gm := range messages {
		if gm.Removed != nil {
			continue
		}
		msg := c.convertMessage(gm)

		key := gm.ConversationID
		if key == "" {
			key = gm.ID
		}
		i, ok := index[key]
		if !ok {
			pages = append(pages, models.MailboxPage{
				ThreadID: key,
				Subject:  msg.Subject,
			})
			i = len(pages) - 1
			index[key] = i
		}
		pages[i].Messages = append(pages[i].Messages, msg)

		for _, addr := range append(append([]string{}, msg.From...), msg.To...) {
			if addr == "" {
				continue
			}
			found := false
			for _, existing := range pages[i].Participants {
				if existing == addr {
					found = true
					break
				}
			}
			if !found {
				pages[i].Participants = append(pages[i].Participants, addr)
			}
		}
	}
	return pages
}

func (c *OutlookClient) convertMessage(gm graphMessage) models.Message {
	msg := models.Message{
		MessageID:    gm.ID,
		AccountEmail: c.email,
		ThreadID:     gm.ConversationID,
		Subject:      gm.Subject,
		Snippet:      gm.BodyPreview,
		Date:         gm.ReceivedDateTime,
		Unread:       !gm.IsRead,
	}
	if msg.ThreadID == "" {
		msg.ThreadID = gm.ID
	}

	if gm.From != nil {
		msg.From = models.StringSlice{formatRecipient(*gm.From)}
	}
	for _, r := range gm.ToRecipients {
		msg.To = append(msg.To, formatRecipient(r))
	}
	for _, r := range gm.CcRecipients {
		msg.Cc = append(msg.Cc, formatRecipient(r))
	}

	if gm.Body != nil {
		if strings.EqualFold(gm.Body.ContentType, "html") {
			msg.HTMLBody = gm.Body.Content
		} else {
			msg.Body = gm.Body.Content
		}
	}
	return msg
}

func formatRecipient(r graphRecipient) string {
	if r.EmailAddress.Name != "" {
		return fmt.Sprintf("%s <%s>", r.EmailAddress.Name, r.EmailAddress.Address)
	}
	return r.EmailAddress.Address
}

// FetchMessage retrieves one full message by Graph message id.
func (c *OutlookClient) FetchMessage(ctx context.Context, cred *models.Credential, messageID string) (*models.Message, error) {
	var gm graphMessage
	if err := c.get(ctx, cred, "/me/messages/"+url.PathEscape(messageID), &gm); err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", messageID, err)
	}
	msg := c.convertMessage(gm)
	return &msg, nil
}

// Send submits the draft through /me/sendMail.
func (c *OutlookClient) Send(ctx context.Context, cred *models.Credential, draft *models.Draft) error {
	toRecipient := func(addr string) graphRecipient {
		var r graphRecipient
		r.EmailAddress.Address = addr
		return r
	}

	content, contentType := draft.TextBody, "Text"
	if draft.HTMLBody != "" {
		content, contentType = draft.HTMLBody, "HTML"
	}

	payload := map[string]interface{}{
		"message": map[string]interface{}{
			"subject": draft.Subject,
			"body": map[string]string{
				"contentType": contentType,
				"content":     content,
			},
			"toRecipients": mapRecipients(draft.To, toRecipient),
			"ccRecipients": mapRecipients(draft.Cc, toRecipient),
		},
		"saveToSentItems": true,
	}

	if err := c.post(ctx, cred, "/me/sendMail", payload, nil); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func mapRecipients(addrs []string, f func(string) graphRecipient) []graphRecipient {
	out := make([]graphRecipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, f(a))
	}
	return out
}

// Archive moves the message into the well-known archive folder.
func (c *OutlookClient) Archive(ctx context.Context, cred *models.Credential, messageID string) error {
	payload := map[string]string{"destinationId": "archive"}
	path := "/me/messages/" + url.PathEscape(messageID) + "/move"
	if err := c.post(ctx, cred, path, payload, nil); err != nil {
		return fmt.Errorf("archiving message %s: %w", messageID, err)
	}
	return nil
}

// DeltaPosition obtains a fresh delta link without downloading the mailbox.
func (c *OutlookClient) DeltaPosition(ctx context.Context, cred *models.Credential) (string, error) {
	u := fmt.Sprintf("%s/me/mailFolders/inbox/messages/delta?$deltatoken=latest", c.baseURL)

	var list graphMessageList
	if err := c.getURL(ctx, cred, u, &list); err != nil {
		return "", fmt.Errorf("seeding delta position: %w", err)
	}
	if list.DeltaLink == "" {
		return "", fmt.Errorf("%w: delta response missing delta link", mailerr.ErrInvalidResponse)
	}
	return list.DeltaLink, nil
}

// FetchDelta resumes the delta query from the stored link. Graph answers 410
// Gone when the link has expired, which maps to ErrStaleCursor.
func (c *OutlookClient) FetchDelta(ctx context.Context, cred *models.Credential, position string) ([]models.MailboxPage, string, error) {
	if !strings.HasPrefix(position, "http") {
		return nil, "", fmt.Errorf("%w: malformed delta link", ErrStaleCursor)
	}

	next := position
	var changed []graphMessage
	var deltaLink string

	for page := 0; next != "" && page < c.tuning.PageCeiling; page++ {
		var list graphMessageList
		if err := c.getURL(ctx, cred, next, &list); err != nil {
			return nil, "", err
		}

		changed = append(changed, list.Value...)
		if list.DeltaLink != "" {
			deltaLink = list.DeltaLink
			break
		}
		next = list.NextLink
	}

	if deltaLink == "" {
		// Ran out of page budget mid-walk; keep the old position so the next
		// pass resumes instead of skipping changes.
		deltaLink = position
	}

	pages := c.groupByConversation(changed)
	c.logger.Debug("Outlook delta for %s: %d changed conversations", c.email, len(pages))
	return pages, deltaLink, nil
}

// get issues a gated GET against a path under the Graph base URL.
func (c *OutlookClient) get(ctx context.Context, cred *models.Credential, path string, result interface{}) error {
	return c.getURL(ctx, cred, c.baseURL+path, result)
}

func (c *OutlookClient) getURL(ctx context.Context, cred *models.Credential, u string, result interface{}) error {
	return gate(ctx, c.limiter, c.email, func() error {
		return c.do(ctx, cred, http.MethodGet, u, nil, result)
	})
}

func (c *OutlookClient) post(ctx context.Context, cred *models.Credential, path string, payload, result interface{}) error {
	return gate(ctx, c.limiter, c.email, func() error {
		return c.do(ctx, cred, http.MethodPost, c.baseURL+path, payload, result)
	})
}

// do issues one Graph request and classifies the response. Callers wrap it
// in gate so the limiter sees every call.
func (c *OutlookClient) do(ctx context.Context, cred *models.Credential, method, u string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classify(resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: decoding response: %v", mailerr.ErrInvalidResponse, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// classify maps a Graph error response onto the shared taxonomy. The delay
// hint for 429 comes from the Retry-After header or, failing that, the error
// body Graph sometimes embeds it in.
func (c *OutlookClient) classify(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var graphErr struct {
		Error struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			RetryAfter string `json:"retryAfterSeconds"`
		} `json:"error"`
	}
	json.Unmarshal(body, &graphErr)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", mailerr.ErrTokenExpired, graphErr.Error.Code)
	case http.StatusTooManyRequests:
		delay, ok := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if !ok {
			delay, _ = ratelimit.ParseRetryAfter(graphErr.Error.RetryAfter, time.Now())
		}
		return &mailerr.RateLimitedError{RetryAfter: delay}
	case http.StatusGone:
		return fmt.Errorf("delta link expired: %w", ErrStaleCursor)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: graph status %d (%s)", mailerr.ErrNetworkFailure, resp.StatusCode, graphErr.Error.Code)
	}
	return fmt.Errorf("%w: graph status %d (%s: %s)", mailerr.ErrInvalidResponse, resp.StatusCode, graphErr.Error.Code, graphErr.Error.Message)
}
