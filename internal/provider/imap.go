package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/proxy"

	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/ratelimit"
	"mailcore/internal/utils"
)

// IMAPClient serves accounts on plain IMAP/SMTP servers. The credential's
// access token holds the account password (or an XOAUTH2 access token when
// oauth is true) and never expires on its own.
type IMAPClient struct {
	account models.Account
	oauth   bool
	limiter *ratelimit.Limiter
	tuning  Tuning
	logger  *utils.Logger
}

// NewIMAPClient creates a client for a raw IMAP/SMTP account.
func NewIMAPClient(account models.Account, limiter *ratelimit.Limiter, tuning Tuning) *IMAPClient {
	return &IMAPClient{
		account: account,
		limiter: limiter,
		tuning:  tuning,
		logger:  utils.NewLogger("IMAPClient"),
	}
}

func (c *IMAPClient) Kind() models.ProviderKind { return models.ProviderIMAP }

// EnableXOAuth2 switches the client from password login to SASL XOAUTH2,
// for servers that accept OAuth access tokens over IMAP/SMTP.
func (c *IMAPClient) EnableXOAuth2() {
	c.oauth = true
}

// dialer returns the TCP dialer for all IMAP/SMTP connections. The connect
// timeout lives here so a hung socket fails on its own clock, independent of
// any limiter-imposed delay.
func (c *IMAPClient) dialer() *net.Dialer {
	return &net.Dialer{Timeout: c.tuning.NetworkTimeout}
}

// connect dials the IMAP server, optionally through a SOCKS proxy, and
// authenticates the session.
func (c *IMAPClient) connect(cred *models.Credential) (*client.Client, error) {
	serverAddr := fmt.Sprintf("%s:%d", c.account.IMAPServer, c.account.IMAPPort)
	c.logger.Debug("Connecting to IMAP server %s for %s", serverAddr, c.account.EmailAddress)

	var conn *client.Client
	var err error
	netDialer := c.dialer()

	if c.account.Proxy != "" {
		proxyURL, err := url.Parse(c.account.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		dialer, err := proxy.FromURL(proxyURL, netDialer)
		if err != nil {
			return nil, fmt.Errorf("creating proxy dialer: %w", err)
		}

		if c.account.IMAPPort == 993 {
			// TLS has to be layered on top of the proxy tunnel by hand.
			proxyConn, err := dialer.Dial("tcp", serverAddr)
			if err != nil {
				return nil, fmt.Errorf("%w: dialing via proxy: %v", mailerr.ErrNetworkFailure, err)
			}
			tlsConn := tls.Client(proxyConn, &tls.Config{ServerName: c.account.IMAPServer})
			if err := tlsConn.Handshake(); err != nil {
				proxyConn.Close()
				return nil, fmt.Errorf("%w: TLS handshake: %v", mailerr.ErrNetworkFailure, err)
			}
			conn, err = client.New(tlsConn)
			if err != nil {
				tlsConn.Close()
				return nil, fmt.Errorf("%w: creating IMAP client: %v", mailerr.ErrNetworkFailure, err)
			}
		} else {
			conn, err = client.DialWithDialer(dialer, serverAddr)
			if err != nil {
				return nil, fmt.Errorf("%w: dialing via proxy: %v", mailerr.ErrNetworkFailure, err)
			}
		}
	} else if c.account.IMAPPort == 993 {
		conn, err = client.DialWithDialerTLS(netDialer, serverAddr, &tls.Config{ServerName: c.account.IMAPServer})
		if err != nil {
			return nil, fmt.Errorf("%w: dialing with TLS: %v", mailerr.ErrNetworkFailure, err)
		}
	} else {
		conn, err = client.DialWithDialer(netDialer, serverAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: dialing: %v", mailerr.ErrNetworkFailure, err)
		}
	}

	conn.Timeout = c.tuning.NetworkTimeout

	if c.oauth {
		if err := conn.Authenticate(newXOAuth2Client(c.account.EmailAddress, cred.AccessToken)); err != nil {
			conn.Logout()
			return nil, fmt.Errorf("%w: XOAUTH2 authentication: %v", mailerr.ErrTokenExpired, err)
		}
	} else {
		if err := conn.Login(c.account.EmailAddress, cred.AccessToken); err != nil {
			conn.Logout()
			return nil, fmt.Errorf("%w: login rejected: %v", mailerr.ErrAuthenticationRequired, err)
		}
	}
	return conn, nil
}

// Authenticate verifies the stored password against the server. There is no
// interactive flow for raw IMAP; the password arrives via account setup.
func (c *IMAPClient) Authenticate(ctx context.Context) (*models.Credential, *models.AccountProfile, error) {
	return nil, nil, fmt.Errorf("%w: IMAP accounts authenticate with a stored password", mailerr.ErrUnsupported)
}

// VerifyPassword checks a candidate password by opening a session with it.
// Used by account setup in place of the OAuth flow.
func (c *IMAPClient) VerifyPassword(ctx context.Context, password string) (*models.Credential, error) {
	cred := &models.Credential{AccessToken: password}

	err := gate(ctx, c.limiter, c.account.EmailAddress, func() error {
		conn, err := c.connect(cred)
		if err != nil {
			return err
		}
		conn.Logout()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// Refresh is meaningless for password credentials; the stored credential
// stays valid until the server rejects it.
func (c *IMAPClient) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	return nil, fmt.Errorf("%w: IMAP credentials do not refresh", mailerr.ErrUnsupported)
}

// FetchInboxBatch fetches the most recent inbox messages in one session.
func (c *IMAPClient) FetchInboxBatch(ctx context.Context, cred *models.Credential) ([]models.MailboxPage, error) {
	return c.fetchInbox(ctx, cred, time.Time{})
}

// FetchInboxSince fetches inbox messages received after the given instant,
// using SEARCH SINCE so older mail never crosses the wire.
func (c *IMAPClient) FetchInboxSince(ctx context.Context, cred *models.Credential, since time.Time) ([]models.MailboxPage, error) {
	return c.fetchInbox(ctx, cred, since)
}

// FetchInboxStream wraps the batch fetch; IMAP sessions are short-lived so
// pages are delivered once the session completes.
func (c *IMAPClient) FetchInboxStream(ctx context.Context, cred *models.Credential) (<-chan PageResult, error) {
	out := make(chan PageResult)
	go func() {
		defer close(out)
		pages, err := c.fetchInbox(ctx, cred, time.Time{})
		if err != nil {
			select {
			case out <- PageResult{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for i := range pages {
			select {
			case out <- PageResult{Page: &pages[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// fetchInbox runs one IMAP session: select INBOX, pick the sequence range,
// fetch envelopes and bodies, normalize. The whole session counts as one
// call against the limiter.
func (c *IMAPClient) fetchInbox(ctx context.Context, cred *models.Credential, since time.Time) ([]models.MailboxPage, error) {
	var pages []models.MailboxPage

	err := gate(ctx, c.limiter, c.account.EmailAddress, func() error {
		conn, err := c.connect(cred)
		if err != nil {
			return err
		}
		defer conn.Logout()

		mbox, err := conn.Select("INBOX", true)
		if err != nil {
			return fmt.Errorf("%w: selecting INBOX: %v", mailerr.ErrInvalidResponse, err)
		}
		if mbox.Messages == 0 {
			return nil
		}

		seqset := new(imap.SeqSet)
		if !since.IsZero() {
			criteria := imap.NewSearchCriteria()
			criteria.Since = since
			ids, err := conn.Search(criteria)
			if err != nil {
				return fmt.Errorf("%w: SEARCH SINCE: %v", mailerr.ErrInvalidResponse, err)
			}
			if len(ids) == 0 {
				return nil
			}
			seqset.AddNum(ids...)
		} else {
			// Recent window: the last PageSize messages.
			from := uint32(1)
			if int(mbox.Messages) > c.tuning.PageSize {
				from = mbox.Messages - uint32(c.tuning.PageSize) + 1
			}
			seqset.AddRange(from, mbox.Messages)
		}

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{
			imap.FetchEnvelope,
			imap.FetchFlags,
			imap.FetchRFC822Size,
			section.FetchItem(),
		}

		messages := make(chan *imap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- conn.Fetch(seqset, items, messages)
		}()

		for msg := range messages {
			page := c.convertMessage(msg, section)
			if page != nil {
				pages = append(pages, *page)
			}
		}
		if err := <-done; err != nil {
			return fmt.Errorf("%w: fetching messages: %v", mailerr.ErrInvalidResponse, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Fetched %d inbox messages for %s", len(pages), c.account.EmailAddress)
	return pages, nil
}

// convertMessage normalizes one IMAP message. Plain IMAP has no thread
// model, so every message becomes its own single-message page.
func (c *IMAPClient) convertMessage(src *imap.Message, section *imap.BodySectionName) *models.MailboxPage {
	if src == nil || src.Envelope == nil {
		return nil
	}

	msg := models.Message{
		MessageID:    src.Envelope.MessageId,
		AccountEmail: c.account.EmailAddress,
		Subject:      src.Envelope.Subject,
		Date:         src.Envelope.Date,
		Size:         int64(src.Size),
		Unread:       true,
	}
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("%s-%d", src.Envelope.Subject, src.Envelope.Date.Unix())
	}
	msg.ThreadID = msg.MessageID

	for _, flag := range src.Flags {
		if flag == imap.SeenFlag {
			msg.Unread = false
		}
	}

	for _, addr := range src.Envelope.From {
		msg.From = append(msg.From, addr.Address())
	}
	for _, addr := range src.Envelope.To {
		msg.To = append(msg.To, addr.Address())
	}
	for _, addr := range src.Envelope.Cc {
		msg.Cc = append(msg.Cc, addr.Address())
	}

	if body := src.GetBody(section); body != nil {
		text, html := parseBodyParts(body)
		msg.Body = text
		msg.HTMLBody = html
	}

	participants := append(append([]string{}, msg.From...), msg.To...)
	return &models.MailboxPage{
		ThreadID:     msg.ThreadID,
		Subject:      msg.Subject,
		Participants: participants,
		Messages:     []models.Message{msg},
	}
}

// parseBodyParts extracts the first text/plain and text/html parts from a
// raw RFC 5322 body.
func parseBodyParts(body io.Reader) (text, html string) {
	reader, err := mail.CreateReader(body)
	if err != nil {
		return "", ""
	}
	defer reader.Close()

	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch contentType {
		case "text/plain":
			if text == "" {
				text = string(content)
			}
		case "text/html":
			if html == "" {
				html = string(content)
			}
		}
	}
	return text, html
}

// FetchMessage is not expressible: IMAP addresses messages by mailbox
// sequence or UID, not by a globally fetchable id.
func (c *IMAPClient) FetchMessage(ctx context.Context, cred *models.Credential, messageID string) (*models.Message, error) {
	return nil, fmt.Errorf("%w: message fetch by id", mailerr.ErrUnsupported)
}

// Send submits the draft over SMTP.
func (c *IMAPClient) Send(ctx context.Context, cred *models.Credential, draft *models.Draft) error {
	raw, err := buildMIME(c.account.EmailAddress, draft, time.Now())
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", c.account.SMTPServer, c.account.SMTPPort)
	recipients := append(append([]string{}, draft.To...), draft.Cc...)

	tlsConfig := &tls.Config{ServerName: c.account.SMTPServer}

	return gate(ctx, c.limiter, c.account.EmailAddress, func() error {
		var smtpClient *smtp.Client
		if c.account.SMTPPort == 465 {
			conn, err := tls.DialWithDialer(c.dialer(), "tcp", addr, tlsConfig)
			if err != nil {
				return fmt.Errorf("%w: dialing SMTP server: %v", mailerr.ErrNetworkFailure, err)
			}
			smtpClient = smtp.NewClient(conn)
		} else {
			conn, err := c.dialer().Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("%w: dialing SMTP server: %v", mailerr.ErrNetworkFailure, err)
			}
			smtpClient, err = smtp.NewClientStartTLS(conn, tlsConfig)
			if err != nil {
				return fmt.Errorf("%w: SMTP STARTTLS: %v", mailerr.ErrNetworkFailure, err)
			}
		}
		defer smtpClient.Close()

		var auth sasl.Client
		if c.oauth {
			auth = newXOAuth2Client(c.account.EmailAddress, cred.AccessToken)
		} else {
			auth = sasl.NewPlainClient("", c.account.EmailAddress, cred.AccessToken)
		}
		if err := smtpClient.Auth(auth); err != nil {
			return fmt.Errorf("%w: SMTP authentication: %v", mailerr.ErrAuthenticationRequired, err)
		}

		if err := smtpClient.SendMail(c.account.EmailAddress, recipients, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("%w: sending: %v", mailerr.ErrNetworkFailure, err)
		}
		return smtpClient.Quit()
	})
}

// Archive moves the message to the Archive mailbox: find it by Message-ID
// header, COPY it over, flag the original deleted and expunge.
func (c *IMAPClient) Archive(ctx context.Context, cred *models.Credential, messageID string) error {
	return gate(ctx, c.limiter, c.account.EmailAddress, func() error {
		conn, err := c.connect(cred)
		if err != nil {
			return err
		}
		defer conn.Logout()

		if _, err := conn.Select("INBOX", false); err != nil {
			return fmt.Errorf("%w: selecting INBOX: %v", mailerr.ErrInvalidResponse, err)
		}

		criteria := imap.NewSearchCriteria()
		criteria.Header.Set("Message-ID", messageID)
		ids, err := conn.Search(criteria)
		if err != nil {
			return fmt.Errorf("%w: searching message: %v", mailerr.ErrInvalidResponse, err)
		}
		if len(ids) == 0 {
			// Already gone server-side; archiving is idempotent.
			c.logger.Debug("Message %s not found in INBOX, treating archive as done", messageID)
			return nil
		}

		seqset := new(imap.SeqSet)
		seqset.AddNum(ids...)

		if err := conn.Copy(seqset, "Archive"); err != nil {
			return fmt.Errorf("%w: copying to Archive: %v", mailerr.ErrInvalidResponse, err)
		}

		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := conn.Store(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("%w: flagging deleted: %v", mailerr.ErrInvalidResponse, err)
		}
		if err := conn.Expunge(nil); err != nil {
			return fmt.Errorf("%w: expunging: %v", mailerr.ErrInvalidResponse, err)
		}
		return nil
	})
}

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Gmail and
// Outlook IMAP endpoints.
type xoauth2Client struct {
	email       string
	accessToken string
}

func newXOAuth2Client(email, accessToken string) sasl.Client {
	return &xoauth2Client{email: email, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	mech = "XOAUTH2"
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.email, c.accessToken))
	return
}

func (c *xoauth2Client) Next(challenge []byte) (response []byte, err error) {
	// The server sends a base64 JSON error blob on failure; replying with an
	// empty line makes it return the final NO.
	return nil, nil
}

