package provider

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcore/internal/mailerr"
	"mailcore/internal/models"
	"mailcore/internal/ratelimit"
)

func newTestIMAPClient(account models.Account) *IMAPClient {
	return NewIMAPClient(account, ratelimit.New(testLimiterConfig()), testTuning())
}

func TestIMAPDialerCarriesConnectTimeout(t *testing.T) {
	c := newTestIMAPClient(models.Account{
		EmailAddress: "user@example.com",
		IMAPServer:   "imap.example.com",
		IMAPPort:     993,
	})

	// A hung socket must fail on its own clock, independent of backoff.
	assert.Equal(t, testTuning().NetworkTimeout, c.dialer().Timeout)
}

func TestIMAPSendClassifiesDialFailure(t *testing.T) {
	// Reserve a loopback port, then close it so the dial is refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	c := newTestIMAPClient(models.Account{
		EmailAddress: "user@example.com",
		SMTPServer:   "127.0.0.1",
		SMTPPort:     port,
	})

	err = c.Send(context.Background(), &models.Credential{AccessToken: "password"}, &models.Draft{
		To:       []string{"rcpt@example.com"},
		Subject:  "hello",
		TextBody: "body",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, mailerr.ErrNetworkFailure)
}

func TestIMAPFetchMessageUnsupported(t *testing.T) {
	c := newTestIMAPClient(models.Account{EmailAddress: "user@example.com"})

	_, err := c.FetchMessage(context.Background(), &models.Credential{AccessToken: "password"}, "some-id")
	assert.ErrorIs(t, err, mailerr.ErrUnsupported)
}

func TestIMAPRefreshUnsupported(t *testing.T) {
	c := newTestIMAPClient(models.Account{EmailAddress: "user@example.com"})

	_, err := c.Refresh(context.Background(), &models.Credential{AccessToken: "password"})
	assert.ErrorIs(t, err, mailerr.ErrUnsupported)
}
