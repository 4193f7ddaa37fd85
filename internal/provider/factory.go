package provider

import (
	"fmt"

	"mailcore/internal/config"
	"mailcore/internal/models"
	"mailcore/internal/ratelimit"
)

// NewClient builds the provider client matching the account's kind.
func NewClient(account models.Account, oauth map[models.ProviderKind]config.OAuthConfig, limiter *ratelimit.Limiter, tuning Tuning) (Client, error) {
	switch account.Provider {
	case models.ProviderGmail:
		cfg, ok := oauth[models.ProviderGmail]
		if !ok {
			return nil, fmt.Errorf("no OAuth configuration for gmail")
		}
		return NewGmailClient(account.EmailAddress, cfg, limiter, tuning), nil
	case models.ProviderOutlook:
		cfg, ok := oauth[models.ProviderOutlook]
		if !ok {
			return nil, fmt.Errorf("no OAuth configuration for outlook")
		}
		return NewOutlookClient(account.EmailAddress, cfg, limiter, tuning), nil
	case models.ProviderIMAP:
		if account.IMAPServer == "" || account.IMAPPort == 0 {
			return nil, fmt.Errorf("account %s is missing IMAP server settings", account.EmailAddress)
		}
		client := NewIMAPClient(account, limiter, tuning)
		if account.UseOAuth {
			client.EnableXOAuth2()
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", account.Provider)
	}
}
