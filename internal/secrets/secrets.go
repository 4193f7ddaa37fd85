// Package secrets persists per-account credentials in an opaque key/value
// store. Keys are scoped per (provider, account email) so multiple accounts
// on the same provider never collide.
package secrets

import (
	"fmt"

	"mailcore/internal/models"
)

// Purposes stored under an account's key scope.
const (
	PurposeAccessToken  = "access_token"
	PurposeRefreshToken = "refresh_token"
	PurposeExpiry       = "token_expiry"
)

// Store is the narrow secret-store contract. Read returns ("", nil) when the
// key is absent; absence is not an error. Writes for the same account key
// must be serialized by the caller.
type Store interface {
	Save(key, value string) error
	Read(key string) (string, error)
	Delete(key string) error
}

// Key builds the scoped storage key for one account and purpose.
func Key(provider models.ProviderKind, email, purpose string) string {
	return fmt.Sprintf("%s:%s:%s", provider, email, purpose)
}

// LegacyKey is the old single-account key scheme (provider-scoped only).
// Honored read-only for migration; new writes always use Key.
func LegacyKey(provider models.ProviderKind, purpose string) string {
	return fmt.Sprintf("%s:%s", provider, purpose)
}
