package secrets

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailcore"

// KeyringStore persists secrets in the OS keychain, falling back to an
// encrypted file backend on headless systems.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore opens the system keyring.
func NewKeyringStore() (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailcore/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailcore-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// Save stores a secret value by key.
func (s *KeyringStore) Save(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("saving secret %q: %w", key, err)
	}
	return nil
}

// Read retrieves a secret value by key. A missing key returns ("", nil).
func (s *KeyringStore) Read(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Delete removes a secret by key. Deleting a missing key is not an error.
func (s *KeyringStore) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}
