package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name under which secrets are stored in
// the OS keyring (Secret Service, Keychain or Credential Manager).
const KeyringService = "echoclaw"

// Keyring stores secrets in the OS keyring.
type Keyring struct {
	service string
}

// NewKeyring returns a keyring client for KeyringService.
func NewKeyring() *Keyring {
	return &Keyring{service: KeyringService}
}

// Set stores a secret.
func (k *Keyring) Set(name, value string) error {
	return keyring.Set(k.service, name, value)
}

// Get returns a secret, or "" when it is absent or the keyring is not
// reachable.
func (k *Keyring) Get(name string) string {
	v, err := keyring.Get(k.service, name)
	if err != nil {
		return ""
	}
	return v
}

// Delete removes a secret. A missing secret is not an error.
func (k *Keyring) Delete(name string) error {
	err := keyring.Delete(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// Available probes the keyring with a write and delete.
func (k *Keyring) Available() bool {
	const probe = "__echoclaw_probe__"
	if err := keyring.Set(k.service, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(k.service, probe)
	return true
}
