package secevents

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
	"southwinds.dev/secevents/internal/misc"
)

// ServiceName is the namespace every stored credential lives under.
const ServiceName = misc.ServiceName

// SecretVault stores secrets keyed by (service, account). Implementations must
// never log the secret. Get reports absence with ok == false rather than an
// error, and deleting an absent secret is not an error.
type SecretVault interface {
	Get(service, account string) (secret string, ok bool, err error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// VaultBackend selects a SecretVault implementation
type VaultBackend string

const (
	VaultBackendKeyring VaultBackend = "keyring"
	VaultBackendFile    VaultBackend = "file"
	VaultBackendMemory  VaultBackend = "memory"
)

// KeyringVault keeps secrets in the operating system keychain
// (macOS Keychain, Secret Service on Linux, Windows Credential Manager).
type KeyringVault struct{}

// NewKeyringVault returns a vault backed by the OS keychain
func NewKeyringVault() *KeyringVault {
	return &KeyringVault{}
}

func (k *KeyringVault) Get(service, account string) (string, bool, error) {
	secret, err := keyring.Get(service, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read keychain entry for %s: %w", account, err)
	}
	return secret, true, nil
}

func (k *KeyringVault) Set(service, account, secret string) error {
	if err := keyring.Set(service, account, secret); err != nil {
		return fmt.Errorf("failed to write keychain entry for %s: %w", account, err)
	}
	return nil
}

func (k *KeyringVault) Delete(service, account string) error {
	if err := keyring.Delete(service, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete keychain entry for %s: %w", account, err)
	}
	return nil
}

// MemoryVault holds secrets for the lifetime of the process only
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryVault returns an empty in-process vault
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

func (m *MemoryVault) Get(service, account string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	secret, ok := m.secrets[vaultKey(service, account)]
	return secret, ok, nil
}

func (m *MemoryVault) Set(service, account, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[vaultKey(service, account)] = secret
	return nil
}

func (m *MemoryVault) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, vaultKey(service, account))
	return nil
}

// Len returns the number of stored secrets
func (m *MemoryVault) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}

func vaultKey(service, account string) string {
	return service + "/" + account
}
