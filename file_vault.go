package secevents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/goccy/go-json"
	"southwinds.dev/secevents/internal/crypto"
	"southwinds.dev/secevents/persist"
)

const (
	secretsDocument   = "secrets.vault"
	fileVaultVersion  = 1
	fileVaultVerifier = "secevents-file-vault"
)

// fileVaultDocument is the persisted form of a FileVault. Every entry is
// sealed with a key derived from the passphrase and Salt; Verifier lets
// Open reject a wrong passphrase before any entry is touched.
type fileVaultDocument struct {
	Version  int               `json:"version"`
	Salt     []byte            `json:"salt"`
	Verifier []byte            `json:"verifier"`
	Entries  map[string][]byte `json:"entries"`
}

// FileVault keeps secrets encrypted in a document of the state store. It is
// meant for hosts without an OS keychain (CI runners, containers). The derived
// key is held in a memguard enclave and only decrypted for the duration of a
// single Get or Set.
type FileVault struct {
	store persist.Store
	key   *memguard.Enclave
	mu    sync.Mutex
}

// NewFileVault opens the vault document in store, creating it on first use.
// The passphrase slice is wiped before returning.
func NewFileVault(store persist.Store, passphrase []byte) (*FileVault, error) {
	defer memguard.WipeBytes(passphrase)

	if len(passphrase) == 0 {
		return nil, validationErrorf("file vault passphrase cannot be empty")
	}

	doc, _, err := loadFileVault(store)
	if err != nil {
		return nil, err
	}

	created := doc == nil
	if created {
		salt, err := crypto.NewSalt()
		if err != nil {
			return nil, err
		}
		doc = &fileVaultDocument{
			Version: fileVaultVersion,
			Salt:    salt,
			Entries: map[string][]byte{},
		}
	}

	keyBuf, err := crypto.DeriveKey(passphrase, doc.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive file vault key: %w", err)
	}

	if created {
		doc.Verifier, err = crypto.EncryptValue([]byte(fileVaultVerifier), keyBuf.Bytes())
		if err != nil {
			keyBuf.Destroy()
			return nil, fmt.Errorf("failed to seal file vault verifier: %w", err)
		}
	} else {
		plain, err := crypto.DecryptValue(doc.Verifier, keyBuf.Bytes())
		if err != nil || string(plain) != fileVaultVerifier {
			keyBuf.Destroy()
			return nil, errors.New("file vault passphrase is incorrect")
		}
	}

	v := &FileVault{
		store: store,
		// Seal destroys keyBuf
		key: keyBuf.Seal(),
	}

	if created {
		if err = v.save(doc, ""); err != nil {
			return nil, err
		}
	}

	return v, nil
}

func (v *FileVault) Get(service, account string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	doc, _, err := loadFileVault(v.store)
	if err != nil {
		return "", false, err
	}
	if doc == nil {
		return "", false, nil
	}

	sealed, ok := doc.Entries[vaultKey(service, account)]
	if !ok {
		return "", false, nil
	}

	keyBuf, err := v.key.Open()
	if err != nil {
		return "", false, fmt.Errorf("failed to open file vault key: %w", err)
	}
	defer keyBuf.Destroy()

	plain, err := crypto.DecryptValue(sealed, keyBuf.Bytes())
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt secret for %s: %w", account, err)
	}
	defer memguard.WipeBytes(plain)

	return string(plain), true, nil
}

func (v *FileVault) Set(service, account, secret string) error {
	keyBuf, err := v.key.Open()
	if err != nil {
		return fmt.Errorf("failed to open file vault key: %w", err)
	}
	sealed, err := crypto.EncryptValue([]byte(secret), keyBuf.Bytes())
	keyBuf.Destroy()
	if err != nil {
		return fmt.Errorf("failed to encrypt secret for %s: %w", account, err)
	}

	return v.mutate("setSecret", func(doc *fileVaultDocument) {
		doc.Entries[vaultKey(service, account)] = sealed
	})
}

func (v *FileVault) Delete(service, account string) error {
	return v.mutate("deleteSecret", func(doc *fileVaultDocument) {
		delete(doc.Entries, vaultKey(service, account))
	})
}

func (v *FileVault) mutate(operation string, fn func(doc *fileVaultDocument)) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return withRetry(context.Background(), operation, func() error {
		doc, version, err := loadFileVault(v.store)
		if err != nil {
			return err
		}
		if doc == nil {
			return storageError("load "+secretsDocument, persist.ErrNotFound)
		}
		fn(doc)
		return v.save(doc, version)
	})
}

func (v *FileVault) save(doc *fileVaultDocument, expectedVersion string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize file vault: %w", err)
	}
	if _, err = v.store.Save(secretsDocument, data, expectedVersion); err != nil {
		return storageError("save "+secretsDocument, err)
	}
	return nil
}

// loadFileVault returns a nil document when the vault was never created
func loadFileVault(store persist.Store) (*fileVaultDocument, string, error) {
	vd, err := store.Load(secretsDocument)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", storageError("load "+secretsDocument, err)
	}

	var doc fileVaultDocument
	if err = json.Unmarshal(vd.Data, &doc); err != nil {
		return nil, "", storageError("decode "+secretsDocument, err)
	}
	if doc.Version != fileVaultVersion {
		return nil, "", storageError("decode "+secretsDocument,
			fmt.Errorf("unsupported file vault version %d", doc.Version))
	}
	if doc.Entries == nil {
		doc.Entries = map[string][]byte{}
	}
	return &doc, vd.Version, nil
}

// NewSecretVault builds the vault selected by backend. The file backend
// keeps its document in store and needs a passphrase.
func NewSecretVault(backend VaultBackend, store persist.Store, passphrase []byte) (SecretVault, error) {
	switch backend {
	case VaultBackendKeyring, "":
		return NewKeyringVault(), nil
	case VaultBackendFile:
		return NewFileVault(store, passphrase)
	case VaultBackendMemory:
		return NewMemoryVault(), nil
	default:
		return nil, validationErrorf("unknown secrets backend %q", backend)
	}
}
