package persist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"southwinds.dev/secevents/internal/misc"
)

// FileSystemStore implements Store on the local filesystem with optimistic concurrency control.
//
// Layout:
//
//	basePath/
//	├── profiles.yaml      # profile table + default pointer
//	├── checkpoints.yaml   # cursor name -> last insertion timestamp
//	└── secrets.vault      # encrypted secrets (file vault backend only)
type FileSystemStore struct {
	basePath string

	// serializes version check + write within this process
	mu sync.Mutex
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	if err := os.MkdirAll(basePath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	return &FileSystemStore{basePath: basePath}, nil
}

// BasePath returns the directory holding the documents
func (fs *FileSystemStore) BasePath() string {
	return fs.basePath
}

func (fs *FileSystemStore) path(name string) string {
	return filepath.Join(fs.basePath, name)
}

// Load returns a versioned document
func (fs *FileSystemStore) Load(name string) (*VersionedData, error) {
	if err := validateDocumentName(name); err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(fs.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Save with optimistic concurrency control
func (fs *FileSystemStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateDocumentName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("document %s cannot be nil", name)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.path(name))
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				Document:        name,
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
			}
		}
	}

	if err := writeSecureFile(fs.path(name), data, misc.FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) Delete(name string) error {
	if err := validateDocumentName(name); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) Exists(name string) (bool, error) {
	if err := validateDocumentName(name); err != nil {
		return false, err
	}
	return fileExists(fs.path(name))
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the contents is the version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile replaces path atomically. Permissions are applied before any
// data is written since documents may reference credentials.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = t.Cleanup()
	}()

	if err = t.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if _, err = t.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
