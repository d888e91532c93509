package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when the named document has never been written.
var ErrNotFound = errors.New("document not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store defines the interface for persisting the tool's local state.
// State is kept as a small number of named documents (for example
// "profiles.yaml" and "checkpoints.yaml"). Every Save replaces a whole
// document atomically, so a crash mid-write never leaves a document
// partially written.
type Store interface {

	// Load retrieves a document.
	// Returns:
	// - The document contents with their current version.
	// - An error wrapping ErrNotFound if the document does not exist.
	Load(name string) (*VersionedData, error)

	// Save replaces a document. When expectedVersion is not empty the write
	// only succeeds if the stored document still has that version; otherwise
	// a ConcurrencyError is returned.
	// Returns:
	// - The version of the data that was written.
	Save(name string, data []byte, expectedVersion string) (newVersion string, err error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(name string) error

	// Exists checks if a document is present.
	Exists(name string) (bool, error)

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the backend type, see StoreType.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/home/me/.secevents"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend specific settings. The filesystem store reads
	// "base_path"; the S3 store reads the fields of S3Config.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem keeps documents as files below a base directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 keeps documents as objects in an S3 compatible bucket, which
	// lets several workstations share profiles and checkpoints.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	Document        string
	ExpectedVersion string
	ActualVersion   string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected version %s, but found %s",
		e.Document, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err (or anything it wraps) is a version conflict.
func IsConcurrencyError(err error) bool {
	var concErr ConcurrencyError
	return errors.As(err, &concErr)
}
