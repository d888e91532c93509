package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateDocumentName keeps document names usable as file names and object keys
func validateDocumentName(name string) error {
	if name == "" {
		return fmt.Errorf("document name cannot be empty")
	}

	if strings.Contains(name, "..") ||
		strings.Contains(name, "/") ||
		strings.Contains(name, "\\") ||
		strings.Contains(name, " ") {
		return fmt.Errorf("document name contains invalid characters")
	}

	if len(name) > 100 {
		return fmt.Errorf("document name too long (max 100 characters)")
	}

	return nil
}
