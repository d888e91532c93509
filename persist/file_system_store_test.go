package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	}
	testDir := filepath.Join(baseDir, "test-run")

	t.Logf("Configuring FileSystemStore with baseDir: %s", testDir)

	store, err := NewFileSystemStore(testDir)
	require.NoError(t, err)
	defer os.RemoveAll(testDir)

	testStoreImplementation(t, store)
}

func TestFileSystemStorePermissions(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("checkpoints.yaml", []byte("checkpoints: {}\n"), "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(store.BasePath(), "checkpoints.yaml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// no temp files left behind by the atomic replace
	entries, err := os.ReadDir(store.BasePath())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewStoreFactory(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: "redis"})
	assert.ErrorContains(t, err, "unsupported store type")
}
