package persist

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = "profiles.yaml"

// Test the Common Store Functionality
func testStoreImplementation(t *testing.T, store Store) {
	firstData := []byte("default_profile: acct1\n")
	secondData := []byte("default_profile: acct2\n")

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType(), "Store type should not be empty")
	})

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load("missing.yaml")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound), "missing document should wrap ErrNotFound, got %v", err)

		exists, err := store.Exists("missing.yaml")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	var firstVersion string
	t.Run("Save", func(t *testing.T) {
		version, err := store.Save(testDocument, firstData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		firstVersion = version
	})

	t.Run("Exists", func(t *testing.T) {
		exists, err := store.Exists(testDocument)
		require.NoError(t, err)
		assert.True(t, exists, "Document should exist after saving")
	})

	t.Run("Load", func(t *testing.T) {
		versionedData, err := store.Load(testDocument)
		require.NoError(t, err)
		assert.Equal(t, firstData, versionedData.Data)
		assert.Equal(t, firstVersion, versionedData.Version)
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	t.Run("SaveWithExpectedVersion", func(t *testing.T) {
		version, err := store.Save(testDocument, secondData, firstVersion)
		require.NoError(t, err)
		assert.NotEqual(t, firstVersion, version)

		loaded, err := store.Load(testDocument)
		require.NoError(t, err)
		assert.Equal(t, secondData, loaded.Data)
	})

	t.Run("SaveWithStaleVersion", func(t *testing.T) {
		_, err := store.Save(testDocument, firstData, firstVersion)
		require.Error(t, err)
		assert.True(t, IsConcurrencyError(err), "stale write should be a concurrency error, got %v", err)

		loaded, err := store.Load(testDocument)
		require.NoError(t, err)
		assert.Equal(t, secondData, loaded.Data, "rejected write must not change the document")
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Save("concurrent.yaml", []byte(fmt.Sprintf("writer: %d\n", i)), "")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		loaded, err := store.Load("concurrent.yaml")
		require.NoError(t, err)
		assert.Regexp(t, `^writer: \d\n$`, string(loaded.Data), "document must hold one complete write")
	})

	t.Run("InvalidName", func(t *testing.T) {
		_, err := store.Save("../escape.yaml", firstData, "")
		assert.Error(t, err)
		_, err = store.Load("")
		assert.Error(t, err)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(testDocument))
		exists, err := store.Exists(testDocument)
		require.NoError(t, err)
		assert.False(t, exists)

		// deleting again is not an error
		assert.NoError(t, store.Delete(testDocument))
		assert.NoError(t, store.Delete("concurrent.yaml"))
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, store.Close())
	})
}
