package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	logger, err := NewLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	fl, ok := logger.(*FileLogger)
	require.True(t, ok)
	t.Cleanup(func() { _ = fl.Close() })
	return fl, path
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	fl, path := newTestFileLogger(t)

	require.NoError(t, fl.Log(ActionProfileCreate, true, map[string]interface{}{
		"profile": "acct1",
		"server":  "https://x.example",
	}))
	require.NoError(t, fl.Log(ActionCheckpointAdvance, true, map[string]interface{}{
		"profile": "acct1",
		"cursor":  "acct1",
		"run_id":  "run-1",
	}))
	require.NoError(t, fl.Log(ActionAuthFailure, false, map[string]interface{}{
		"profile": "acct2",
		"error":   "credentials rejected",
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	t.Run("All", func(t *testing.T) {
		result, err := fl.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, result.TotalCount)
		assert.Len(t, result.Events, 3)
	})

	t.Run("ByProfile", func(t *testing.T) {
		result, err := fl.Query(QueryOptions{Profile: "acct1"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		for _, e := range result.Events {
			assert.Equal(t, "acct1", e.Profile)
		}
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		result, err := fl.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, ActionAuthFailure, result.Events[0].Action)
		assert.Equal(t, "credentials rejected", result.Events[0].Error)
	})

	t.Run("WellKnownKeysLifted", func(t *testing.T) {
		result, err := fl.Query(QueryOptions{RunID: "run-1"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "acct1", result.Events[0].Cursor)
		assert.Nil(t, result.Events[0].Metadata)
	})

	t.Run("LimitAndOffset", func(t *testing.T) {
		result, err := fl.Query(QueryOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.True(t, result.HasMore)

		result, err = fl.Query(QueryOptions{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)
	})

	t.Run("Since", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		result, err := fl.Query(QueryOptions{Since: &future})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	})
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	fl, _ := newTestFileLogger(t)

	require.NoError(t, fl.Log(ActionCommandStart, true, nil))
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Log(ActionCommandComplete, true, nil))

	result, err := fl.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestNewLoggerDisabled(t *testing.T) {
	logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	_, err = NewLogger(&Config{Enabled: true, Type: "database"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.ErrorContains(t, err, "file_path is required")
}
