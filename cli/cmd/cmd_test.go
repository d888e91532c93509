package cmd

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/secevents"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func resetExtractFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		extractProfile, extractServer, extractUsername = "", "", ""
		extractBegin, extractEnd, extractIncremental = "", "", false
		extractExposureTypes, extractIgnoreSSL, extractTOTP = nil, false, ""
		extractFormat, extractOutput, extractCompress = string(secevents.FormatRaw), "", false
		extractCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	})
}

func TestBuildExtractionRequest(t *testing.T) {
	t.Run("ExplicitRelative", func(t *testing.T) {
		resetExtractFlags(t)
		extractBegin = "3d"
		extractEnd = "2024-05-31"
		extractExposureTypes = []string{"isPublic", "IsPublic", "SharedViaLink"}

		req, err := buildExtractionRequest(extractCmd, testNow)
		require.NoError(t, err)
		assert.Equal(t, secevents.ExplicitWindow{
			Begin: testNow.Add(-72 * time.Hour),
			End:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		}, req.Window)
		assert.Equal(t, []secevents.ExposureType{secevents.ExposureIsPublic, secevents.ExposureSharedViaLink}, req.ExposureTypes)
		assert.Nil(t, req.IgnoreSSL)
	})

	t.Run("Incremental", func(t *testing.T) {
		resetExtractFlags(t)
		extractIncremental = true
		extractProfile = "prod"

		req, err := buildExtractionRequest(extractCmd, testNow)
		require.NoError(t, err)
		assert.Equal(t, secevents.ResumeWindow{}, req.Window)
		assert.Equal(t, "prod", req.Profile)
	})

	t.Run("IgnoreSSLOnlyWhenSet", func(t *testing.T) {
		resetExtractFlags(t)
		extractBegin = "1h"
		require.NoError(t, extractCmd.Flags().Set("ignore-ssl-errors", "true"))

		req, err := buildExtractionRequest(extractCmd, testNow)
		require.NoError(t, err)
		require.NotNil(t, req.IgnoreSSL)
		assert.True(t, *req.IgnoreSSL)
	})

	t.Run("LookbackLimitBoundary", func(t *testing.T) {
		resetExtractFlags(t)
		extractBegin = "90d"

		req, err := buildExtractionRequest(extractCmd, testNow)
		require.NoError(t, err)

		opts := pinClock(secevents.Options{}, testNow)
		assert.NoError(t, secevents.ValidateWindow(req.Window, opts.Clock()))
		assert.ErrorIs(t, secevents.ValidateWindow(req.Window, testNow.Add(time.Millisecond)), secevents.ErrWindowTooOld)
	})

	t.Run("Errors", func(t *testing.T) {
		resetExtractFlags(t)

		_, err := buildExtractionRequest(extractCmd, testNow)
		assert.ErrorIs(t, err, secevents.ErrValidation)

		extractBegin = "yesterday-ish"
		_, err = buildExtractionRequest(extractCmd, testNow)
		assert.ErrorContains(t, err, "invalid --begin")

		extractBegin = "1d"
		extractEnd = "1h"
		extractIncremental = true
		_, err = buildExtractionRequest(extractCmd, testNow)
		assert.ErrorIs(t, err, secevents.ErrConflictingWindow)

		extractIncremental = false
		extractEnd = ""
		extractExposureTypes = []string{"Everywhere"}
		_, err = buildExtractionRequest(extractCmd, testNow)
		assert.ErrorIs(t, err, secevents.ErrValidation)
	})
}

func TestBuildSinkConfig(t *testing.T) {
	resetExtractFlags(t)

	assert.Equal(t, secevents.SinkConfig{Kind: secevents.SinkConsole, Format: secevents.FormatRaw}, buildSinkConfig())

	extractFormat = "JSON"
	extractOutput = "/tmp/events.json"
	extractCompress = true
	assert.Equal(t, secevents.SinkConfig{
		Kind:     secevents.SinkFile,
		Path:     "/tmp/events.json",
		Compress: true,
		Format:   secevents.FormatJSON,
	}, buildSinkConfig())
}

func TestValidateConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   interface{}
		wantErr bool
	}{
		{"state.store_type", "file", false},
		{"state.store_type", "redis", true},
		{"secrets.backend", "keyring", false},
		{"secrets.backend", "plaintext", true},
		{"audit.type", "syslog", false},
		{"log.format", "xml", true},
		{"extract.page_size", 500, false},
		{"extract.page_size", "500", false},
		{"extract.page_size", 0, true},
		{"extract.timeout", "30m", false},
		{"extract.timeout", "soon", true},
		{"log.level", "whatever", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s=%v", tt.key, tt.value), func(t *testing.T) {
			err := validateConfigValue(tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConvertValue(t *testing.T) {
	assert.Equal(t, true, convertValue("yes"))
	assert.Equal(t, false, convertValue("off"))
	assert.Equal(t, 42, convertValue("42"))
	assert.Equal(t, 1.5, convertValue("1.5"))
	assert.Equal(t, "30m", convertValue("30m"))
}

func TestUnsetNestedKey(t *testing.T) {
	config := map[string]interface{}{
		"state": map[string]interface{}{"path": "/x", "store_type": "file"},
	}

	require.NoError(t, unsetNestedKey(config, "state.path"))
	assert.Equal(t, map[string]interface{}{"store_type": "file"}, config["state"])

	assert.Error(t, unsetNestedKey(config, "audit.options.file_path"))
}

func TestSensitiveKeys(t *testing.T) {
	assert.True(t, isSensitiveConfigKey("secrets.passphrase"))
	assert.True(t, isSensitiveConfigKey("state.s3.secret_access_key"))
	assert.False(t, isSensitiveConfigKey("state.s3.bucket"))

	assert.True(t, isSensitiveFlag("totp"))
	assert.False(t, isSensitiveFlag("profile"))

	config := map[string]interface{}{
		"secrets": map[string]interface{}{"passphrase": "hunter2", "backend": "file"},
		"state": map[string]interface{}{
			"s3": map[string]interface{}{"bucket": "events", "secret_access_key": "abc"},
		},
		"api_token": "t0k3n",
	}
	maskSensitiveValues(config)

	secrets, ok := config["secrets"].(map[string]interface{})
	require.True(t, ok, "secrets section kept as a map")
	assert.Equal(t, "[REDACTED]", secrets["passphrase"])
	assert.Equal(t, "file", secrets["backend"])

	state, ok := config["state"].(map[string]interface{})
	require.True(t, ok)
	s3, ok := state["s3"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "events", s3["bucket"])
	assert.Equal(t, "[REDACTED]", s3["secret_access_key"])

	assert.Equal(t, "[REDACTED]", config["api_token"])
}

func TestSkipsInitialization(t *testing.T) {
	assert.True(t, skipsInitialization(configSetCmd))
	assert.True(t, skipsInitialization(completionCmd))
	assert.False(t, skipsInitialization(extractCmd))
	assert.False(t, skipsInitialization(profileListCmd))
	assert.False(t, skipsInitialization(&cobra.Command{Use: "orphan"}))
}

func TestFormatError(t *testing.T) {
	assert.Equal(t, "Error: boom", formatError(errors.New("boom")))
	assert.Contains(t, formatError(fmt.Errorf("login: %w", secevents.ErrMFARequired)), "--totp")
	assert.Contains(t, formatError(secevents.ErrNoDefaultProfile), "profile use")
	assert.Contains(t, formatError(fmt.Errorf("%w: alice", secevents.ErrCredentialNeeded)), "reset-password")
}
