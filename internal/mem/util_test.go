package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	level, err := Lock()
	require.NoError(t, err)
	assert.Contains(t, []ProtectionLevel{ProtectionPartial, ProtectionFull}, level)

	if level == ProtectionFull {
		assert.NoError(t, Unlock())
	}
}

func TestProtectionLevelString(t *testing.T) {
	assert.Equal(t, "none", ProtectionNone.String())
	assert.Equal(t, "partial", ProtectionPartial.String())
	assert.Equal(t, "full", ProtectionFull.String())
	assert.Equal(t, "ProtectionLevel(7)", ProtectionLevel(7).String())
}
