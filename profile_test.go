package secevents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/secevents/audit"
)

func TestProfileStoreFirstProfileBecomesDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)
	assert.True(t, p.IsDefault)

	def, err := env.profiles.Get(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "acct1", def.Name)
	assert.Equal(t, "https://x.example", def.Server)
	assert.Equal(t, "alice", def.Username)

	for _, name := range []string{"acct2", "acct3", "acct4"} {
		p, err = env.profiles.Create(ctx, name, "x.example", "bob", boolPtr(true))
		require.NoError(t, err)
		assert.False(t, p.IsDefault)
	}

	list, err := env.profiles.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)

	defaults := 0
	for _, p := range list {
		if p.IsDefault {
			defaults++
			assert.Equal(t, "acct1", p.Name)
		}
	}
	assert.Equal(t, 1, defaults)

	// creation order
	assert.Equal(t, []string{"acct1", "acct2", "acct3", "acct4"},
		[]string{list[0].Name, list[1].Name, list[2].Name, list[3].Name})

	isDefault, err := env.profiles.IsDefault(ctx, "acct1")
	require.NoError(t, err)
	assert.True(t, isDefault)

	isDefault, err = env.profiles.IsDefault(ctx, "acct2")
	require.NoError(t, err)
	assert.False(t, isDefault)

	assert.Contains(t, env.audit.actions(), audit.ActionProfileCreate)
}

func TestProfileStoreCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "acct1", "", "alice", nil)
	assert.ErrorIs(t, err, ErrMissingServer)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.profiles.Create(ctx, "acct1", "https://x.example", " ", nil)
	assert.ErrorIs(t, err, ErrMissingUsername)

	_, err = env.profiles.Create(ctx, "", "https://x.example", "alice", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.profiles.Create(ctx, "has space", "https://x.example", "alice", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.profiles.Create(ctx, "../etc", "https://x.example", "alice", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)

	_, err = env.profiles.Create(ctx, "acct1", "https://y.example", "bob", nil)
	assert.ErrorIs(t, err, ErrDuplicateProfile)

	list, err := env.profiles.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "failed creates do not mutate state")
}

func TestProfileStoreGetErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNoDefaultProfile)

	_, err = env.profiles.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	assert.ErrorIs(t, env.profiles.SwitchDefault(ctx, "ghost"), ErrProfileNotFound)
}

func TestProfileStoreUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)

	_, err = env.profiles.Update(ctx, "acct1", ProfileUpdate{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.profiles.Update(ctx, "ghost", ProfileUpdate{Server: strPtr("y.example")})
	assert.ErrorIs(t, err, ErrProfileNotFound)

	p, err := env.profiles.Update(ctx, "acct1", ProfileUpdate{IgnoreSSL: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, p.IgnoreSSLErrors())
	assert.Equal(t, "https://x.example", p.Server, "unset fields are unchanged")
	assert.True(t, p.IsDefault)

	p, err = env.profiles.Update(ctx, "acct1", ProfileUpdate{Server: strPtr("Y.example/")})
	require.NoError(t, err)
	assert.Equal(t, "https://y.example", p.Server)
	assert.True(t, p.IgnoreSSLErrors())

	_, err = env.profiles.Update(ctx, "acct1", ProfileUpdate{Username: strPtr("")})
	assert.ErrorIs(t, err, ErrMissingUsername)
}

func TestProfileStoreUpdateDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Update(ctx, "", ProfileUpdate{Server: strPtr("y.example")})
	assert.ErrorIs(t, err, ErrNoDefaultProfile)

	_, err = env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)
	_, err = env.profiles.Create(ctx, "acct2", "https://z.example", "bob", nil)
	require.NoError(t, err)

	p, err := env.profiles.Update(ctx, "", ProfileUpdate{Server: strPtr("y.example")})
	require.NoError(t, err)
	assert.Equal(t, "acct1", p.Name)
	assert.Equal(t, "https://y.example", p.Server)
	assert.True(t, p.IsDefault)

	other, err := env.profiles.Get(ctx, "acct2")
	require.NoError(t, err)
	assert.Equal(t, "https://z.example", other.Server)
}

func TestProfileStoreUpdateUsernameDropsOrphanedSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, env.profiles.SetPassword(ctx, "acct1", "s3cret"))

	_, err = env.profiles.Update(ctx, "acct1", ProfileUpdate{Username: strPtr("carol")})
	require.NoError(t, err)

	_, ok, err := env.vault.Get(ServiceName, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := env.profiles.HasStoredPassword(ctx, "acct1")
	require.NoError(t, err)
	assert.False(t, has, "the new username needs its own password")
}

func TestProfileStoreDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, env.profiles.SetPassword(ctx, "acct1", "s3cret"))
	require.NoError(t, env.checkpoints.Replace(ctx, "acct1", time.Now()))

	secret, ok, err := env.profiles.StoredPassword(ctx, "acct1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s3cret", secret)

	require.NoError(t, env.profiles.Delete(ctx, "acct1"))

	_, ok, err = env.checkpoints.Get(ctx, "acct1")
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint removed")

	_, ok, err = env.vault.Get(ServiceName, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "secret removed")

	list, err := env.profiles.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.profiles.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNoDefaultProfile)

	assert.ErrorIs(t, env.profiles.Delete(ctx, "acct1"), ErrProfileNotFound)
}

func TestProfileStoreDeleteDropsCheckpointWhenVaultFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, env.profiles.SetPassword(ctx, "acct1", "s3cret"))
	require.NoError(t, env.checkpoints.Replace(ctx, "acct1", time.Now()))

	env.vault.deleteErr = errors.New("keychain locked")
	err = env.profiles.Delete(ctx, "acct1")
	assert.ErrorIs(t, err, ErrStorage)

	_, ok, err := env.checkpoints.Get(ctx, "acct1")
	require.NoError(t, err)
	assert.False(t, ok, "checkpoint removed despite vault failure")

	_, err = env.profiles.Get(ctx, "acct1")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileStoreDeleteKeepsSharedSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "prod", "https://x.example", "alice", nil)
	require.NoError(t, err)
	_, err = env.profiles.Create(ctx, "staging", "https://staging.x.example", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, env.profiles.SetPassword(ctx, "prod", "s3cret"))

	require.NoError(t, env.profiles.Delete(ctx, "prod"))

	secret, ok, err := env.profiles.StoredPassword(ctx, "staging")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s3cret", secret)
}

func TestProfileStoreDeleteDefault(t *testing.T) {
	ctx := context.Background()

	t.Run("SeveralRemain", func(t *testing.T) {
		env := newTestEnv(t)
		for _, name := range []string{"a", "b", "c"} {
			_, err := env.profiles.Create(ctx, name, "https://x.example", name, nil)
			require.NoError(t, err)
		}

		require.NoError(t, env.profiles.Delete(ctx, "a"))
		_, err := env.profiles.Get(ctx, "")
		assert.ErrorIs(t, err, ErrNoDefaultProfile, "no profile is promoted silently")

		require.NoError(t, env.profiles.SwitchDefault(ctx, "c"))
		def, err := env.profiles.Get(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "c", def.Name)
	})

	t.Run("OneRemains", func(t *testing.T) {
		env := newTestEnv(t)
		for _, name := range []string{"a", "b"} {
			_, err := env.profiles.Create(ctx, name, "https://x.example", name, nil)
			require.NoError(t, err)
		}

		require.NoError(t, env.profiles.Delete(ctx, "a"))
		def, err := env.profiles.Get(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "b", def.Name)
	})

	t.Run("NonDefault", func(t *testing.T) {
		env := newTestEnv(t)
		for _, name := range []string{"a", "b", "c"} {
			_, err := env.profiles.Create(ctx, name, "https://x.example", name, nil)
			require.NoError(t, err)
		}

		require.NoError(t, env.profiles.Delete(ctx, "b"))
		def, err := env.profiles.Get(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "a", def.Name)
	})
}

func TestProfileStoreDeleteAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := env.profiles.Create(ctx, name, "https://x.example", "user-"+name, nil)
		require.NoError(t, err)
		require.NoError(t, env.profiles.SetPassword(ctx, name, "pw-"+name))
		require.NoError(t, env.checkpoints.Replace(ctx, name, time.Now()))
	}

	require.NoError(t, env.profiles.DeleteAll(ctx))

	list, err := env.profiles.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	checkpoints, err := env.checkpoints.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
	assert.Equal(t, 0, env.vault.Len())

	// deleting nothing is fine
	require.NoError(t, env.profiles.DeleteAll(ctx))
}

func TestProfileStoreRename(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "old", "https://x.example", "alice", nil)
	require.NoError(t, err)
	_, err = env.profiles.Create(ctx, "other", "https://x.example", "bob", nil)
	require.NoError(t, err)
	marker := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.checkpoints.Replace(ctx, "old", marker))

	_, err = env.profiles.Rename(ctx, "old", "other")
	assert.ErrorIs(t, err, ErrDuplicateProfile)

	_, err = env.profiles.Rename(ctx, "old", "bad name")
	assert.ErrorIs(t, err, ErrValidation)

	p, err := env.profiles.Rename(ctx, "old", "new")
	require.NoError(t, err)
	assert.True(t, p.IsDefault)

	_, err = env.profiles.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	got, ok, err := env.checkpoints.Get(ctx, "new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, marker.Equal(got))
}

func TestProfileStorePasswordNeverPersistedInProfiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.profiles.Create(ctx, "acct1", "https://x.example", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, env.profiles.SetPassword(ctx, "acct1", "hunter2-unique"))
	assert.ErrorIs(t, env.profiles.SetPassword(ctx, "acct1", ""), ErrValidation)

	raw, err := os.ReadFile(filepath.Join(env.store.BasePath(), profilesDocument))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2-unique")
	assert.Contains(t, string(raw), "default_profile: acct1")
}

func TestNormalizeServer(t *testing.T) {
	cases := map[string]string{
		"":                          "",
		"x.example":                 "https://x.example",
		"  X.Example:4285/ ":        "https://x.example:4285",
		"http://x.example":          "http://x.example",
		"HTTPS://x.example/console": "https://x.example/console",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeServer(in), in)
	}
}
