package keys

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Keyring {
	t.Helper()
	k, err := Open(filepath.Join(t.TempDir(), "keyring.yaml"))
	require.NoError(t, err)
	return k
}

func TestKeyring_EmptyFailsClosed(t *testing.T) {
	k := openTemp(t)

	_, _, err := k.CurrentKey()
	require.ErrorIs(t, err, ErrKeyMissing)

	_, err = k.KeyForVersion(1)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyring_RotateDerivesStableKeys(t *testing.T) {
	k := openTemp(t)

	v1, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)
	assert.Equal(t, Version(1), v1)

	cur, key1, err := k.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, v1, cur)
	assert.Len(t, key1, KeySize)

	v2, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)
	assert.Equal(t, Version(2), v2)

	cur, key2, err := k.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, v2, cur)
	assert.NotEqual(t, key1, key2)

	// Old versions stay resolvable after rotation.
	again, err := k.KeyForVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, key1, again)

	// A fresh instance reading the same file derives identical keys.
	other, err := Open(k.Path())
	require.NoError(t, err)
	fromDisk, err := other.KeyForVersion(v1)
	require.NoError(t, err)
	assert.Equal(t, key1, fromDisk)
}

func TestKeyring_ReturnedKeyIsACopy(t *testing.T) {
	k := openTemp(t)
	_, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)

	_, key, err := k.CurrentKey()
	require.NoError(t, err)
	for i := range key {
		key[i] = 0
	}

	_, again, err := k.CurrentKey()
	require.NoError(t, err)
	assert.NotEqual(t, make([]byte, KeySize), again)
}

func TestKeyring_FileHasOwnerOnlyPermissionsAndNoDerivedKey(t *testing.T) {
	k := openTemp(t)
	_, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)

	info, err := os.Stat(k.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(k.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "kdf: hkdf-sha256")
	assert.Contains(t, string(data), "current: 1")
}

func TestKeyring_RetireKeepsVersionForDecryption(t *testing.T) {
	k := openTemp(t)
	v1, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)
	v2, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)

	require.NoError(t, k.Retire(v2))
	cur, _, err := k.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, v1, cur)

	_, err = k.KeyForVersion(v2)
	require.NoError(t, err)

	require.NoError(t, k.Retire(v1))
	_, _, err = k.CurrentKey()
	require.ErrorIs(t, err, ErrKeyMissing)

	require.ErrorIs(t, k.Retire(42), ErrKeyNotFound)

	list := k.List()
	require.Len(t, list, 2)
	assert.True(t, list[0].Retired)
	assert.True(t, list[1].Retired)
}

func TestKeyring_PassphraseVersion(t *testing.T) {
	k := openTemp(t)
	k.getenv = func(name string) string {
		if name == "VAULT_PASS" {
			return "correct horse battery staple"
		}
		return ""
	}
	cheap := &Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1}

	v, err := k.Rotate(RotateOptions{PassphraseEnv: "VAULT_PASS", Argon2: cheap})
	require.NoError(t, err)

	_, key, err := k.CurrentKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	data, err := os.ReadFile(k.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "correct horse")
	assert.Contains(t, string(data), "secret_env: VAULT_PASS")

	_, err = k.Rotate(RotateOptions{PassphraseEnv: "MISSING_PASS"})
	require.Error(t, err)
	cur, _, err := k.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, v, cur, "failed rotation must not change the current version")
}

func TestKeyring_ReloadPicksUpRotationFromAnotherInstance(t *testing.T) {
	server := openTemp(t)
	_, err := server.Rotate(RotateOptions{})
	require.NoError(t, err)

	cli, err := Open(server.Path())
	require.NoError(t, err)
	v2, err := cli.Rotate(RotateOptions{})
	require.NoError(t, err)

	require.NoError(t, server.Reload())
	cur, _, err := server.CurrentKey()
	require.NoError(t, err)
	assert.Equal(t, v2, cur)
}

func TestKeyring_RejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown kdf", "current: 1\nkeys:\n  - version: 1\n    kdf: md5\n    salt: c2FsdHNhbHRzYWx0\n", "unknown kdf"},
		{"current missing", "current: 3\nkeys:\n  - version: 1\n    kdf: hkdf-sha256\n    salt: c2FsdHNhbHRzYWx0\n    secret: c2VjcmV0\n", "not present"},
		{"duplicate", "keys:\n  - version: 1\n    kdf: hkdf-sha256\n    salt: c2FsdA==\n    secret: eA==\n  - version: 1\n    kdf: hkdf-sha256\n    salt: c2FsdA==\n    secret: eA==\n", "duplicate"},
		{"version zero", "keys:\n  - version: 0\n    kdf: hkdf-sha256\n    salt: c2FsdA==\n    secret: eA==\n", "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "keyring.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := Open(path)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %v", err)
		})
	}
}

func TestKeyring_ConcurrentLookups(t *testing.T) {
	k := openTemp(t)
	v, err := k.Rotate(RotateOptions{})
	require.NoError(t, err)

	want, err := k.KeyForVersion(v)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, err := k.KeyForVersion(v)
				if assert.NoError(t, err) {
					assert.Equal(t, want, got)
				}
			}
		}()
	}
	wg.Wait()
}
