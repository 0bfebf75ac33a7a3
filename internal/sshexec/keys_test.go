package sshexec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeypairGeneratesOnFirstStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "mcp_admin_rsa")

	kp, err := EnsureKeypair(path)
	require.NoError(t, err)
	require.NotNil(t, kp.Signer)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "private key must be 0600")

	pub, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pub), "ssh-rsa "))
}

func TestEnsureKeypairReloadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_admin_rsa")

	first, err := EnsureKeypair(path)
	require.NoError(t, err)

	second, err := EnsureKeypair(path)
	require.NoError(t, err)

	assert.Equal(t,
		first.Signer.PublicKey().Marshal(),
		second.Signer.PublicKey().Marshal(),
		"keypair must be stable across restarts")
}

func TestAuthorizedKeysLineCarriesComment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_admin_rsa")
	kp, err := EnsureKeypair(path)
	require.NoError(t, err)

	line := kp.AuthorizedKeysLine("mcp_admin@lares-host")
	assert.True(t, strings.HasSuffix(line, " mcp_admin@lares-host"))
	assert.False(t, strings.Contains(line, "\n"))
}

func TestPoolKeyDefaultsPort(t *testing.T) {
	a := keyFor(Target{Host: "h1", User: "u"})
	b := keyFor(Target{Host: "h1", Port: 22, User: "u"})
	assert.Equal(t, a, b)

	c := keyFor(Target{Host: "h1", Port: 2222, User: "u"})
	assert.NotEqual(t, a, c)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/opt/lares'", shellQuote("/opt/lares"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
