package sshexec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testComment = "mcp_admin@lares-host"
	testKeyLine = "ssh-rsa AAAAB3NzaCURRENT " + testComment
	oldKeyLine  = "ssh-rsa AAAAB3NzaOLDKEY " + testComment
	userKey     = "ssh-ed25519 AAAA... user@box"
)

func TestMergeIntoEmptyFile(t *testing.T) {
	merged, action := MergeAuthorizedKeys(nil, testKeyLine, testComment, false)

	assert.Equal(t, KeyAdded, action)
	assert.Equal(t, testKeyLine+"\n", string(merged))
	assert.Equal(t, 1, strings.Count(string(merged), "\n"))
}

func TestMergeAppendsAfterForeignKeys(t *testing.T) {
	existing := []byte(userKey + "\n")

	merged, action := MergeAuthorizedKeys(existing, testKeyLine, testComment, true)

	require.Equal(t, KeyAdded, action)
	lines := strings.Split(strings.TrimSpace(string(merged)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, userKey, lines[0])
	assert.Equal(t, testKeyLine, lines[1])
}

func TestMergeIsIdempotent(t *testing.T) {
	merged, action := MergeAuthorizedKeys(nil, testKeyLine, testComment, true)
	require.Equal(t, KeyAdded, action)

	again, action := MergeAuthorizedKeys(merged, testKeyLine, testComment, true)
	assert.Equal(t, KeyUnchanged, action)
	assert.Equal(t, string(merged), string(again))
}

func TestMergeForceReplacesOnlyOwnComment(t *testing.T) {
	existing := []byte(strings.Join([]string{
		"ssh-rsa KEY1 alice@laptop",
		"ssh-rsa KEY2 bob@desktop",
		oldKeyLine,
		"ssh-rsa KEY3 carol@nas",
	}, "\n") + "\n")

	merged, action := MergeAuthorizedKeys(existing, testKeyLine, testComment, true)

	require.Equal(t, KeyReplaced, action)
	lines := strings.Split(strings.TrimSpace(string(merged)), "\n")
	require.Len(t, lines, 4)
	// Non-matching keys keep their order; the current key lands last.
	assert.Equal(t, "ssh-rsa KEY1 alice@laptop", lines[0])
	assert.Equal(t, "ssh-rsa KEY2 bob@desktop", lines[1])
	assert.Equal(t, "ssh-rsa KEY3 carol@nas", lines[2])
	assert.Equal(t, testKeyLine, lines[3])
	assert.NotContains(t, string(merged), "AAAAB3NzaOLDKEY")
}

func TestMergeWithoutForceLeavesStaleKey(t *testing.T) {
	existing := []byte(oldKeyLine + "\n")

	merged, action := MergeAuthorizedKeys(existing, testKeyLine, testComment, false)

	assert.Equal(t, KeyUnchanged, action)
	assert.Contains(t, string(merged), "AAAAB3NzaOLDKEY")
	assert.NotContains(t, string(merged), "AAAAB3NzaCURRENT")
}

func TestMergeSkipsBlankLines(t *testing.T) {
	existing := []byte("\n\n" + userKey + "\n\n")

	merged, action := MergeAuthorizedKeys(existing, testKeyLine, testComment, false)

	require.Equal(t, KeyAdded, action)
	lines := strings.Split(strings.TrimSpace(string(merged)), "\n")
	assert.Len(t, lines, 2)
}

func TestMergeCommentMatchIsExact(t *testing.T) {
	// A key for another server's managed user must not be replaced.
	otherServer := "ssh-rsa OTHERKEY mcp_admin@other-host"
	existing := []byte(otherServer + "\n")

	merged, action := MergeAuthorizedKeys(existing, testKeyLine, testComment, true)

	require.Equal(t, KeyAdded, action)
	assert.Contains(t, string(merged), otherServer)
	assert.Contains(t, string(merged), testKeyLine)
}
