package lib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndCommitNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0600))

	original, err := os.Open(path)
	require.NoError(t, err)
	defer original.Close()

	file, err := WriteNewFile(path, []byte("new"), 0600)
	require.NoError(t, err)
	defer file.Close()

	// not visible until committed
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(content))

	same, err := SameFile(original, path)
	require.NoError(t, err)
	assert.True(t, same)

	require.NoError(t, CommitNewFile(path))
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))

	same, err = SameFile(original, path)
	require.NoError(t, err)
	assert.False(t, same)

	same, err = SameFile(file, path)
	require.NoError(t, err)
	assert.True(t, same)
}

func TestTryLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	first, err := os.Create(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := os.Open(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, LockFile(first))
	assert.ErrorIs(t, TryLockFile(second), ErrMailboxLocked)
	require.NoError(t, UnlockFile(first))
	assert.NoError(t, TryLockFile(second))
	assert.NoError(t, UnlockFile(second))
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0600))

	require.NoError(t, LinkOrCopy(NewTestLogger(t, "link"), dst, src, true))
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(content))

	err = LinkOrCopy(NewTestLogger(t, "link"), filepath.Join(dir, "other"), filepath.Join(dir, "missing"), true)
	assert.ErrorIs(t, err, ErrIO)
}

func TestRemoveEmptyParents(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "keep"), nil, 0600))

	RemoveEmptyParents(deep, root)
	assert.NoDirExists(t, filepath.Join(root, "a", "b"))
	assert.DirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, root)
}
