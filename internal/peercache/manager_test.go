package peercache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakit/otakit/internal/peercache"
)

func newManager(t *testing.T) *peercache.FileManager {
	t.Helper()

	dir := t.TempDir()
	m, err := peercache.NewFileManager(filepath.Join(dir, "cache"), filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func TestFileIDIsContentDerived(t *testing.T) {
	a := peercache.FileID([]byte{1, 2, 3}, 100)
	b := peercache.FileID([]byte{1, 2, 3}, 100)
	c := peercache.FileID([]byte{1, 2, 3}, 101)
	d := peercache.FileID([]byte{1, 2, 4}, 100)

	assert.Equal(t, a, b, "same payload must map to the same id")
	assert.NotEqual(t, a, c, "size is part of the identity")
	assert.NotEqual(t, a, d, "hash is part of the identity")
}

func TestFileShareAllocatesFullSize(t *testing.T) {
	m := newManager(t)
	id := peercache.FileID([]byte{7}, 4096)

	require.NoError(t, m.FileShare(id, 4096))

	path := m.FileGetPath(id)
	require.NotEmpty(t, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size(), "file must be pre-sized to the payload size")

	visible, err := m.FileGetVisible(id)
	require.NoError(t, err)
	assert.False(t, visible, "new files start out invisible")
}

func TestFileShareKeepsExistingFile(t *testing.T) {
	m := newManager(t)
	id := peercache.FileID([]byte{7}, 64)

	require.NoError(t, m.FileShare(id, 64))
	path := m.FileGetPath(id)

	// Simulate a resumed attempt: content already written, visibility
	// flipped.
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))
	require.NoError(t, m.FileMakeVisible(id))

	require.NoError(t, m.FileShare(id, 64))

	visible, err := m.FileGetVisible(id)
	require.NoError(t, err)
	assert.True(t, visible, "re-sharing the same payload must not reset visibility")
}

func TestVisibilityLifecycle(t *testing.T) {
	m := newManager(t)
	id := peercache.FileID([]byte{9}, 10)

	_, err := m.FileGetVisible(id)
	assert.ErrorIs(t, err, peercache.ErrFileNotFound)

	require.NoError(t, m.FileShare(id, 10))
	require.NoError(t, m.FileMakeVisible(id))

	visible, err := m.FileGetVisible(id)
	require.NoError(t, err)
	assert.True(t, visible)
}

func TestFileDelete(t *testing.T) {
	m := newManager(t)
	id := peercache.FileID([]byte{5}, 32)

	require.NoError(t, m.FileShare(id, 32))
	path := m.FileGetPath(id)
	require.NotEmpty(t, path)

	require.NoError(t, m.FileDelete(id))

	assert.Empty(t, m.FileGetPath(id))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting again is not an error.
	assert.NoError(t, m.FileDelete(id))
}

func TestFileGetPathUnknownID(t *testing.T) {
	m := newManager(t)
	assert.Empty(t, m.FileGetPath("cros_au:deadbeef:1"))
}
