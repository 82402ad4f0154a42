package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := []byte("version = 1\n")
	require.NoError(t, os.WriteFile(path, content, 0600))

	hash1, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	hash2, _, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	require.NoError(t, os.WriteFile(path, []byte("version = 2\n"), 0600))
	hash3, _, err := HashFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestHashFile_Missing(t *testing.T) {
	_, _, err := HashFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWatcher_ReportsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1\n"), 0600))

	w, err := New(path, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("version = 2\n"), 0600))

	select {
	case ch := <-w.Changes():
		assert.Equal(t, w.Path(), ch.Path)
		assert.EqualValues(t, 12, ch.Size)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestWatcher_IgnoresRewriteWithSameContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := []byte("version = 1\n")
	require.NoError(t, os.WriteFile(path, content, 0600))

	w, err := New(path, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	// Touch without changing content.
	require.NoError(t, os.WriteFile(path, content, 0600))

	select {
	case ch := <-w.Changes():
		t.Fatalf("unexpected change reported: %+v", ch)
	case <-time.After(1 * time.Second):
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1\n"), 0600))

	w, err := New(path, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0600))

	select {
	case ch := <-w.Changes():
		t.Fatalf("unexpected change reported: %+v", ch)
	case <-time.After(1 * time.Second):
	}
}

func TestWatcher_CatchesRenameInto(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 1\n"), 0600))

	w, err := New(path, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })

	// The write-temp-then-rename dance.
	tmp := filepath.Join(dir, "config.toml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("version = 2\n"), 0600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}
