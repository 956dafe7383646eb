package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(filepath.Base(path)), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestFileSystemManager_ExistsAndDelete(t *testing.T) {
	fm := NewFileSystemManager()
	dir := t.TempDir()

	file := filepath.Join(dir, "a.txt")
	assert.False(t, fm.Exists(file))
	touch(t, file, time.Now())
	assert.True(t, fm.Exists(file))

	require.NoError(t, fm.Delete(file))
	assert.False(t, fm.Exists(file))

	// Deleting something that is not there is fine.
	assert.NoError(t, fm.Delete(file))
}

func TestFileSystemManager_DeleteIsLiteral(t *testing.T) {
	fm := NewFileSystemManager()
	root := t.TempDir()
	const name = "whimbox-1.0.0-py3-none-any.whl"

	target := filepath.Join(root, "app[1]", name)
	sibling := filepath.Join(root, "app1", name)
	touch(t, target, time.Now())
	touch(t, sibling, time.Now())

	require.NoError(t, fm.Delete(target))
	assert.False(t, fm.Exists(target))
	assert.True(t, fm.Exists(sibling))

	pattern := filepath.Join(root, "app1", "*.whl")
	require.NoError(t, fm.Delete(pattern))
	assert.True(t, fm.Exists(sibling))
}

func TestFileSystemManager_DeleteDirectory(t *testing.T) {
	fm := NewFileSystemManager()
	dir := filepath.Join(t.TempDir(), "scripts [beta]")
	touch(t, filepath.Join(dir, "daily.py"), time.Now())
	touch(t, filepath.Join(dir, "events", "fishing.py"), time.Now())

	require.NoError(t, fm.Delete(dir))
	assert.False(t, fm.Exists(dir))
}

func TestFileSystemManager_Copy(t *testing.T) {
	fm := NewFileSystemManager()
	dir := t.TempDir()
	src := filepath.Join(dir, "get-pip.py")
	require.NoError(t, os.WriteFile(src, []byte("print('bootstrap')"), 0644))

	dst := filepath.Join(dir, "runtime", "get-pip.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(t, fm.Copy(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "print('bootstrap')", string(data))

	assert.Error(t, fm.Copy(filepath.Join(dir, "missing.py"), dst))
}

func TestFileSystemManager_HasVisibleEntries(t *testing.T) {
	fm := NewFileSystemManager()

	tests := []struct {
		name  string
		files []string
		want  bool
	}{
		{name: "empty dir", want: false},
		{name: "only dotfiles", files: []string{".DS_Store", ".keep"}, want: false},
		{name: "visible file", files: []string{".keep", "daily.py"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				touch(t, filepath.Join(dir, f), time.Now())
			}
			assert.Equal(t, tt.want, fm.HasVisibleEntries(dir))
		})
	}

	t.Run("missing dir", func(t *testing.T) {
		assert.False(t, fm.HasVisibleEntries(filepath.Join(t.TempDir(), "nope")))
	})
}

func TestFileSystemManager_ListFiles(t *testing.T) {
	fm := NewFileSystemManager()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b-1.0.0-py3-none-any.whl"), time.Now())
	touch(t, filepath.Join(dir, "a-1.0.0-py3-none-any.WHL"), time.Now())
	touch(t, filepath.Join(dir, "notes.txt"), time.Now())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir.whl"), 0755))

	files, err := fm.ListFiles(dir, ".whl")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a-1.0.0-py3-none-any.WHL"),
		filepath.Join(dir, "b-1.0.0-py3-none-any.whl"),
	}, files)

	all, err := fm.ListFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	missing, err := fm.ListFiles(filepath.Join(dir, "nope"), ".whl")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestFileSystemManager_RemoveOlderThan(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	fm := NewFileSystemManagerWithClock(func() time.Time { return now })
	dir := t.TempDir()

	stale := filepath.Join(dir, "old.whl")
	fresh := filepath.Join(dir, "new.whl")
	touch(t, stale, now.Add(-8*24*time.Hour))
	touch(t, fresh, now.Add(-time.Hour))

	removed, err := fm.RemoveOlderThan(dir, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)
	assert.False(t, fm.Exists(stale))
	assert.True(t, fm.Exists(fresh))
}
