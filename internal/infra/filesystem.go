package infra

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct {
	now func() time.Time
}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() *FileSystemManagerImpl {
	return &FileSystemManagerImpl{now: time.Now}
}

// NewFileSystemManagerWithClock creates a filesystem manager with a fixed clock (for testing).
func NewFileSystemManagerWithClock(now func() time.Time) *FileSystemManagerImpl {
	return &FileSystemManagerImpl{now: now}
}

// Exists checks if a path exists.
func (fm *FileSystemManagerImpl) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes a file or directory recursively. The path is taken
// literally: glob metacharacters are not expanded.
func (fm *FileSystemManagerImpl) Delete(path string) error {
	return os.RemoveAll(path)
}

// Copy copies src to dst atomically.
func (fm *FileSystemManagerImpl) Copy(src, dst string) error {
	return CopyFile(src, dst)
}

// HasVisibleEntries reports whether dir holds anything besides dotfiles.
func (fm *FileSystemManagerImpl) HasVisibleEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			return true
		}
	}
	return false
}

// ListFiles returns regular files in dir ending in ext (case-insensitive),
// sorted by name. A missing dir yields no files.
func (fm *FileSystemManagerImpl) ListFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ext == "" || strings.HasSuffix(strings.ToLower(e.Name()), strings.ToLower(ext)) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// RemoveOlderThan deletes regular files in dir not modified within maxAge.
func (fm *FileSystemManagerImpl) RemoveOlderThan(dir string, maxAge time.Duration) ([]string, error) {
	files, err := fm.ListFiles(dir, "")
	if err != nil {
		return nil, err
	}

	cutoff := fm.now().Add(-maxAge)
	var removed []string
	var lastErr error
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(f); err != nil {
			lastErr = err
			continue
		}
		removed = append(removed, f)
	}
	return removed, lastErr
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
