package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// stateRecord is the on-disk shape of the install record. installedAt is
// kept as unix milliseconds so existing state files stay readable.
type stateRecord struct {
	Installed   bool   `json:"installed"`
	Version     string `json:"version"`
	PackageName string `json:"packageName"`
	EntryPoint  string `json:"entryPoint"`
	InstalledAt int64  `json:"installedAt"`
}

// FileStateStore implements domain.InstallStateStore using a JSON file.
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStateStore creates a store backed by path.
func NewFileStateStore(path string, logger *zap.Logger) *FileStateStore {
	return &FileStateStore{path: path, logger: logger}
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Load reads the record. Missing, corrupt and invariant-violating files all
// read as "not installed".
func (s *FileStateStore) Load() domain.InstallState {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.warn("state file unreadable, treating as not installed", zap.Error(err))
		}
		return domain.InstallState{}
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.warn("state file corrupt, treating as not installed", zap.Error(err))
		return domain.InstallState{}
	}

	state := domain.InstallState{
		Installed:   rec.Installed,
		Version:     rec.Version,
		PackageName: rec.PackageName,
		EntryPoint:  rec.EntryPoint,
	}
	if rec.InstalledAt > 0 {
		state.InstalledAt = time.UnixMilli(rec.InstalledAt)
	}
	if !state.Valid() {
		s.warn("state file names an incomplete install, treating as not installed",
			zap.String("version", rec.Version), zap.String("package", rec.PackageName))
		return domain.InstallState{}
	}
	return state
}

// Save replaces the whole record atomically (write + rename).
func (s *FileStateStore) Save(state domain.InstallState) error {
	if !state.Valid() {
		return fmt.Errorf("refusing to save incomplete install state for %q", state.PackageName)
	}

	rec := stateRecord{
		Installed:   state.Installed,
		Version:     state.Version,
		PackageName: state.PackageName,
		EntryPoint:  state.EntryPoint,
	}
	if !state.InstalledAt.IsZero() {
		rec.InstalledAt = state.InstalledAt.UnixMilli()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode install state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write install state: %w", err)
	}
	return nil
}

func (s *FileStateStore) warn(msg string, fields ...zap.Field) {
	if s.logger != nil {
		s.logger.Warn(msg, append(fields, zap.String("path", s.path))...)
	}
}

var _ domain.InstallStateStore = (*FileStateStore)(nil)
