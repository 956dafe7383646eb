package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const scriptExtension = ".py"

// ScriptManager keeps the local script bundle in place.
type ScriptManager struct {
	dir        string
	bundleURL  string
	downloader domain.Downloader
	extractor  domain.Extractor
	fs         domain.FileSystemManager
	logger     *zap.Logger
}

// NewScriptManager creates a manager for the scripts in dir.
func NewScriptManager(dir, bundleURL string, downloader domain.Downloader, extractor domain.Extractor, fs domain.FileSystemManager, logger *zap.Logger) *ScriptManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptManager{
		dir:        dir,
		bundleURL:  bundleURL,
		downloader: downloader,
		extractor:  extractor,
		fs:         fs,
		logger:     logger,
	}
}

// Dir returns the scripts directory.
func (m *ScriptManager) Dir() string { return m.dir }

// EnsureScripts downloads and unpacks the bundle unless the scripts
// directory already holds visible entries.
func (m *ScriptManager) EnsureScripts(ctx context.Context, sink domain.EventSink) (*domain.ScriptsResult, error) {
	const op = "sync scripts"
	if sink == nil {
		sink = domain.NopSink{}
	}
	if m.fs.HasVisibleEntries(m.dir) {
		return &domain.ScriptsResult{Skipped: true, Dir: m.dir, Message: "scripts already present"}, nil
	}

	bundle, err := m.downloader.Download(ctx, m.bundleURL, "", "", sink)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := m.fs.Delete(bundle); err != nil {
			m.logger.Warn("failed to remove script bundle", zap.String("path", bundle), zap.Error(err))
		}
	}()

	n, err := m.extractor.Extract(ctx, bundle, m.dir, sink)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sink.Emit(domain.Event{Stage: domain.StageExtractComplete, Message: "scripts extracted", Done: int64(n)})
	m.logger.Info("scripts synced", zap.String("dir", m.dir), zap.Int("files", n))
	return &domain.ScriptsResult{Extracted: n, Dir: m.dir, Message: fmt.Sprintf("%d files extracted", n)}, nil
}

// ListScripts returns the script file names, sorted.
func (m *ScriptManager) ListScripts() ([]string, error) {
	files, err := m.fs.ListFiles(m.dir, scriptExtension)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	sort.Strings(names)
	return names, nil
}

// ClearScripts removes the scripts directory.
func (m *ScriptManager) ClearScripts() error {
	if err := m.fs.Delete(m.dir); err != nil {
		return fmt.Errorf("clear scripts: %w", err)
	}
	return nil
}
