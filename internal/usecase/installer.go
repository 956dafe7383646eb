package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const (
	// DefaultInstallTimeout bounds the package-installer run.
	DefaultInstallTimeout = 10 * time.Minute
	// DefaultInitTimeout bounds the installed package's init hook.
	DefaultInitTimeout = 5 * time.Minute
	// DefaultArtifactExtension is the artifact file extension.
	DefaultArtifactExtension = ".whl"

	initSubcommand = "init"

	actionInstall       = "install"
	actionManualInstall = "manual-install"
)

// RuntimeProber reports the current runtime without changing it.
type RuntimeProber interface {
	Detect(ctx context.Context) (*domain.RuntimeEnvironment, error)
}

// InstallerOptions tunes a PackageInstaller. Zero values take the defaults.
type InstallerOptions struct {
	Extension      string
	InstallTimeout time.Duration
	InitTimeout    time.Duration
}

// PackageInstaller installs application artifacts into the runtime.
// Installs are serialized: they share one runtime and one state record.
type PackageInstaller struct {
	runtime    RuntimeProber
	downloader domain.Downloader
	runner     domain.CommandRunner
	store      domain.InstallStateStore
	history    domain.HistoryStore
	fs         domain.FileSystemManager
	opts       InstallerOptions
	logger     *zap.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewPackageInstaller creates an installer. history may be nil.
func NewPackageInstaller(
	runtime RuntimeProber,
	downloader domain.Downloader,
	runner domain.CommandRunner,
	store domain.InstallStateStore,
	history domain.HistoryStore,
	fs domain.FileSystemManager,
	opts InstallerOptions,
	logger *zap.Logger,
) *PackageInstaller {
	if opts.Extension == "" {
		opts.Extension = DefaultArtifactExtension
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = DefaultInstallTimeout
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PackageInstaller{
		runtime:    runtime,
		downloader: downloader,
		runner:     runner,
		store:      store,
		history:    history,
		fs:         fs,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// InstallFromSource downloads the artifact (skipped when a local copy
// already matches the checksum) and installs it.
func (p *PackageInstaller) InstallFromSource(ctx context.Context, desc domain.ArtifactDescriptor, sink domain.EventSink) (*domain.InstallResult, error) {
	if sink == nil {
		sink = domain.NopSink{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if desc.LocalPath != "" {
		return p.install(ctx, desc.LocalPath, actionInstall, sink)
	}
	if desc.SourceURL == "" {
		return nil, domain.Errorf(domain.KindNotFound, "install from source", "no update package found")
	}

	p.logger.Info("downloading artifact", zap.String("url", desc.SourceURL), zap.String("file", desc.FileName))
	path, err := p.downloader.Download(ctx, desc.SourceURL, desc.FileName, desc.ExpectedChecksum, sink)
	if err != nil {
		p.record(actionInstall, domain.ParseArtifactName(desc.FileName), err)
		return nil, fmt.Errorf("install from source: %w", err)
	}
	return p.install(ctx, path, actionInstall, sink)
}

// InstallFromLocalArtifact installs an artifact already on disk.
func (p *PackageInstaller) InstallFromLocalArtifact(ctx context.Context, path string, sink domain.EventSink) (*domain.InstallResult, error) {
	if sink == nil {
		sink = domain.NopSink{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.install(ctx, path, actionManualInstall, sink)
}

// InstallManual installs the artifact FindManualArtifact selects.
func (p *PackageInstaller) InstallManual(ctx context.Context, sink domain.EventSink) (*domain.InstallResult, error) {
	path, ok, err := p.FindManualArtifact()
	if err != nil {
		return nil, fmt.Errorf("manual install: %w", err)
	}
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "manual install", "no update package found in %s", p.downloader.Dir())
	}
	return p.InstallFromLocalArtifact(ctx, path, sink)
}

// FindManualArtifact scans the downloads directory for the artifact with
// the highest version strictly newer than the installed one. Files whose
// names do not parse are ignored.
func (p *PackageInstaller) FindManualArtifact() (string, bool, error) {
	files, err := p.fs.ListFiles(p.downloader.Dir(), p.opts.Extension)
	if err != nil {
		return "", false, fmt.Errorf("failed to scan %s: %w", p.downloader.Dir(), err)
	}

	current := p.baselineVersion()
	var best, bestVersion string
	for _, f := range files {
		name := domain.ParseArtifactName(filepath.Base(f))
		if !name.Parsed || !domain.IsNewerVersion(name.Version, current) {
			continue
		}
		if best == "" || domain.CompareVersions(name.Version, bestVersion) > 0 {
			best, bestVersion = f, name.Version
		}
	}
	if best == "" {
		return "", false, nil
	}
	p.logger.Info("manual artifact selected",
		zap.String("path", best), zap.String("version", bestVersion), zap.String("current", current))
	return best, true, nil
}

// baselineVersion is the installed version, or BaselineVersion when
// nothing usable is installed.
func (p *PackageInstaller) baselineVersion() string {
	state := p.store.Load()
	if !state.Installed || state.Version == "" || state.Version == domain.UnknownIdentifier {
		return domain.BaselineVersion
	}
	return state.Version
}

// install runs installer, init hook, state update and cleanup strictly in
// that order. The state record changes only once both subprocesses succeed.
func (p *PackageInstaller) install(ctx context.Context, artifactPath, action string, sink domain.EventSink) (*domain.InstallResult, error) {
	started := p.now()
	fileName := filepath.Base(artifactPath)
	op := "install " + fileName

	if artifactPath == "" || !p.fs.Exists(artifactPath) {
		return nil, domain.Errorf(domain.KindNotFound, "install", "no update package found at %q", artifactPath)
	}

	name := domain.ParseArtifactName(fileName)
	result := &domain.InstallResult{
		Artifact:      name,
		PreviousState: p.store.Load(),
		ArtifactPath:  artifactPath,
	}
	fail := func(err error) (*domain.InstallResult, error) {
		p.record(action, name, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	env, err := p.runtime.Detect(ctx)
	if err != nil {
		return fail(err)
	}

	progress := func(line string, stderr bool) {
		sink.Emit(domain.Event{Stage: domain.StageInstallProgress, Message: line, FileName: fileName, IsError: stderr})
	}

	p.logger.Info("installing artifact", zap.String("path", artifactPath), zap.String("package", name.Name),
		zap.String("version", name.Version), zap.Bool("parsed", name.Parsed))
	sink.Emit(domain.Event{Stage: domain.StageInstallProgress, FileName: fileName, Message: "installing " + fileName})
	res, err := p.runner.Run(ctx, domain.CommandSpec{
		Path:     env.ExecutablePath,
		Args:     []string{"-m", "pip", "install", "--force-reinstall", artifactPath},
		Dir:      env.RootDir,
		Timeout:  p.opts.InstallTimeout,
		OnOutput: progress,
	})
	if res != nil {
		result.Output = res.Stdout
	}
	if err != nil {
		return fail(err)
	}

	if name.Parsed {
		sink.Emit(domain.Event{Stage: domain.StageInstallProgress, FileName: fileName, Message: "initializing " + name.Name})
		if _, err := p.runner.Run(ctx, domain.CommandSpec{
			Path:     env.ScriptPath(name.EntryPoint()),
			Args:     []string{initSubcommand},
			Dir:      env.RootDir,
			Timeout:  p.opts.InitTimeout,
			OnOutput: progress,
		}); err != nil {
			return fail(fmt.Errorf("init hook: %w", err))
		}
	} else {
		warning := fmt.Sprintf("artifact name %q does not follow name-version-tags; recorded as %s and init hook skipped",
			fileName, name)
		p.logger.Warn("artifact name not parsed, init hook skipped", zap.String("file", fileName))
		result.Warnings = append(result.Warnings, warning)
	}

	state := domain.InstallState{
		Installed:   true,
		Version:     name.Version,
		PackageName: name.Name,
		EntryPoint:  name.EntryPoint(),
		InstalledAt: p.now(),
	}
	if err := p.store.Save(state); err != nil {
		return fail(fmt.Errorf("failed to save install state: %w", err))
	}
	result.State = state

	if err := p.fs.Delete(artifactPath); err != nil {
		p.logger.Warn("failed to remove installed artifact", zap.String("path", artifactPath), zap.Error(err))
	}
	result.EvictedPaths = p.evictStale(state)

	result.DurationMs = p.now().Sub(started).Milliseconds()
	p.record(action, name, nil)
	p.logger.Info("install complete", zap.String("package", state.PackageName),
		zap.String("version", state.Version), zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// evictStale removes downloaded artifacts of the installed package that are
// not newer than the installed version.
func (p *PackageInstaller) evictStale(state domain.InstallState) []string {
	files, err := p.fs.ListFiles(p.downloader.Dir(), p.opts.Extension)
	if err != nil {
		p.logger.Warn("failed to scan downloads for stale artifacts", zap.Error(err))
		return nil
	}

	var evicted []string
	for _, f := range files {
		name := domain.ParseArtifactName(filepath.Base(f))
		if !name.Parsed || name.Name != state.PackageName || domain.IsNewerVersion(name.Version, state.Version) {
			continue
		}
		if err := p.fs.Delete(f); err != nil {
			p.logger.Warn("failed to remove stale artifact", zap.String("path", f), zap.Error(err))
			continue
		}
		evicted = append(evicted, f)
	}
	return evicted
}

// record appends to the install history. Failures are logged only.
func (p *PackageInstaller) record(action string, name domain.ArtifactName, installErr error) {
	if p.history == nil {
		return
	}
	entry := domain.HistoryEntry{
		Action:      action,
		PackageName: name.Name,
		Version:     name.Version,
		Success:     installErr == nil,
		RecordedAt:  p.now(),
	}
	if installErr != nil {
		entry.Message = installErr.Error()
	}
	if err := p.history.Record(entry); err != nil {
		p.logger.Warn("failed to record install history", zap.Error(err))
	}
}
