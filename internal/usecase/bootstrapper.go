package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const (
	// DefaultProbeTimeout bounds the package-installer version probe.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultSetupTimeout bounds the package-installer bootstrap script.
	DefaultSetupTimeout = 120 * time.Second

	siteEnabled  = "import site"
	siteDisabled = "#import site"
)

// RuntimePaths locates the embedded runtime and its bundled resources.
type RuntimePaths struct {
	RootDir         string
	Executable      string
	ScriptsDir      string
	SitePathFile    string // interpreter path configuration, patched to enable site-packages
	Archive         string // bundled runtime archive
	BootstrapScript string // bundled package-installer bootstrap script
}

// RuntimeBootstrapper makes sure a working embedded runtime with a package
// installer exists. EnsureRuntime is idempotent and safe to call
// concurrently: concurrent calls share one pipeline run.
type RuntimeBootstrapper struct {
	paths        RuntimePaths
	runner       domain.CommandRunner
	extractor    domain.Extractor
	fs           domain.FileSystemManager
	probeTimeout time.Duration
	setupTimeout time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	group singleflight.Group
}

// NewRuntimeBootstrapper creates a bootstrapper. Zero timeouts take the defaults.
func NewRuntimeBootstrapper(
	paths RuntimePaths,
	runner domain.CommandRunner,
	extractor domain.Extractor,
	fs domain.FileSystemManager,
	probeTimeout, setupTimeout time.Duration,
	logger *zap.Logger,
) *RuntimeBootstrapper {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	if setupTimeout <= 0 {
		setupTimeout = DefaultSetupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeBootstrapper{
		paths:        paths,
		runner:       runner,
		extractor:    extractor,
		fs:           fs,
		probeTimeout: probeTimeout,
		setupTimeout: setupTimeout,
		logger:       logger,
	}
}

// EnsureRuntime returns a ready runtime, extracting and repairing it as
// needed. Progress is reported to sink; callers that join a run already in
// flight receive its result but not its events.
func (b *RuntimeBootstrapper) EnsureRuntime(ctx context.Context, sink domain.EventSink) (*domain.RuntimeEnvironment, error) {
	if sink == nil {
		sink = domain.NopSink{}
	}
	v, err, shared := b.group.Do("ensure-runtime", func() (any, error) {
		return b.ensure(ctx, sink)
	})
	if shared {
		b.logger.Debug("joined runtime setup already in progress")
	}
	if err != nil {
		return nil, fmt.Errorf("ensure runtime: %w", err)
	}
	env := *v.(*domain.RuntimeEnvironment)
	return &env, nil
}

func (b *RuntimeBootstrapper) ensure(ctx context.Context, sink domain.EventSink) (*domain.RuntimeEnvironment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	exists := b.fs.Exists(b.paths.Executable)
	if exists {
		if env, err := b.probe(ctx); err == nil {
			b.logger.Info("runtime already configured", zap.String("version", env.Version))
			sink.Emit(domain.Event{Stage: domain.StageSetupComplete, Message: "runtime already configured"})
			return env, nil
		}
	}

	sink.Emit(domain.Event{Stage: domain.StageSetupStart, Message: "setting up runtime"})
	if !exists {
		if err := b.extract(ctx, sink); err != nil {
			return nil, err
		}
		// A runtime archive may already ship the installer.
		if env, err := b.probe(ctx); err == nil {
			b.complete(env, sink)
			return env, nil
		}
	}

	if err := b.repair(ctx, sink); err != nil {
		return nil, err
	}
	env, err := b.probe(ctx)
	if err != nil {
		return nil, domain.E(domain.KindSetup, "verify package installer",
			fmt.Errorf("package installer still unavailable after setup: %w", err))
	}
	sink.Emit(domain.Event{Stage: domain.StagePipReady, Message: "package installer ready"})
	b.complete(env, sink)
	return env, nil
}

func (b *RuntimeBootstrapper) complete(env *domain.RuntimeEnvironment, sink domain.EventSink) {
	b.logger.Info("runtime setup complete",
		zap.String("root", env.RootDir), zap.String("version", env.Version))
	sink.Emit(domain.Event{Stage: domain.StageSetupComplete, Message: "runtime setup complete"})
}

func (b *RuntimeBootstrapper) extract(ctx context.Context, sink domain.EventSink) error {
	const op = "extract runtime"
	if !b.fs.Exists(b.paths.Archive) {
		return domain.Errorf(domain.KindPackaging, op, "bundled runtime archive %s is missing", b.paths.Archive)
	}

	b.logger.Info("extracting runtime", zap.String("archive", b.paths.Archive), zap.String("dest", b.paths.RootDir))
	n, err := b.extractor.Extract(ctx, b.paths.Archive, b.paths.RootDir, sink)
	if err != nil {
		b.discardRuntime()
		kind := domain.KindOf(err)
		if kind == domain.KindUnknown || kind == domain.KindNotFound {
			kind = domain.KindSetup
		}
		return domain.E(kind, op, err)
	}
	if !b.fs.Exists(b.paths.Executable) {
		b.discardRuntime()
		return domain.Errorf(domain.KindPackaging, op, "archive %s does not contain %s",
			filepath.Base(b.paths.Archive), filepath.Base(b.paths.Executable))
	}
	sink.Emit(domain.Event{Stage: domain.StageExtractComplete, Message: "runtime extracted", Done: int64(n)})
	return nil
}

// discardRuntime removes a partially extracted runtime so the next run
// extracts again instead of trusting a present executable.
func (b *RuntimeBootstrapper) discardRuntime() {
	if err := b.fs.Delete(b.paths.RootDir); err != nil {
		b.logger.Warn("failed to remove partial runtime",
			zap.String("root", b.paths.RootDir), zap.Error(err))
	}
}

// repair enables site-packages and runs the bundled installer bootstrap
// script from inside the runtime directory.
func (b *RuntimeBootstrapper) repair(ctx context.Context, sink domain.EventSink) error {
	const op = "set up package installer"
	sink.Emit(domain.Event{Stage: domain.StageSetupPip, Message: "configuring package installer"})

	if err := b.enableSitePackages(); err != nil {
		return domain.E(domain.KindSetup, op, err)
	}
	if !b.fs.Exists(b.paths.BootstrapScript) {
		return domain.Errorf(domain.KindPackaging, op, "bundled script %s is missing", b.paths.BootstrapScript)
	}

	script := filepath.Join(b.paths.RootDir, filepath.Base(b.paths.BootstrapScript))
	if err := b.fs.Copy(b.paths.BootstrapScript, script); err != nil {
		return domain.E(domain.KindSetup, op, fmt.Errorf("failed to stage %s: %w", filepath.Base(script), err))
	}
	defer func() {
		if err := b.fs.Delete(script); err != nil {
			b.logger.Warn("failed to remove staged bootstrap script", zap.String("path", script), zap.Error(err))
		}
	}()

	b.logger.Info("running package installer bootstrap", zap.Duration("timeout", b.setupTimeout))
	_, err := b.runner.Run(ctx, domain.CommandSpec{
		Path:    b.paths.Executable,
		Args:    []string{script, "--no-warn-script-location"},
		Dir:     b.paths.RootDir,
		Timeout: b.setupTimeout,
	})
	if err != nil {
		return domain.E(domain.KindOf(err), op, err)
	}
	return nil
}

// enableSitePackages patches the path configuration file: a commented-out
// directive is uncommented, a missing one is appended. Runtimes without
// such a file need no patch.
func (b *RuntimeBootstrapper) enableSitePackages() error {
	if b.paths.SitePathFile == "" {
		return nil
	}
	data, err := os.ReadFile(b.paths.SitePathFile)
	if os.IsNotExist(err) {
		b.logger.Debug("no path configuration file, skipping site patch", zap.String("path", b.paths.SitePathFile))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", b.paths.SitePathFile, err)
	}

	patched, changed := patchSiteDirective(string(data))
	if !changed {
		return nil
	}
	if err := os.WriteFile(b.paths.SitePathFile, []byte(patched), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", b.paths.SitePathFile, err)
	}
	return nil
}

func patchSiteDirective(content string) (string, bool) {
	if strings.Contains(content, siteDisabled) {
		return strings.Replace(content, siteDisabled, siteEnabled, 1), true
	}
	if strings.Contains(content, siteEnabled) {
		return content, false
	}
	return content + "\n" + siteEnabled + "\n", true
}

// Detect probes the runtime without setting anything up.
func (b *RuntimeBootstrapper) Detect(ctx context.Context) (*domain.RuntimeEnvironment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.fs.Exists(b.paths.Executable) {
		return nil, domain.Errorf(domain.KindNotFound, "detect runtime", "runtime executable %s not found", b.paths.Executable)
	}
	env, err := b.probe(ctx)
	if err != nil {
		return nil, domain.E(domain.KindSetup, "detect runtime", err)
	}
	return env, nil
}

// probe checks the package installer, then reads the interpreter version.
func (b *RuntimeBootstrapper) probe(ctx context.Context) (*domain.RuntimeEnvironment, error) {
	if _, err := b.runner.Run(ctx, domain.CommandSpec{
		Path:    b.paths.Executable,
		Args:    []string{"-m", "pip", "--version"},
		Dir:     b.paths.RootDir,
		Timeout: b.probeTimeout,
	}); err != nil {
		return nil, err
	}

	env := &domain.RuntimeEnvironment{
		RootDir:                   b.paths.RootDir,
		ExecutablePath:            b.paths.Executable,
		ScriptsDir:                b.paths.ScriptsDir,
		PackageInstallerAvailable: true,
	}
	res, err := b.runner.Run(ctx, domain.CommandSpec{
		Path:    b.paths.Executable,
		Args:    []string{"--version"},
		Dir:     b.paths.RootDir,
		Timeout: b.probeTimeout,
	})
	if err != nil {
		b.logger.Warn("failed to read runtime version", zap.Error(err))
		return env, nil
	}
	env.Version = parseRuntimeVersion(res.Stdout + res.Stderr)
	return env, nil
}

// parseRuntimeVersion turns "Python 3.12.8" into "3.12.8".
func parseRuntimeVersion(out string) string {
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		return fields[1]
	}
	return strings.TrimSpace(out)
}
