package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikkigallery/whimbox-launcher/internal/config"
	"github.com/nikkigallery/whimbox-launcher/internal/domain"
	"github.com/nikkigallery/whimbox-launcher/internal/infra"
	"github.com/nikkigallery/whimbox-launcher/internal/remote"
	"github.com/nikkigallery/whimbox-launcher/internal/usecase"
)

// app wires the services for one CLI invocation.
type app struct {
	layout  *infra.Layout
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger

	fs         *infra.FileSystemManagerImpl
	store      *infra.FileStateStore
	downloader *infra.HTTPDownloader
	extractor  *infra.ArchiveExtractor
	secrets    *infra.EncryptedStore // nil when the encrypted store cannot be opened

	bootstrapper *usecase.RuntimeBootstrapper
	installer    *usecase.PackageInstaller
	launcher     *usecase.ProcessLauncher
	scripts      *usecase.ScriptManager
	api          *remote.Client
	checker      *usecase.UpdateChecker
}

func newApp() (*app, error) {
	layout, err := resolveLayout()
	if err != nil {
		return nil, err
	}

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath(layout.AppDir)
	}
	cfg, err := config.Load(layout.AppDir, cfgPath)
	if err != nil {
		return nil, err
	}

	layout.Override(infra.LayoutOverrides{
		RuntimeDir:      cfg.Runtime.Dir,
		RuntimeArchive:  cfg.Runtime.Archive,
		BootstrapScript: cfg.Runtime.BootstrapScript,
		DownloadsDir:    cfg.Download.Dir,
		ScriptsDir:      cfg.Scripts.Dir,
	})
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}

	logger := createLogger(layout.DataDir, cfg.Log, verbose)
	a := &app{layout: layout, cfg: cfg, cfgPath: cfgPath, logger: logger}

	a.fs = infra.NewFileSystemManager()
	a.store = infra.NewFileStateStore(layout.StatePath, logger)
	a.downloader = infra.NewHTTPDownloader(layout.DownloadsDir, cfg.Download.RequestTimeout, logger)
	a.extractor = infra.NewArchiveExtractor(logger)
	runner := infra.NewExecRunner(logger)
	pm := infra.NewProcessManager()

	if key, err := infra.EnsureKey(infra.NewFileKeyProvider(layout.DataDir)); err != nil {
		logger.Warn("secret key unavailable, login and history disabled", zap.Error(err))
	} else if a.secrets, err = infra.NewEncryptedStore(layout.DataDir, key); err != nil {
		logger.Warn("encrypted store unavailable, login and history disabled", zap.Error(err))
	}

	a.bootstrapper = usecase.NewRuntimeBootstrapper(usecase.RuntimePaths{
		RootDir:         layout.RuntimeDir,
		Executable:      layout.RuntimeExe,
		ScriptsDir:      layout.RuntimeBinDir,
		SitePathFile:    layout.SitePathFile,
		Archive:         layout.RuntimeArchive,
		BootstrapScript: layout.BootstrapPath,
	}, runner, a.extractor, a.fs, cfg.Runtime.ProbeTimeout, cfg.Runtime.SetupTimeout, logger)

	var history domain.HistoryStore
	if a.secrets != nil {
		history = a.secrets
	}
	a.installer = usecase.NewPackageInstaller(a.bootstrapper, a.downloader, runner, a.store, history, a.fs,
		usecase.InstallerOptions{
			Extension:      cfg.Download.Extension,
			InstallTimeout: cfg.Launch.InstallTimeout,
			InitTimeout:    cfg.Launch.InitTimeout,
		}, logger)
	a.launcher = usecase.NewProcessLauncher(a.store, a.bootstrapper, infra.NewDetachedStarter(logger), pm,
		infra.NewPIDFile(layout.PIDPath), cfg.Launch.ReadyToken, logger)
	a.scripts = usecase.NewScriptManager(layout.ScriptsDir, cfg.Scripts.BundleURL, a.downloader, a.extractor, a.fs, logger)

	var sources []domain.UpdateSource
	if a.secrets != nil {
		a.api = remote.NewClient(cfg.API.BaseURL, cfg.API.Timeout, a.secrets, logger)
		sources = append(sources, a.api)
	}
	if cfg.Update.UseCustomURL {
		sources = append(sources, infra.NewCustomURLSource(cfg.Update.CustomURL))
	}
	if cfg.Update.GithubRepo != "" {
		sources = append(sources, infra.NewGitHubReleaseSource(cfg.Update.GithubRepo))
	}
	a.checker = usecase.NewUpdateChecker(a.store, logger, sources...)
	return a, nil
}

func (a *app) close() {
	if a.secrets != nil {
		if err := a.secrets.Close(); err != nil {
			a.logger.Warn("failed to close encrypted store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) requireSecrets() error {
	if a.secrets == nil {
		return fmt.Errorf("encrypted store unavailable; see %s", filepath.Join(a.layout.DataDir, "launcher.log"))
	}
	return nil
}

func resolveLayout() (*infra.Layout, error) {
	if appDir != "" {
		abs, err := filepath.Abs(appDir)
		if err != nil {
			return nil, fmt.Errorf("invalid --app-dir: %w", err)
		}
		return infra.NewLayout(abs), nil
	}
	if dir := os.Getenv("WHIMBOX_APP_DIR"); dir != "" {
		return infra.NewLayout(dir), nil
	}
	return infra.DetectLayout()
}

func createLogger(dataDir string, cfg config.LogConfig, dev bool) *zap.Logger {
	if dev {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	logFile := cfg.File
	if logFile == "" {
		logFile = filepath.Join(dataDir, "launcher.log")
	}
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{logFile}
	zcfg.ErrorOutputPaths = []string{filepath.Join(filepath.Dir(logFile), "launcher.error.log")}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
