// Package infra implements infrastructure concerns (state file, downloads,
// archives, subprocesses, encrypted secrets).
package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Bundled resource and directory names, relative to the application directory.
const (
	dataDirName      = "app-data"
	stateFileName    = "app-status.json"
	launchPIDName    = "launch.pid"
	downloadsDirName = "downloads"
	scriptsDirName   = "scripts"
	assetsDirName    = "assets"
	runtimeDirName   = "python-embedded"

	RuntimeArchiveName = "python-3.12.8-embed-amd64.zip"
	BootstrapScript    = "get-pip.py"
	sitePathFileName   = "python312._pth"
)

// Layout holds every filesystem location the launcher touches. All paths
// derive from a single application directory so tests can root the whole
// tree in a temp dir.
type Layout struct {
	AppDir string

	DataDir      string // app-data: state file, logs, secrets
	StatePath    string
	PIDPath      string
	DownloadsDir string
	ScriptsDir   string

	RuntimeDir     string
	RuntimeExe     string
	RuntimeBinDir  string // where console entry points land
	SitePathFile   string
	RuntimeArchive string // bundled resource
	BootstrapPath  string // bundled resource
}

// NewLayout derives the layout from appDir.
func NewLayout(appDir string) *Layout {
	dataDir := filepath.Join(appDir, dataDirName)
	l := &Layout{
		AppDir:         appDir,
		DataDir:        dataDir,
		StatePath:      filepath.Join(dataDir, stateFileName),
		PIDPath:        filepath.Join(dataDir, launchPIDName),
		DownloadsDir:   filepath.Join(appDir, downloadsDirName),
		ScriptsDir:     filepath.Join(appDir, scriptsDirName),
		RuntimeArchive: filepath.Join(appDir, assetsDirName, RuntimeArchiveName),
		BootstrapPath:  filepath.Join(appDir, assetsDirName, BootstrapScript),
	}
	l.setRuntimeDir(filepath.Join(appDir, runtimeDirName))
	return l
}

// LayoutOverrides replaces individual locations; empty fields keep the default.
type LayoutOverrides struct {
	RuntimeDir      string
	RuntimeArchive  string
	BootstrapScript string
	DownloadsDir    string
	ScriptsDir      string
}

// Override applies o. Relative paths resolve against AppDir.
func (l *Layout) Override(o LayoutOverrides) *Layout {
	if o.RuntimeDir != "" {
		l.setRuntimeDir(l.resolve(o.RuntimeDir))
	}
	if o.RuntimeArchive != "" {
		l.RuntimeArchive = l.resolve(o.RuntimeArchive)
	}
	if o.BootstrapScript != "" {
		l.BootstrapPath = l.resolve(o.BootstrapScript)
	}
	if o.DownloadsDir != "" {
		l.DownloadsDir = l.resolve(o.DownloadsDir)
	}
	if o.ScriptsDir != "" {
		l.ScriptsDir = l.resolve(o.ScriptsDir)
	}
	return l
}

func (l *Layout) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.AppDir, p)
}

// setRuntimeDir derives the interpreter locations. The embeddable
// distribution is flat on Windows; a POSIX runtime tree keeps its
// interpreter and scripts under bin/.
func (l *Layout) setRuntimeDir(dir string) {
	l.RuntimeDir = dir
	l.SitePathFile = filepath.Join(dir, sitePathFileName)
	if runtime.GOOS == "windows" {
		l.RuntimeExe = filepath.Join(dir, "python.exe")
		l.RuntimeBinDir = filepath.Join(dir, "Scripts")
	} else {
		l.RuntimeExe = filepath.Join(dir, "bin", "python3")
		l.RuntimeBinDir = filepath.Join(dir, "bin")
	}
}

// DetectLayout roots the layout at the directory holding the running binary.
func DetectLayout() (*Layout, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return NewLayout(filepath.Dir(exe)), nil
}

// EnsureDirs creates the writable directories.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.DataDir, l.DownloadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
