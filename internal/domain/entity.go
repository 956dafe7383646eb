// Package domain contains core business entities and interfaces.
// This is the innermost layer: it depends on no other package of the launcher.
package domain

import (
	"path/filepath"
	"runtime"
	"time"
)

// InstallState is the durable record of the installed application.
// It is the sole source of truth for "is the app installed and what version".
type InstallState struct {
	Installed   bool
	Version     string
	PackageName string
	EntryPoint  string
	InstalledAt time.Time
}

// Valid reports whether the record honours its invariant: an installed
// record always names a version, a package and an entry point.
func (s InstallState) Valid() bool {
	if !s.Installed {
		return true
	}
	return s.Version != "" && s.PackageName != "" && s.EntryPoint != ""
}

// RuntimeEnvironment describes the embedded language runtime.
type RuntimeEnvironment struct {
	RootDir                   string
	ExecutablePath            string
	ScriptsDir                string
	Version                   string
	PackageInstallerAvailable bool
}

// ScriptPath returns the path of an installed console entry point inside
// the runtime's script directory.
func (e RuntimeEnvironment) ScriptPath(entryPoint string) string {
	name := entryPoint
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(e.ScriptsDir, name)
}

// ArtifactDescriptor is the input of an install operation. Either SourceURL
// or LocalPath is set. ExpectedChecksum is an optional MD5 hex digest.
type ArtifactDescriptor struct {
	SourceURL        string
	LocalPath        string
	FileName         string
	ExpectedChecksum string
}

// UpdateDescriptor is the remote update record {version, url, checksum}.
type UpdateDescriptor struct {
	Version  string `json:"version"`
	URL      string `json:"url"`
	Checksum string `json:"md5"`
	FileName string `json:"file_name,omitempty"`
}

// Artifact converts the remote record into an install input.
func (u UpdateDescriptor) Artifact() ArtifactDescriptor {
	return ArtifactDescriptor{
		SourceURL:        u.URL,
		FileName:         u.FileName,
		ExpectedChecksum: u.Checksum,
	}
}

// InstallResult captures what happened during a single install.
type InstallResult struct {
	Artifact      ArtifactName
	PreviousState InstallState
	State         InstallState
	ArtifactPath  string
	Output        string
	Warnings      []string
	EvictedPaths  []string
	DurationMs    int64
}

// LaunchState is the lifecycle state of one launch session.
type LaunchState int

const (
	LaunchNotLaunched LaunchState = iota
	LaunchStarting
	LaunchRunning
	LaunchExited
)

// String returns the state name used in logs and CLI output.
func (s LaunchState) String() string {
	switch s {
	case LaunchNotLaunched:
		return "not-launched"
	case LaunchStarting:
		return "starting"
	case LaunchRunning:
		return "running"
	case LaunchExited:
		return "exited"
	default:
		return "unknown"
	}
}

// HistoryEntry is one install attempt recorded for the history command.
type HistoryEntry struct {
	ID          int64
	Action      string // "install", "manual-install"
	PackageName string
	Version     string
	Success     bool
	Message     string
	RecordedAt  time.Time
}

// ScriptsResult reports the outcome of a script bundle sync.
type ScriptsResult struct {
	Skipped   bool
	Extracted int
	Dir       string
	Message   string
}

// SubscribedScript is one entry of the remote subscription list.
type SubscribedScript struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
	MD5     string `json:"md5,omitempty"`
}

// CommandSpec describes a subprocess invocation.
type CommandSpec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration // zero means no timeout

	// OnOutput, when set, receives every complete output line.
	OnOutput func(line string, stderr bool)
}

// CommandResult is the captured outcome of a finished command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
