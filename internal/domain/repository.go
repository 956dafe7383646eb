package domain

import (
	"context"
	"time"
)

// InstallStateStore persists the singleton install record.
// Implementation: human-readable JSON file under the app-data directory.
type InstallStateStore interface {
	// Load returns the stored record. A missing, unreadable or invalid file
	// yields the zero (not installed) record, never an error.
	Load() InstallState

	// Save fully overwrites the stored record.
	Save(state InstallState) error

	// Path returns the state file path.
	Path() string
}

// Downloader fetches a remote resource into the downloads directory.
type Downloader interface {
	// Download stores url as fileName and returns the local path. When a file
	// of that name already exists and its MD5 equals checksum, no request is
	// issued. Progress is reported as download-progress events.
	Download(ctx context.Context, url, fileName, checksum string, sink EventSink) (string, error)

	// Dir returns the downloads directory.
	Dir() string
}

// Extractor unpacks an archive into a directory.
type Extractor interface {
	// Extract unpacks archive into dest and returns the number of files
	// written. Progress is reported as extract-progress events.
	Extract(ctx context.Context, archive, dest string, sink EventSink) (int, error)
}

// CommandRunner runs a subprocess to completion.
// Implementation: os/exec with process-tree termination on timeout.
type CommandRunner interface {
	// Run executes spec. A timeout yields a KindTimeout error and a non-zero
	// exit a KindExternalTool error; both still return the captured result.
	Run(ctx context.Context, spec CommandSpec) (*CommandResult, error)
}

// Process is a started subprocess.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// ProcessStarter spawns long-running, console-detached processes.
type ProcessStarter interface {
	Start(ctx context.Context, spec CommandSpec) (Process, error)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Kill terminates a process by PID.
	Kill(pid int) error

	// KillTree terminates a process and all of its descendants.
	KillTree(pid int) error

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	Exists(path string) bool

	// Delete removes a file or directory recursively. path is literal,
	// never a pattern.
	Delete(path string) error

	// Copy copies a regular file, replacing dst atomically.
	Copy(src, dst string) error

	// HasVisibleEntries reports whether dir contains any entry whose name
	// does not start with a dot.
	HasVisibleEntries(dir string) bool

	// ListFiles returns the regular files in dir with the given extension.
	ListFiles(dir, ext string) ([]string, error)

	// RemoveOlderThan deletes regular files in dir last modified before
	// now-maxAge and returns their paths.
	RemoveOlderThan(dir string, maxAge time.Duration) ([]string, error)
}

// SecretStore keeps API tokens encrypted at rest.
type SecretStore interface {
	GetSecret(name string) (string, error)
	SetSecret(name, value string) error
	DeleteSecret(name string) error
}

// HistoryStore records install attempts.
type HistoryStore interface {
	Record(entry HistoryEntry) error

	// List returns the newest entries first, at most limit (0 means all).
	List(limit int) ([]HistoryEntry, error)
}

// KeyProvider supplies the encryption key of the local secret database.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}

// UpdateSource resolves the latest published application artifact.
type UpdateSource interface {
	Latest(ctx context.Context) (*UpdateDescriptor, error)
	Name() string
}
