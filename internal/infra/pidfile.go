package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile records the PID of the launched application so a second launcher
// process can tell the application is already running.
type PIDFile struct {
	path string
}

// NewPIDFile creates a PID file handle at path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Read returns the recorded PID, or 0 when absent or unreadable.
func (f *PIDFile) Read() int {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Write records pid.
func (f *PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// Clear removes the file if it still names pid.
func (f *PIDFile) Clear(pid int) {
	if f.Read() == pid {
		_ = os.Remove(f.path)
	}
}
