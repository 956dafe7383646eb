package infra

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() *ProcessManagerImpl {
	return &ProcessManagerImpl{}
}

// IsRunning checks if a PID exists and has not become a zombie.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil {
		// Some platforms cannot read status for foreign processes.
		return true
	}
	return running
}

// Kill terminates a process by PID.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// KillTree kills the descendants of pid depth-first, then pid itself.
// Processes that exit while the tree is walked are ignored.
func (pm *ProcessManagerImpl) KillTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	if children, err := p.Children(); err == nil {
		for _, child := range children {
			_ = pm.KillTree(int(child.Pid))
		}
	}
	if err := p.Kill(); err != nil && pm.IsRunning(pid) {
		return err
	}
	return nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
