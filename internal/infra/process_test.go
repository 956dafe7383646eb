package infra

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessManager_IsRunning(t *testing.T) {
	pm := NewProcessManager()

	assert.True(t, pm.IsRunning(os.Getpid()))
	assert.False(t, pm.IsRunning(0))
	assert.False(t, pm.IsRunning(-1))
	assert.Equal(t, os.Getpid(), pm.GetCurrentPID())
}

func TestProcessManager_KillTree(t *testing.T) {
	skipOnWindows(t)
	pm := NewProcessManager()

	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & wait")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	// Give the shell time to fork its child.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, pm.KillTree(pid))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process tree survived KillTree")
	}
	assert.False(t, pm.IsRunning(pid))
}
