package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// commandWaitDelay bounds how long Run waits for output pipes after the
// process has been killed.
const commandWaitDelay = 2 * time.Second

// maxErrorOutput caps the captured output quoted in error messages.
const maxErrorOutput = 2048

// ExecRunner implements domain.CommandRunner with os/exec. On timeout or
// cancellation the whole process tree is killed, not just the direct child.
type ExecRunner struct {
	pm     domain.ProcessManager
	logger *zap.Logger
}

// NewExecRunner creates a runner.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{pm: NewProcessManager(), logger: logger}
}

// NewExecRunnerWithDeps creates a runner with an injected process manager (for testing).
func NewExecRunnerWithDeps(pm domain.ProcessManager, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{pm: pm, logger: logger}
}

// Run executes spec and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, spec domain.CommandSpec) (*domain.CommandResult, error) {
	op := "run " + filepath.Base(spec.Path)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = hiddenAttr()
	cmd.WaitDelay = commandWaitDelay
	cmd.Cancel = func() error {
		return r.pm.KillTree(cmd.Process.Pid)
	}

	var stdout, stderr bytes.Buffer
	outW := newLineWriter(&stdout, spec.OnOutput, false)
	errW := newLineWriter(&stderr, spec.OnOutput, true)
	cmd.Stdout = outW
	cmd.Stderr = errW

	started := time.Now()
	err := cmd.Run()
	outW.Flush()
	errW.Flush()

	result := &domain.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return result, nil
	}

	r.log("command failed", zap.String("path", spec.Path), zap.Strings("args", spec.Args),
		zap.Int("exit_code", result.ExitCode), zap.Duration("elapsed", result.Duration), zap.Error(err))

	switch {
	case spec.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, domain.Errorf(domain.KindTimeout, op, "timed out after %s%s", spec.Timeout, outputTail(result))
	case ctx.Err() != nil:
		return result, fmt.Errorf("%s: %w", op, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, domain.Errorf(domain.KindExternalTool, op, "exited with code %d%s", result.ExitCode, outputTail(result))
	}
	return result, domain.Errorf(domain.KindExternalTool, op, "failed to start: %v", err)
}

func (r *ExecRunner) log(msg string, fields ...zap.Field) {
	if r.logger != nil {
		r.logger.Warn(msg, fields...)
	}
}

// outputTail quotes the end of stderr (or stdout when stderr is empty).
func outputTail(res *domain.CommandResult) string {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	if out == "" {
		return ""
	}
	if len(out) > maxErrorOutput {
		out = "..." + out[len(out)-maxErrorOutput:]
	}
	return ": " + out
}

// lineWriter captures output and hands every complete line to a callback.
type lineWriter struct {
	mu      sync.Mutex
	capture *bytes.Buffer
	pending []byte
	onLine  func(line string, stderr bool)
	stderr  bool
}

func newLineWriter(capture *bytes.Buffer, onLine func(string, bool), stderr bool) *lineWriter {
	return &lineWriter{capture: capture, onLine: onLine, stderr: stderr}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.capture.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.onLine(strings.TrimRight(string(w.pending[:i]), "\r"), w.stderr)
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush delivers a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.pending) > 0 {
		w.onLine(strings.TrimRight(string(w.pending), "\r"), w.stderr)
	}
	w.pending = nil
}

var _ domain.CommandRunner = (*ExecRunner)(nil)
