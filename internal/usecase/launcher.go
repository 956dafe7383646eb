package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// DefaultReadyToken is the stdout marker the application prints once it
// has finished starting.
const DefaultReadyToken = "WHIMBOX_READY"

// PIDRecorder persists the PID of the running application across launcher
// restarts.
type PIDRecorder interface {
	Read() int
	Write(pid int) error
	Clear(pid int)
}

// LaunchHandle tracks one launched application process.
type LaunchHandle struct {
	id string

	mu       sync.Mutex
	state    domain.LaunchState
	pid      int
	exitCode int
	err      error

	readyOnce sync.Once
	done      chan struct{}
}

func newLaunchHandle() *LaunchHandle {
	return &LaunchHandle{
		id:       uuid.NewString(),
		state:    domain.LaunchNotLaunched,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// ID is the session identifier carried by every event of this launch.
func (h *LaunchHandle) ID() string { return h.id }

// PID returns the process id, 0 before the process started.
func (h *LaunchHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// State returns the current lifecycle state.
func (h *LaunchHandle) State() domain.LaunchState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the process has exited.
func (h *LaunchHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits or ctx ends. It returns the exit code
// and any error observed while waiting on the process.
func (h *LaunchHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, h.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *LaunchHandle) setState(s domain.LaunchState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != domain.LaunchExited {
		h.state = s
	}
}

func (h *LaunchHandle) active() bool {
	s := h.State()
	return s == domain.LaunchStarting || s == domain.LaunchRunning
}

// ProcessLauncher starts the installed application inside the runtime and
// follows it until it exits. At most one launch is active at a time.
type ProcessLauncher struct {
	store      domain.InstallStateStore
	runtime    RuntimeProber
	starter    domain.ProcessStarter
	pm         domain.ProcessManager
	pidFile    PIDRecorder
	readyToken string
	logger     *zap.Logger

	mu      sync.Mutex
	current *LaunchHandle
}

// NewProcessLauncher creates a launcher. pidFile may be nil; an empty
// readyToken takes DefaultReadyToken.
func NewProcessLauncher(
	store domain.InstallStateStore,
	runtime RuntimeProber,
	starter domain.ProcessStarter,
	pm domain.ProcessManager,
	pidFile PIDRecorder,
	readyToken string,
	logger *zap.Logger,
) *ProcessLauncher {
	if readyToken == "" {
		readyToken = DefaultReadyToken
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessLauncher{
		store:      store,
		runtime:    runtime,
		starter:    starter,
		pm:         pm,
		pidFile:    pidFile,
		readyToken: readyToken,
		logger:     logger,
	}
}

// Launch spawns the installed entry point. It fails without spawning when
// nothing is installed, the runtime probe fails, or another launch is
// still active.
func (l *ProcessLauncher) Launch(ctx context.Context, sink domain.EventSink) (*LaunchHandle, error) {
	const op = "launch"
	if sink == nil {
		sink = domain.NopSink{}
	}

	state := l.store.Load()
	if !state.Installed {
		return nil, domain.Errorf(domain.KindNotInstalled, op, "application is not installed")
	}
	env, err := l.runtime.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkNotRunning(); err != nil {
		return nil, domain.E(domain.KindAlreadyRunning, op, err)
	}

	h := newLaunchHandle()
	h.setState(domain.LaunchStarting)
	spec := domain.CommandSpec{
		Path: env.ScriptPath(state.EntryPoint),
		OnOutput: func(line string, stderr bool) {
			if stderr {
				l.logger.Debug("app stderr", zap.String("session", h.id), zap.String("line", line))
				return
			}
			if strings.Contains(line, l.readyToken) {
				l.markReady(h, sink)
			}
		},
	}

	l.logger.Info("launching application", zap.String("session", h.id),
		zap.String("entry_point", spec.Path), zap.String("version", state.Version))
	proc, err := l.starter.Start(ctx, spec)
	if err != nil {
		h.setState(domain.LaunchNotLaunched)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pid := proc.PID()
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()
	if l.pidFile != nil {
		if err := l.pidFile.Write(pid); err != nil {
			l.logger.Warn("failed to record application pid", zap.Int("pid", pid), zap.Error(err))
		}
	}
	l.current = h

	go l.monitor(h, proc, sink)
	return h, nil
}

// Current returns the most recent launch, nil before the first one.
func (l *ProcessLauncher) Current() *LaunchHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *ProcessLauncher) checkNotRunning() error {
	if l.current != nil && l.current.active() {
		return fmt.Errorf("application already running (session %s, pid %d)", l.current.id, l.current.PID())
	}
	if l.pidFile == nil || l.pm == nil {
		return nil
	}
	if pid := l.pidFile.Read(); pid > 0 && pid != l.pm.GetCurrentPID() && l.pm.IsRunning(pid) {
		return fmt.Errorf("application already running (pid %d)", pid)
	}
	return nil
}

// markReady latches the readiness signal: only the first token counts.
func (l *ProcessLauncher) markReady(h *LaunchHandle, sink domain.EventSink) {
	h.readyOnce.Do(func() {
		h.setState(domain.LaunchRunning)
		l.logger.Info("application ready", zap.String("session", h.id))
		sink.Emit(domain.Event{
			Stage:     domain.StageLaunchStatus,
			Message:   "application started",
			SessionID: h.id,
			State:     domain.LaunchRunning,
		})
	})
}

func (l *ProcessLauncher) monitor(h *LaunchHandle, proc domain.Process, sink domain.EventSink) {
	code, err := proc.Wait()

	h.mu.Lock()
	h.state = domain.LaunchExited
	h.exitCode = code
	h.err = err
	pid := h.pid
	h.mu.Unlock()

	if l.pidFile != nil {
		l.pidFile.Clear(pid)
	}

	fields := []zap.Field{zap.String("session", h.id), zap.Int("pid", pid), zap.Int("exit_code", code)}
	if err != nil {
		l.logger.Error("application wait failed", append(fields, zap.Error(err))...)
	} else {
		l.logger.Info("application exited", fields...)
	}

	exitCode := code
	sink.Emit(domain.Event{
		Stage:     domain.StageLaunchEnd,
		Message:   strconv.Itoa(code),
		ExitCode:  &exitCode,
		IsError:   err != nil,
		SessionID: h.id,
		State:     domain.LaunchExited,
	})
	close(h.done)
}
