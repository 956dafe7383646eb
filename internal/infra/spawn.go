package infra

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const maxOutputLine = 1024 * 1024

// DetachedStarter implements domain.ProcessStarter. Children run in their
// own session (no console window on Windows) and outlive the context that
// started them; their stdout and stderr are piped back line by line.
type DetachedStarter struct {
	logger *zap.Logger
}

// NewDetachedStarter creates a starter.
func NewDetachedStarter(logger *zap.Logger) *DetachedStarter {
	return &DetachedStarter{logger: logger}
}

// Start spawns spec. Failing to start is a KindExternalTool error.
func (s *DetachedStarter) Start(ctx context.Context, spec domain.CommandSpec) (domain.Process, error) {
	op := "start " + filepath.Base(spec.Path)
	if err := ctx.Err(); err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = detachedAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.E(domain.KindExternalTool, op, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.E(domain.KindExternalTool, op, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.Errorf(domain.KindExternalTool, op, "failed to start: %v", err)
	}

	p := &spawnedProcess{cmd: cmd}
	p.readers.Add(2)
	go p.pump(stdout, spec.OnOutput, false)
	go p.pump(stderr, spec.OnOutput, true)

	if s.logger != nil {
		s.logger.Info("process started",
			zap.String("path", spec.Path), zap.Strings("args", spec.Args), zap.Int("pid", cmd.Process.Pid))
	}
	return p, nil
}

type spawnedProcess struct {
	cmd     *exec.Cmd
	readers sync.WaitGroup
}

func (p *spawnedProcess) PID() int {
	return p.cmd.Process.Pid
}

// Wait drains both pipes, then reaps the process. A non-zero exit is
// reported through the code, not as an error.
func (p *spawnedProcess) Wait() (int, error) {
	p.readers.Wait()
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return code, err
	}
	return code, nil
}

func (p *spawnedProcess) pump(r io.Reader, onLine func(string, bool), isStderr bool) {
	defer p.readers.Done()
	if onLine == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxOutputLine)
	for sc.Scan() {
		onLine(strings.TrimRight(sc.Text(), "\r"), isStderr)
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

var _ domain.ProcessStarter = (*DetachedStarter)(nil)
