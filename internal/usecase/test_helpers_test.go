package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// fakeRunner is a test double for domain.CommandRunner. handle decides the
// outcome of each call; the default succeeds with no output.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []domain.CommandSpec
	handle func(spec domain.CommandSpec) (*domain.CommandResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, spec domain.CommandSpec) (*domain.CommandResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, spec)
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		return &domain.CommandResult{}, nil
	}
	return handle(spec)
}

func (r *fakeRunner) Calls() []domain.CommandSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// count returns how many calls had exactly args.
func (r *fakeRunner) count(args ...string) int {
	n := 0
	for _, c := range r.Calls() {
		if slices.Equal(c.Args, args) {
			n++
		}
	}
	return n
}

func isPipProbe(spec domain.CommandSpec) bool {
	return slices.Equal(spec.Args, []string{"-m", "pip", "--version"})
}

func isVersionProbe(spec domain.CommandSpec) bool {
	return slices.Equal(spec.Args, []string{"--version"})
}

func isPipInstall(spec domain.CommandSpec) bool {
	return len(spec.Args) == 5 && spec.Args[2] == "install" && spec.Args[3] == "--force-reinstall"
}

func isInitHook(spec domain.CommandSpec) bool {
	return slices.Equal(spec.Args, []string{"init"})
}

var errExit1 = domain.Errorf(domain.KindExternalTool, "run python", "exited with code 1")

// fakeExtractor creates files in dest instead of unpacking a real archive.
type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	files []string // relative to dest
	err   error
	// partial writes files before failing with err.
	partial bool
}

func (x *fakeExtractor) Extract(ctx context.Context, archive, dest string, sink domain.EventSink) (int, error) {
	x.mu.Lock()
	x.calls++
	x.mu.Unlock()
	if x.err != nil && !x.partial {
		return 0, x.err
	}
	for i, f := range x.files {
		path := filepath.Join(dest, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return i, err
		}
		if err := os.WriteFile(path, []byte(f), 0755); err != nil {
			return i, err
		}
		sink.Emit(domain.Event{Stage: domain.StageExtractProgress, FileName: f, Done: int64(i + 1),
			Total: int64(len(x.files)), Percent: (i + 1) * 100 / len(x.files)})
	}
	if x.err != nil {
		return len(x.files), x.err
	}
	return len(x.files), nil
}

func (x *fakeExtractor) Calls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

// fakeDownloader writes content into dir instead of fetching anything.
type fakeDownloader struct {
	mu      sync.Mutex
	dir     string
	content string
	err     error
	urls    []string
	names   []string
	sums    []string
}

func (d *fakeDownloader) Download(ctx context.Context, url, fileName, checksum string, sink domain.EventSink) (string, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.names = append(d.names, fileName)
	d.sums = append(d.sums, checksum)
	d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	if fileName == "" {
		fileName = filepath.Base(url)
	}
	path := filepath.Join(d.dir, fileName)
	if err := os.WriteFile(path, []byte(d.content), 0644); err != nil {
		return "", err
	}
	sink.Emit(domain.Event{Stage: domain.StageDownloadProgress, FileName: fileName, Percent: 100})
	return path, nil
}

func (d *fakeDownloader) Dir() string { return d.dir }

// memStateStore is an in-memory domain.InstallStateStore.
type memStateStore struct {
	mu    sync.Mutex
	state domain.InstallState
	saves int
}

func (s *memStateStore) Load() domain.InstallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *memStateStore) Save(state domain.InstallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.Valid() {
		return errors.New("invalid state")
	}
	s.state = state
	s.saves++
	return nil
}

func (s *memStateStore) Path() string { return "memory" }

func installed(version string) *memStateStore {
	return &memStateStore{state: domain.InstallState{
		Installed: true, Version: version, PackageName: "whimbox", EntryPoint: "whimbox",
	}}
}

// memHistory records history entries.
type memHistory struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
}

func (h *memHistory) Record(e domain.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) List(limit int) ([]domain.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.entries), nil
}

// fakeProber returns a fixed runtime or error.
type fakeProber struct {
	env   *domain.RuntimeEnvironment
	err   error
	calls int
}

func (p *fakeProber) Detect(ctx context.Context) (*domain.RuntimeEnvironment, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	env := *p.env
	return &env, nil
}

func testRuntime(root string) *domain.RuntimeEnvironment {
	return &domain.RuntimeEnvironment{
		RootDir:                   root,
		ExecutablePath:            filepath.Join(root, "bin", "python3"),
		ScriptsDir:                filepath.Join(root, "bin"),
		Version:                   "3.12.8",
		PackageInstallerAvailable: true,
	}
}

// fakeProcess is a domain.Process whose exit the test controls.
type fakeProcess struct {
	pid  int
	exit chan int
	err  error
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exit, p.err
}

// fakeStarter is a test double for domain.ProcessStarter.
type fakeStarter struct {
	mu     sync.Mutex
	specs  []domain.CommandSpec
	procs  []*fakeProcess
	err    error
	nextID int
}

func (s *fakeStarter) Start(ctx context.Context, spec domain.CommandSpec) (domain.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	s.nextID++
	p := &fakeProcess{pid: 1000 + s.nextID, exit: make(chan int, 1)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeStarter) last() (domain.CommandSpec, *fakeProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[len(s.specs)-1], s.procs[len(s.procs)-1]
}

func (s *fakeStarter) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	runningPIDs map[int]bool
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{runningPIDs: make(map[int]bool)}
}

func (m *mockProcessManager) IsRunning(pid int) bool { return m.runningPIDs[pid] }
func (m *mockProcessManager) Kill(pid int) error     { delete(m.runningPIDs, pid); return nil }
func (m *mockProcessManager) KillTree(pid int) error { return m.Kill(pid) }
func (m *mockProcessManager) GetCurrentPID() int     { return os.Getpid() }

// memPIDFile is an in-memory PIDRecorder.
type memPIDFile struct {
	mu  sync.Mutex
	pid int
}

func (f *memPIDFile) Read() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid
}

func (f *memPIDFile) Write(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pid = pid
	return nil
}

func (f *memPIDFile) Clear(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pid == pid {
		f.pid = 0
	}
}

// fakeSource is a test double for domain.UpdateSource.
type fakeSource struct {
	name string
	desc *domain.UpdateDescriptor
	err  error
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Latest(ctx context.Context) (*domain.UpdateDescriptor, error) {
	return s.desc, s.err
}

// writeFile creates path (and parents) with content.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

var (
	_ domain.CommandRunner     = (*fakeRunner)(nil)
	_ domain.Extractor         = (*fakeExtractor)(nil)
	_ domain.Downloader        = (*fakeDownloader)(nil)
	_ domain.InstallStateStore = (*memStateStore)(nil)
	_ domain.HistoryStore      = (*memHistory)(nil)
	_ domain.ProcessStarter    = (*fakeStarter)(nil)
	_ domain.ProcessManager    = (*mockProcessManager)(nil)
	_ domain.UpdateSource      = (*fakeSource)(nil)
	_ RuntimeProber            = (*fakeProber)(nil)
	_ PIDRecorder              = (*memPIDFile)(nil)
)
