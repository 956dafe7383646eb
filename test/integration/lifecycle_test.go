//go:build integration && !windows

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
	"github.com/nikkigallery/whimbox-launcher/internal/infra"
	"github.com/nikkigallery/whimbox-launcher/internal/usecase"
	"github.com/nikkigallery/whimbox-launcher/test/fixtures"
)

// stack is the launcher wired over real infrastructure in a temp app dir.
type stack struct {
	layout       *infra.Layout
	fake         *fixtures.FakeRuntime
	store        *infra.FileStateStore
	downloader   *infra.HTTPDownloader
	bootstrapper *usecase.RuntimeBootstrapper
	installer    *usecase.PackageInstaller
	launcher     *usecase.ProcessLauncher
}

func newStack(appDir string) *stack {
	layout := infra.NewLayout(appDir)
	Expect(layout.EnsureDirs()).To(Succeed())

	fs := infra.NewFileSystemManager()
	runner := infra.NewExecRunner(nil)
	extractor := infra.NewArchiveExtractor(nil)
	s := &stack{
		layout:     layout,
		fake:       fixtures.NewFakeRuntime(appDir),
		store:      infra.NewFileStateStore(layout.StatePath, nil),
		downloader: infra.NewHTTPDownloader(layout.DownloadsDir, 5*time.Second, nil),
	}
	s.bootstrapper = usecase.NewRuntimeBootstrapper(usecase.RuntimePaths{
		RootDir:         layout.RuntimeDir,
		Executable:      layout.RuntimeExe,
		ScriptsDir:      layout.RuntimeBinDir,
		SitePathFile:    layout.SitePathFile,
		Archive:         layout.RuntimeArchive,
		BootstrapScript: layout.BootstrapPath,
	}, runner, extractor, fs, 5*time.Second, 10*time.Second, nil)
	s.installer = usecase.NewPackageInstaller(s.bootstrapper, s.downloader, runner, s.store, nil, fs,
		usecase.InstallerOptions{}, nil)
	s.launcher = usecase.NewProcessLauncher(s.store, s.bootstrapper, infra.NewDetachedStarter(nil),
		infra.NewProcessManager(), infra.NewPIDFile(layout.PIDPath), "", nil)
	return s
}

var _ = Describe("Launcher lifecycle", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		tmpDir string
		s      *stack
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "whimbox-integration-*")
		Expect(err).NotTo(HaveOccurred())
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)

		s = newStack(tmpDir)
		Expect(s.fake.CreateBundle(s.layout.RuntimeArchive, s.layout.BootstrapPath)).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		os.RemoveAll(tmpDir)
	})

	Describe("EnsureRuntime", func() {
		Context("on a fresh application directory", func() {
			It("should extract the runtime and bootstrap the installer", func() {
				rec := &domain.Recorder{}
				env, err := s.bootstrapper.EnsureRuntime(ctx, rec)
				Expect(err).NotTo(HaveOccurred())

				Expect(env.Version).To(Equal("3.12.8"))
				Expect(env.PackageInstallerAvailable).To(BeTrue())
				Expect(env.ExecutablePath).To(Equal(s.layout.RuntimeExe))

				stages := rec.Stages()
				Expect(stages[0]).To(Equal(domain.StageSetupStart))
				Expect(stages).To(ContainElements(
					domain.StageExtractProgress, domain.StageExtractComplete,
					domain.StageSetupPip, domain.StagePipReady))
				Expect(stages[len(stages)-1]).To(Equal(domain.StageSetupComplete))

				pth, err := os.ReadFile(s.layout.SitePathFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(pth)).To(ContainSubstring("\nimport site"))
				Expect(string(pth)).NotTo(ContainSubstring("#import site"))
				Expect(filepath.Join(s.layout.RuntimeDir, "get-pip.py")).NotTo(BeAnExistingFile())
			})
		})

		Context("when the runtime is already configured", func() {
			It("should only report completion", func() {
				_, err := s.bootstrapper.EnsureRuntime(ctx, nil)
				Expect(err).NotTo(HaveOccurred())

				rec := &domain.Recorder{}
				_, err = s.bootstrapper.EnsureRuntime(ctx, rec)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Stages()).To(Equal([]domain.Stage{domain.StageSetupComplete}))
			})
		})

		Context("when the bundled archive is missing", func() {
			It("should fail with a packaging error", func() {
				Expect(os.Remove(s.layout.RuntimeArchive)).To(Succeed())

				_, err := s.bootstrapper.EnsureRuntime(ctx, nil)
				Expect(err).To(MatchError(domain.ErrPackaging))
			})
		})
	})

	Describe("Install", func() {
		BeforeEach(func() {
			_, err := s.bootstrapper.EnsureRuntime(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		Context("with a local artifact", func() {
			It("should install, run the init hook and record the state", func() {
				path, err := s.fake.WriteWheel(s.layout.DownloadsDir, "whimbox-1.2.0-py3-none-any.whl", 0)
				Expect(err).NotTo(HaveOccurred())

				result, err := s.installer.InstallFromLocalArtifact(ctx, path, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.State.Version).To(Equal("1.2.0"))
				Expect(result.Output).To(ContainSubstring("Successfully installed whimbox"))

				Expect(s.fake.Initialized(s.layout.RuntimeDir)).To(BeTrue())
				Expect(path).NotTo(BeAnExistingFile())

				reloaded := infra.NewFileStateStore(s.layout.StatePath, nil).Load()
				Expect(reloaded.Installed).To(BeTrue())
				Expect(reloaded.Version).To(Equal("1.2.0"))
				Expect(reloaded.EntryPoint).To(Equal("whimbox"))
			})
		})

		Context("when the installer rejects the artifact", func() {
			It("should leave the previous state file untouched", func() {
				good, err := s.fake.WriteWheel(s.layout.DownloadsDir, "whimbox-1.0.0-py3-none-any.whl", 0)
				Expect(err).NotTo(HaveOccurred())
				_, err = s.installer.InstallFromLocalArtifact(ctx, good, nil)
				Expect(err).NotTo(HaveOccurred())
				before, err := os.ReadFile(s.layout.StatePath)
				Expect(err).NotTo(HaveOccurred())

				bad, err := s.fake.WriteBrokenWheel(s.layout.DownloadsDir, "whimbox-1.1.0-py3-none-any.whl")
				Expect(err).NotTo(HaveOccurred())
				_, err = s.installer.InstallFromLocalArtifact(ctx, bad, nil)
				Expect(err).To(MatchError(domain.ErrExternalTool))
				Expect(err.Error()).To(ContainSubstring("not a valid wheel"))

				after, err := os.ReadFile(s.layout.StatePath)
				Expect(err).NotTo(HaveOccurred())
				Expect(after).To(Equal(before))
				Expect(bad).To(BeAnExistingFile())
			})
		})

		Context("from a remote source", func() {
			It("should download the artifact and install it", func() {
				const name = "whimbox-1.3.0-py3-none-any.whl"
				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Path != "/releases/"+name {
						http.NotFound(w, r)
						return
					}
					w.Write([]byte(fixtures.WheelBody(0)))
				}))
				defer server.Close()

				checker := usecase.NewUpdateChecker(s.store, nil, infra.NewCustomURLSource(server.URL+"/releases/"+name))
				check, err := checker.Check(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(check.HasUpdate).To(BeTrue())
				Expect(check.Remote).To(Equal("1.3.0"))

				rec := &domain.Recorder{}
				result, err := s.installer.InstallFromSource(ctx, check.Descriptor.Artifact(), rec)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.State.Version).To(Equal("1.3.0"))
				Expect(rec.Stages()).To(ContainElements(domain.StageDownloadProgress, domain.StageInstallProgress))

				check, err = checker.Check(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(check.HasUpdate).To(BeFalse())
			})
		})

		Context("with a manually placed artifact", func() {
			It("should pick the newest version", func() {
				for _, v := range []string{"1.0.0", "1.2.0", "1.1.5"} {
					_, err := s.fake.WriteWheel(s.layout.DownloadsDir, "whimbox-"+v+"-py3-none-any.whl", 0)
					Expect(err).NotTo(HaveOccurred())
				}

				result, err := s.installer.InstallManual(ctx, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.State.Version).To(Equal("1.2.0"))

				entries, err := os.ReadDir(s.layout.DownloadsDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})
	})

	Describe("Launch", func() {
		install := func(exitCode int) {
			_, err := s.bootstrapper.EnsureRuntime(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			path, err := s.fake.WriteWheel(s.layout.DownloadsDir, "whimbox-1.2.0-py3-none-any.whl", exitCode)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.installer.InstallFromLocalArtifact(ctx, path, nil)
			Expect(err).NotTo(HaveOccurred())
		}

		Context("when nothing is installed", func() {
			It("should refuse to launch", func() {
				_, err := s.launcher.Launch(ctx, nil)
				Expect(err).To(MatchError(domain.ErrNotInstalled))
			})
		})

		Context("when the application is installed", func() {
			It("should report readiness once and the exit code", func() {
				install(0)

				rec := &domain.Recorder{}
				h, err := s.launcher.Launch(ctx, rec)
				Expect(err).NotTo(HaveOccurred())
				Expect(h.PID()).To(BeNumerically(">", 0))

				code, err := h.Wait(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(code).To(Equal(0))

				events := rec.Events()
				Expect(events).To(HaveLen(2))
				Expect(events[0].Stage).To(Equal(domain.StageLaunchStatus))
				Expect(events[1].Stage).To(Equal(domain.StageLaunchEnd))
				Expect(events[1].Message).To(Equal("0"))
				Expect(events[0].SessionID).To(Equal(h.ID()))
				Expect(events[1].SessionID).To(Equal(h.ID()))

				Expect(infra.NewPIDFile(s.layout.PIDPath).Read()).To(Equal(0))
			})

			It("should report a non-zero exit code", func() {
				install(4)

				rec := &domain.Recorder{}
				h, err := s.launcher.Launch(ctx, rec)
				Expect(err).NotTo(HaveOccurred())
				code, err := h.Wait(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(code).To(Equal(4))

				events := rec.Events()
				Expect(events).NotTo(BeEmpty())
				last := events[len(events)-1]
				Expect(last.Message).To(Equal("4"))
				Expect(*last.ExitCode).To(Equal(4))
			})

			It("should refuse a second launch while the first is running", func() {
				install(0)

				h, err := s.launcher.Launch(ctx, nil)
				Expect(err).NotTo(HaveOccurred())
				_, err = s.launcher.Launch(ctx, nil)
				Expect(err).To(MatchError(domain.ErrAlreadyRunning))

				_, err = h.Wait(ctx)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})
})
