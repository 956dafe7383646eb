// Package main is the CLI entry point for the whimbox launcher.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nikkigallery/whimbox-launcher/internal/config"
	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

// execute runs the CLI with args and returns the process exit code. The app
// is closed whether or not the command succeeded.
func execute(args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if current != nil {
		current.close()
		current = nil
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "whimbox-launcher",
	Short: "Installs, updates and launches Whimbox",
	Long: `whimbox-launcher manages an embedded Python runtime, installs and
updates the Whimbox package inside it, and launches the application.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Set up the embedded runtime",
	Long:  `Extracts the bundled runtime if needed and makes sure its package installer works. Safe to run repeatedly.`,
	RunE:  runSetup,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show install and runtime status",
	RunE:  runStatus,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a package from a URL or a local file",
	Long: `Installs a package artifact into the runtime. With --url the artifact is
downloaded first (skipped when a local copy matches --md5). With --file a
local artifact is installed directly.`,
	RunE: runInstall,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for a newer release and install it",
	RunE:  runUpdate,
}

var manualUpdateCmd = &cobra.Command{
	Use:   "manual-update",
	Short: "Install the newest artifact found in the downloads directory",
	RunE:  runManualUpdate,
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch the installed application",
	Long: `Launches the installed application and follows it until it exits.
Interrupting the launcher stops following; the application keeps running.`,
	RunE: runLaunch,
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Manage the script bundle",
}

var scriptsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download the script bundle if no scripts are present",
	RunE:  runScriptsSync,
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local scripts",
	RunE:  runScriptsList,
}

var scriptsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all local scripts",
	RunE:  runScriptsClear,
}

var scriptsSubscribedCmd = &cobra.Command{
	Use:   "subscribed",
	Short: "List scripts subscribed by the logged-in account",
	RunE:  runScriptsSubscribed,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show install history",
	RunE:  runHistory,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the whimbox service",
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget stored credentials",
	RunE:  runLogout,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale downloads",
	RunE:  runCleanup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	appDir     string
	configPath string
	verbose    bool
	jsonOutput bool

	installURL  string
	installMD5  string
	installFile string
	checkOnly   bool
	forceCheck  bool
	historySize int
	loginEmail  string
	loginPass   string

	current *app
)

func init() {
	rootCmd.PersistentFlags().StringVar(&appDir, "app-dir", "", "Application directory (default: directory of the launcher binary)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <app-dir>/app-data/launcher.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr at debug level")

	installCmd.Flags().StringVar(&installURL, "url", "", "Artifact URL")
	installCmd.Flags().StringVar(&installMD5, "md5", "", "Expected MD5 of the artifact")
	installCmd.Flags().StringVar(&installFile, "file", "", "Local artifact path")
	installCmd.MarkFlagsMutuallyExclusive("url", "file")
	updateCmd.Flags().BoolVar(&checkOnly, "check-only", false, "Report without installing")
	updateCmd.Flags().BoolVar(&forceCheck, "force", false, "Check even if the configured frequency says it is not due")
	historyCmd.Flags().IntVar(&historySize, "limit", 20, "Number of entries to show (0 for all)")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPass, "password", "", "Account password (default: $WHIMBOX_PASSWORD)")
	_ = loginCmd.MarkFlagRequired("email")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	scriptsCmd.AddCommand(scriptsSyncCmd, scriptsListCmd, scriptsClearCmd, scriptsSubscribedCmd)
	rootCmd.AddCommand(setupCmd, statusCmd, installCmd, updateCmd, manualUpdateCmd, launchCmd,
		scriptsCmd, historyCmd, loginCmd, logoutCmd, cleanupCmd, versionCmd)
}

// load builds the app once per invocation.
func load() (*app, error) {
	if current != nil {
		return current, nil
	}
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	current = a
	return a, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSetup(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	env, err := a.bootstrapper.EnsureRuntime(ctx, domain.EventFunc(printEvent))
	if err != nil {
		return err
	}
	fmt.Printf("Runtime ready: %s (version %s)\n", env.ExecutablePath, env.Version)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println("\n=== whimbox status ===")
	state := a.store.Load()
	if state.Installed {
		fmt.Printf("Installed: %s %s (entry point %s)\n", state.PackageName, state.Version, state.EntryPoint)
		if !state.InstalledAt.IsZero() {
			fmt.Printf("Installed at: %s\n", state.InstalledAt.Format(time.RFC3339))
		}
	} else {
		fmt.Println("Installed: no")
	}

	if env, err := a.bootstrapper.Detect(ctx); err != nil {
		fmt.Printf("Runtime: not ready (%v)\n", err)
	} else {
		fmt.Printf("Runtime: %s (version %s)\n", env.ExecutablePath, env.Version)
	}

	if a.api != nil {
		if user := a.api.CurrentUser(); user != "" {
			fmt.Printf("Account: %s\n", user)
		} else {
			fmt.Println("Account: not logged in")
		}
	}
	fmt.Printf("Downloads: %s\n", a.layout.DownloadsDir)
	fmt.Println("======================")
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	if installURL == "" && installFile == "" {
		return errors.New("one of --url or --file is required")
	}
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if _, err := a.bootstrapper.EnsureRuntime(ctx, domain.EventFunc(printEvent)); err != nil {
		return err
	}
	desc := domain.ArtifactDescriptor{SourceURL: installURL, LocalPath: installFile, ExpectedChecksum: installMD5}
	result, err := a.installer.InstallFromSource(ctx, desc, domain.EventFunc(printEvent))
	if err != nil {
		return err
	}
	printInstallResult(result)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	now := time.Now()
	if !forceCheck && !a.cfg.ShouldCheckForUpdates(now) {
		fmt.Println("Update check not due; use --force to check anyway.")
		return nil
	}

	check, err := a.checker.Check(ctx)
	if check != nil && check.NeedsLogin {
		fmt.Println("Login required for the whimbox update service (run 'whimbox-launcher login').")
	}
	if check != nil && check.NeedVIP {
		fmt.Println("The whimbox update service requires a VIP subscription.")
	}
	if err != nil {
		return err
	}

	a.cfg.MarkChecked(now)
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		a.logger.Warn("failed to record update check time", zap.Error(err))
	}

	fmt.Printf("Installed: %s  Latest: %s (from %s)\n", orNone(check.Local), check.Remote, check.Source)
	if !check.HasUpdate {
		fmt.Println("Already up to date.")
		return nil
	}
	if checkOnly {
		fmt.Println("Update available.")
		return nil
	}

	if _, err := a.bootstrapper.EnsureRuntime(ctx, domain.EventFunc(printEvent)); err != nil {
		return err
	}
	result, err := a.installer.InstallFromSource(ctx, check.Descriptor.Artifact(), domain.EventFunc(printEvent))
	if err != nil {
		return err
	}
	printInstallResult(result)
	return nil
}

func runManualUpdate(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if _, err := a.bootstrapper.EnsureRuntime(ctx, domain.EventFunc(printEvent)); err != nil {
		return err
	}
	result, err := a.installer.InstallManual(ctx, domain.EventFunc(printEvent))
	if err != nil {
		return err
	}
	printInstallResult(result)
	return nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	handle, err := a.launcher.Launch(ctx, domain.EventFunc(printEvent))
	if err != nil {
		return err
	}
	fmt.Printf("Launched (session %s, pid %d)\n", handle.ID(), handle.PID())

	code, err := handle.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("Stopped following the application; it keeps running.")
		return nil
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("application exited with code %d", code)
	}
	return nil
}

func runScriptsSync(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	result, err := a.scripts.EnsureScripts(ctx, domain.EventFunc(printEvent))
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", result.Dir, result.Message)
	return nil
}

func runScriptsList(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	names, err := a.scripts.ListScripts()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No scripts installed.")
		return nil
	}
	for _, n := range names {
		fmt.Printf("  - %s\n", n)
	}
	return nil
}

func runScriptsClear(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	if err := a.scripts.ClearScripts(); err != nil {
		return err
	}
	fmt.Println("Scripts removed.")
	return nil
}

func runScriptsSubscribed(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	if err := a.requireSecrets(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	scripts, err := a.api.SubscribedScripts(ctx)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		fmt.Printf("  - %s %s\n", s.Name, s.Version)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	if err := a.requireSecrets(); err != nil {
		return err
	}
	entries, err := a.secrets.List(historySize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No installs recorded.")
		return nil
	}
	for _, e := range entries {
		status := "ok"
		if !e.Success {
			status = "failed: " + e.Message
		}
		fmt.Printf("%s  %-15s %s %s  %s\n",
			e.RecordedAt.Format(time.RFC3339), e.Action, e.PackageName, e.Version, status)
	}
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	if err := a.requireSecrets(); err != nil {
		return err
	}
	password := loginPass
	if password == "" {
		password = os.Getenv("WHIMBOX_PASSWORD")
	}
	if password == "" {
		return errors.New("--password or WHIMBOX_PASSWORD is required")
	}
	ctx, cancel := signalContext()
	defer cancel()

	user, err := a.api.Login(ctx, loginEmail, password)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", orNone(user.Username))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	if err := a.requireSecrets(); err != nil {
		return err
	}
	if err := a.api.Logout(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := load()
	if err != nil {
		return err
	}
	removed, err := a.downloader.CleanupOlderThan(a.cfg.Download.MaxAge)
	fmt.Printf("Removed %d stale download(s).\n", len(removed))
	return err
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("whimbox-launcher %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

func printEvent(e domain.Event) {
	switch e.Stage {
	case domain.StageDownloadProgress:
		if e.Total > 0 {
			fmt.Printf("[%s] %s %d%% (%d/%d bytes)\n", e.Stage, e.FileName, e.Percent, e.Done, e.Total)
		} else {
			fmt.Printf("[%s] %s %d bytes\n", e.Stage, e.FileName, e.Done)
		}
	case domain.StageExtractProgress:
		if e.Total > 0 {
			fmt.Printf("[%s] %d%% %s\n", e.Stage, e.Percent, e.FileName)
		}
	case domain.StageInstallProgress:
		fmt.Printf("[%s] %s\n", e.Stage, e.Message)
	case domain.StageLaunchEnd:
		fmt.Printf("[%s] exit code %s\n", e.Stage, e.Message)
	default:
		fmt.Printf("[%s] %s\n", e.Stage, e.Message)
	}
}

func printInstallResult(r *domain.InstallResult) {
	fmt.Printf("Installed %s %s in %dms\n", r.State.PackageName, r.State.Version, r.DurationMs)
	if r.PreviousState.Installed {
		fmt.Printf("Replaced %s\n", r.PreviousState.Version)
	}
	for _, w := range r.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	for _, p := range r.EvictedPaths {
		fmt.Printf("Removed stale artifact %s\n", p)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
