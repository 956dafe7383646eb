// Package config loads launcher settings.
//
// Values are layered: built-in defaults, then the YAML file (by default
// app-data/launcher.yaml next to the launcher binary), then WHIMBOX_*
// environment variables. A missing file is not an error; the launcher
// writes one back when it records the last update check.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. WHIMBOX_API_BASE_URL.
const EnvPrefix = "WHIMBOX"

// FileName is the config file name inside the app-data directory.
const FileName = "launcher.yaml"

// CheckFrequency controls how often update checks run.
type CheckFrequency string

const (
	CheckOnStartup CheckFrequency = "startup"
	CheckDaily     CheckFrequency = "daily"
	CheckWeekly    CheckFrequency = "weekly"
)

// Config holds all launcher configuration.
type Config struct {
	API      APIConfig      `yaml:"api" envconfig:"API"`
	Update   UpdateConfig   `yaml:"update" envconfig:"UPDATE"`
	Runtime  RuntimeConfig  `yaml:"runtime" envconfig:"RUNTIME"`
	Download DownloadConfig `yaml:"download" envconfig:"DOWNLOAD"`
	Launch   LaunchConfig   `yaml:"launch" envconfig:"LAUNCH"`
	Scripts  ScriptsConfig  `yaml:"scripts" envconfig:"SCRIPTS"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
}

// APIConfig configures the whimbox web API.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// UpdateConfig selects where updates come from and when to look.
type UpdateConfig struct {
	GithubRepo      string         `yaml:"github_repo" envconfig:"GITHUB_REPO"`
	CustomURL       string         `yaml:"custom_url" envconfig:"CUSTOM_URL"`
	UseCustomURL    bool           `yaml:"use_custom_url" envconfig:"USE_CUSTOM_URL"`
	AutoUpdate      bool           `yaml:"auto_update" envconfig:"AUTO_UPDATE"`
	CheckFrequency  CheckFrequency `yaml:"check_frequency" envconfig:"CHECK_FREQUENCY"`
	LastUpdateCheck time.Time      `yaml:"last_update_check,omitempty" ignored:"true"`
}

// RuntimeConfig overrides embedded runtime locations and timeouts.
// Empty paths keep the layout defaults; relative paths resolve against
// the application directory.
type RuntimeConfig struct {
	Dir             string        `yaml:"dir" envconfig:"DIR"`
	Archive         string        `yaml:"archive" envconfig:"ARCHIVE"`
	BootstrapScript string        `yaml:"bootstrap_script" envconfig:"BOOTSTRAP_SCRIPT"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	SetupTimeout    time.Duration `yaml:"setup_timeout" envconfig:"SETUP_TIMEOUT"`
}

// DownloadConfig configures the artifact download directory.
type DownloadConfig struct {
	Dir            string        `yaml:"dir" envconfig:"DIR"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	Extension      string        `yaml:"extension" envconfig:"EXTENSION"`
	MaxAge         time.Duration `yaml:"max_age" envconfig:"MAX_AGE"`
}

// LaunchConfig configures installs and launches of the application.
type LaunchConfig struct {
	ReadyToken     string        `yaml:"ready_token" envconfig:"READY_TOKEN"`
	InitTimeout    time.Duration `yaml:"init_timeout" envconfig:"INIT_TIMEOUT"`
	InstallTimeout time.Duration `yaml:"install_timeout" envconfig:"INSTALL_TIMEOUT"`
}

// ScriptsConfig configures the script bundle.
type ScriptsConfig struct {
	Dir       string `yaml:"dir" envconfig:"DIR"`
	BundleURL string `yaml:"bundle_url" envconfig:"BUNDLE_URL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
	File  string `yaml:"file" envconfig:"FILE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://www.nikkigallery.vip/api/v1",
			Timeout: 5 * time.Second,
		},
		Update: UpdateConfig{
			AutoUpdate:     true,
			CheckFrequency: CheckOnStartup,
		},
		Runtime: RuntimeConfig{
			ProbeTimeout: 5 * time.Second,
			SetupTimeout: 120 * time.Second,
		},
		Download: DownloadConfig{
			RequestTimeout: 30 * time.Second,
			Extension:      ".whl",
			MaxAge:         7 * 24 * time.Hour,
		},
		Launch: LaunchConfig{
			ReadyToken:     "WHIMBOX_READY",
			InitTimeout:    5 * time.Minute,
			InstallTimeout: 10 * time.Minute,
		},
		Scripts: ScriptsConfig{
			BundleURL: "https://nikkigallery.vip/static/whimbox/scripts/scripts-0.0.1.zip",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the config file location for appDir.
func DefaultPath(appDir string) string {
	return filepath.Join(appDir, "app-data", FileName)
}

// Load layers the file at path (DefaultPath when empty) and the
// environment over the defaults, then validates the result.
func Load(appDir, path string) (*Config, error) {
	if path == "" {
		path = DefaultPath(appDir)
	}

	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the defaults on any error.
func LoadOrDefault(appDir, path string) *Config {
	cfg, err := Load(appDir, path)
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Update.CheckFrequency {
	case CheckOnStartup, CheckDaily, CheckWeekly:
	default:
		errs = append(errs, fmt.Errorf("update.check_frequency must be one of startup, daily, weekly; got %q", c.Update.CheckFrequency))
	}
	if c.Update.UseCustomURL && c.Update.CustomURL == "" {
		errs = append(errs, errors.New("update.custom_url is required when update.use_custom_url is set"))
	}
	if c.Download.Extension == "" {
		errs = append(errs, errors.New("download.extension is required"))
	}
	if c.Launch.ReadyToken == "" {
		errs = append(errs, errors.New("launch.ready_token is required"))
	}
	for name, d := range map[string]time.Duration{
		"api.timeout":              c.API.Timeout,
		"runtime.probe_timeout":    c.Runtime.ProbeTimeout,
		"runtime.setup_timeout":    c.Runtime.SetupTimeout,
		"download.request_timeout": c.Download.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ShouldCheckForUpdates reports whether an update check is due at now.
func (c *Config) ShouldCheckForUpdates(now time.Time) bool {
	if !c.Update.AutoUpdate {
		return false
	}
	last := c.Update.LastUpdateCheck
	if last.IsZero() {
		return true
	}
	switch c.Update.CheckFrequency {
	case CheckDaily:
		return now.Sub(last) >= 24*time.Hour
	case CheckWeekly:
		return now.Sub(last) >= 7*24*time.Hour
	default:
		return true
	}
}

// MarkChecked records an update check at now.
func (c *Config) MarkChecked(now time.Time) {
	c.Update.LastUpdateCheck = now
}
