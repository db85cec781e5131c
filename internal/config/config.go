// Package config loads the optional rnode-flasher configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/rnode-flasher/internal/release"
)

// Config holds the tool settings. Zero values are replaced by defaults.
type Config struct {
	Repo          string   `yaml:"repo"`
	APIURL        string   `yaml:"api_url"`
	CacheDir      string   `yaml:"cache_dir"`
	ProjectDir    string   `yaml:"project_dir"`
	DefaultBoard  string   `yaml:"default_board"`
	Esptool       string   `yaml:"esptool"`
	ComponentDirs []string `yaml:"component_dirs"`
	Timeouts      Timeouts `yaml:"timeouts"`
}

// Timeouts are Go duration strings such as "10s" or "5m".
type Timeouts struct {
	Release  string `yaml:"release"`
	Download string `yaml:"download"`
	Probe    string `yaml:"probe"`
	Detect   string `yaml:"detect"`
}

const (
	defaultReleaseTimeout  = 10 * time.Second
	defaultDownloadTimeout = 5 * time.Minute
	defaultProbeTimeout    = 30 * time.Second
	defaultDetectTimeout   = 15 * time.Second
)

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Repo:       release.DefaultRepo,
		APIURL:     release.DefaultAPIURL,
		CacheDir:   filepath.Join(executableDir(), ".firmware_cache"),
		ProjectDir: ".",
		Timeouts: Timeouts{
			Release:  defaultReleaseTimeout.String(),
			Download: defaultDownloadTimeout.String(),
			Probe:    defaultProbeTimeout.String(),
			Detect:   defaultDetectTimeout.String(),
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/rnode-flasher/config.yaml or the
// platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rnode-flasher", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.merge(file)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// merge copies the non-zero fields of f over c.
func (c *Config) merge(f Config) {
	if f.Repo != "" {
		c.Repo = f.Repo
	}
	if f.APIURL != "" {
		c.APIURL = f.APIURL
	}
	if f.CacheDir != "" {
		c.CacheDir = f.CacheDir
	}
	if f.ProjectDir != "" {
		c.ProjectDir = f.ProjectDir
	}
	if f.DefaultBoard != "" {
		c.DefaultBoard = f.DefaultBoard
	}
	if f.Esptool != "" {
		c.Esptool = f.Esptool
	}
	if len(f.ComponentDirs) > 0 {
		c.ComponentDirs = f.ComponentDirs
	}
	if f.Timeouts.Release != "" {
		c.Timeouts.Release = f.Timeouts.Release
	}
	if f.Timeouts.Download != "" {
		c.Timeouts.Download = f.Timeouts.Download
	}
	if f.Timeouts.Probe != "" {
		c.Timeouts.Probe = f.Timeouts.Probe
	}
	if f.Timeouts.Detect != "" {
		c.Timeouts.Detect = f.Timeouts.Detect
	}
}

// Validate checks the duration fields.
func (c *Config) Validate() error {
	fields := map[string]string{
		"timeouts.release":  c.Timeouts.Release,
		"timeouts.download": c.Timeouts.Download,
		"timeouts.probe":    c.Timeouts.Probe,
		"timeouts.detect":   c.Timeouts.Detect,
	}
	for name, value := range fields {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s %q: must be positive", name, value)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if cmd := os.Getenv("ESPTOOL"); cmd != "" {
		c.Esptool = cmd
	}
	if dir := os.Getenv("RNODE_FLASHER_CACHE"); dir != "" {
		c.CacheDir = dir
	}
	if url := os.Getenv("GITHUB_API_URL"); url != "" {
		c.APIURL = url
	}
}

// ReleaseTimeout returns the release query timeout as a duration.
func (c *Config) ReleaseTimeout() time.Duration {
	return parseDuration(c.Timeouts.Release, defaultReleaseTimeout)
}

// DownloadTimeout returns the asset download timeout as a duration.
func (c *Config) DownloadTimeout() time.Duration {
	return parseDuration(c.Timeouts.Download, defaultDownloadTimeout)
}

// ProbeTimeout returns the per-read device probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return parseDuration(c.Timeouts.Probe, defaultProbeTimeout)
}

// DetectTimeout returns the flash_id timeout as a duration.
func (c *Config) DetectTimeout() time.Duration {
	return parseDuration(c.Timeouts.Detect, defaultDetectTimeout)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ToolDir is the directory holding the bundled Release/ folder: the
// executable's directory.
func ToolDir() string {
	return executableDir()
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// PlatformIOHome returns $PLATFORMIO_CORE_DIR or ~/.platformio.
func PlatformIOHome() string {
	if dir := os.Getenv("PLATFORMIO_CORE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".platformio")
}
