package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "vlyne"

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Paths        PathsConfig        `yaml:"paths"`
	Engine       EngineConfig       `yaml:"engine"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Tester       TesterConfig       `yaml:"tester"`
	Settings     Settings           `yaml:"settings"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type PathsConfig struct {
	ConfigFile  string `yaml:"config_file"`  // compiled engine document
	ProxyBackup string `yaml:"proxy_backup"` // system proxy backup
	LockFile    string `yaml:"lock_file"`
}

type EngineConfig struct {
	Path        string        `yaml:"path"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type SubscriptionConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type TesterConfig struct {
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	RealDelayTimeout time.Duration `yaml:"real_delay_timeout"`
	WorkerCount      int           `yaml:"worker_count"`
	CheckURL         string        `yaml:"check_url"`
	GeoIPASNPath     string        `yaml:"geoip_asn_path"`
	GeoIPCountryPath string        `yaml:"geoip_country_path"`
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(dataDir(), "config.yaml")
}

// Load reads the YAML config at path. An empty path means DefaultPath, and a
// missing default file yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	dir := dataDir()

	cfg := &Config{}
	cfg.Database.Path = filepath.Join(dir, "vlyne.db")
	cfg.Paths.ConfigFile = filepath.Join(dir, "config.json")
	cfg.Paths.ProxyBackup = filepath.Join(dir, "proxy-backup.json")
	cfg.Paths.LockFile = filepath.Join(dir, "vlyne.lock")

	cfg.Engine.Path = "xray"
	if runtime.GOOS == "windows" {
		cfg.Engine.Path = "xray.exe"
	}
	cfg.Engine.StopTimeout = 5 * time.Second

	cfg.Subscription.Timeout = 30 * time.Second
	cfg.Subscription.UserAgent = "vlyne/1.0"

	cfg.Tester.PingTimeout = 3000 * time.Millisecond
	cfg.Tester.RealDelayTimeout = 10 * time.Second
	cfg.Tester.WorkerCount = 32
	cfg.Tester.CheckURL = "https://www.gstatic.com/generate_204"

	cfg.Settings = DefaultSettings()
	cfg.Settings.Core.LogDir = filepath.Join(dir, "logs")
	return cfg
}

func (c *Config) normalize() {
	if c.Tester.WorkerCount <= 0 {
		c.Tester.WorkerCount = 1
	}
	if c.Tester.PingTimeout <= 0 {
		c.Tester.PingTimeout = 3000 * time.Millisecond
	}
	if c.Settings.Advanced.Mux.Concurrency <= 0 {
		c.Settings.Advanced.Mux.Concurrency = 8
	}
}

// EnsureDirs creates the parent directories of every configured path.
func (c *Config) EnsureDirs() error {
	for _, p := range []string{c.Database.Path, c.Paths.ConfigFile, c.Paths.ProxyBackup, c.Paths.LockFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
		}
	}
	if c.Settings.Core.LogDir != "" {
		if err := os.MkdirAll(c.Settings.Core.LogDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
	}
	return nil
}

func dataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, appName)
}
