package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/process"
	"github.com/spf13/viper"
)

// Mode selects how the child runtime and script paths are resolved.
type Mode string

const (
	ModeDev      Mode = "dev"      // development checkout: <project>/python
	ModePackaged Mode = "packaged" // packaged app: <resources>/python
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8000
	DefaultPortAttempts   = 5
	DefaultHealthPath     = "/docs"
	DefaultWeatherPath    = "/weather/current"
	DefaultReadyRetries   = 10
	DefaultReadyInterval  = 500 * time.Millisecond
	DefaultRestartDelay   = 3 * time.Second
	DefaultMaxRestarts    = 5
	DefaultStableAfter    = 10 * time.Second
	DefaultStopTimeout    = 3 * time.Second
	DefaultProbeTimeout   = 500 * time.Millisecond
	DefaultRequestTimeout = 10 * time.Second
	DefaultScript         = "weather_service.py"
	DefaultPIDFileName    = "weather_service_pid.txt"
	DefaultLockFileName   = "weather_service.lock"
	DefaultServerListen   = "127.0.0.1:17800"
	DefaultServerBasePath = "/api"
)

// Config is the sidecar configuration. It is treated as immutable once a
// supervisor has been built from it.
type Config struct {
	Mode           Mode          `mapstructure:"mode"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	PortAttempts   int           `mapstructure:"port_attempts"`
	HealthPath     string        `mapstructure:"health_path"`
	WeatherPath    string        `mapstructure:"weather_path"`
	ReadyRetries   int           `mapstructure:"ready_retries"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	MaxRestarts    int           `mapstructure:"max_restarts"` // consecutive
	StableAfter    time.Duration `mapstructure:"stable_after"` // ready this long resets the count
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Runtime       string   `mapstructure:"runtime"` // explicit interpreter; empty means resolve
	Script        string   `mapstructure:"script"`
	ProjectDir    string   `mapstructure:"project_dir"`
	ResourcesDir  string   `mapstructure:"resources_dir"`
	PIDFile       string   `mapstructure:"pid_file"`
	LockFile      string   `mapstructure:"lock_file"`
	SkipBootstrap bool     `mapstructure:"skip_bootstrap"`
	Env           []string `mapstructure:"env"` // extra KEY=VALUE pairs for the child

	Log     LogConfig     `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text | json
	Color      bool   `mapstructure:"color"`
	Path       string `mapstructure:"path"` // supervisor log file; empty means stderr only
	Dir        string `mapstructure:"dir"`  // child stdout/stderr log directory
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// Logger converts the log section into the logger package configuration.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		Color:  l.Color,
		File: logger.FileConfig{
			Path:       l.Path,
			Dir:        l.Dir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.finalize()
	return &c
}

// Load reads an optional TOML file and SIDECAR_* environment overrides on top
// of the defaults. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.finalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "")
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("port_attempts", DefaultPortAttempts)
	v.SetDefault("health_path", DefaultHealthPath)
	v.SetDefault("weather_path", DefaultWeatherPath)
	v.SetDefault("ready_retries", DefaultReadyRetries)
	v.SetDefault("ready_interval", DefaultReadyInterval)
	v.SetDefault("restart_delay", DefaultRestartDelay)
	v.SetDefault("max_restarts", DefaultMaxRestarts)
	v.SetDefault("stable_after", DefaultStableAfter)
	v.SetDefault("stop_timeout", DefaultStopTimeout)
	v.SetDefault("probe_timeout", DefaultProbeTimeout)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("runtime", "")
	v.SetDefault("script", DefaultScript)
	v.SetDefault("project_dir", "")
	v.SetDefault("resources_dir", "")
	v.SetDefault("pid_file", "")
	v.SetDefault("lock_file", "")
	v.SetDefault("skip_bootstrap", false)
	v.SetDefault("env", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.path", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultServerListen)
	v.SetDefault("server.base_path", DefaultServerBasePath)
}

// finalize fills values that depend on the host environment.
func (c *Config) finalize() {
	if c.Mode == "" {
		c.Mode = ModeFromEnv()
	}
	if c.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.ProjectDir = wd
		}
	}
	if c.ResourcesDir == "" {
		c.ResourcesDir = defaultResourcesDir()
	}
	if c.PIDFile == "" {
		c.PIDFile = filepath.Join(os.TempDir(), DefaultPIDFileName)
	}
	if c.LockFile == "" {
		c.LockFile = filepath.Join(os.TempDir(), DefaultLockFileName)
	}
}

// ModeFromEnv mirrors the desktop shell convention: NODE_ENV=dev selects the
// development tree, anything else the packaged layout.
func ModeFromEnv() Mode {
	if strings.EqualFold(os.Getenv("NODE_ENV"), "dev") {
		return ModeDev
	}
	return ModePackaged
}

func defaultResourcesDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "resources"
	}
	return filepath.Join(filepath.Dir(exe), "resources")
}

// Validate checks the invariants the supervisor relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != ModeDev && c.Mode != ModePackaged {
		errs = append(errs, fmt.Errorf("invalid mode %q", c.Mode))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PortAttempts < 1 {
		errs = append(errs, fmt.Errorf("port_attempts must be >= 1, got %d", c.PortAttempts))
	} else if c.Port+c.PortAttempts-1 > 65535 {
		errs = append(errs, fmt.Errorf("port range %d+%d exceeds 65535", c.Port, c.PortAttempts))
	}
	if c.ReadyRetries < 1 {
		errs = append(errs, fmt.Errorf("ready_retries must be >= 1, got %d", c.ReadyRetries))
	}
	if c.ReadyInterval <= 0 {
		errs = append(errs, errors.New("ready_interval must be positive"))
	}
	if c.RestartDelay < 0 {
		errs = append(errs, errors.New("restart_delay must not be negative"))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, errors.New("max_restarts must not be negative"))
	}
	if c.StableAfter < 0 {
		errs = append(errs, errors.New("stable_after must not be negative"))
	}
	if strings.TrimSpace(c.Script) == "" {
		errs = append(errs, errors.New("script is required"))
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("health_path %q must start with '/'", c.HealthPath))
	}
	if !strings.HasPrefix(c.WeatherPath, "/") {
		errs = append(errs, fmt.Errorf("weather_path %q must start with '/'", c.WeatherPath))
	}
	return errors.Join(errs...)
}

// BaseURL returns the child's base URL for the given port.
func (c *Config) BaseURL(port int) string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Layout resolves interpreter, script and manifest locations for this config.
func (c *Config) Layout() process.Layout {
	return process.Layout{
		Dev:          c.Mode == ModeDev,
		Runtime:      c.Runtime,
		Script:       c.Script,
		ProjectDir:   c.ProjectDir,
		ResourcesDir: c.ResourcesDir,
	}
}
