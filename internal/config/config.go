// Package config loads the scripthost TOML configuration. Every key can be
// overridden from the environment as SCRIPTHOST_<SECTION>_<KEY>, e.g.
// SCRIPTHOST_SUPERVISOR_GRACE_PERIOD=10s.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/scripthost/internal/env"
	"github.com/loykin/scripthost/internal/logger"
	"github.com/loykin/scripthost/internal/manager"
	"github.com/loykin/scripthost/internal/provision"
	"github.com/loykin/scripthost/internal/registry"
	"github.com/loykin/scripthost/internal/server"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "SCRIPTHOST"

// Config represents the top-level TOML structure.
type Config struct {
	DataDir      string   `toml:"data_dir" mapstructure:"data_dir"`
	RegistryFile string   `toml:"registry_file" mapstructure:"registry_file"`
	Python       string   `toml:"python" mapstructure:"python"`
	Env          []string `toml:"env" mapstructure:"env"`
	EnvFiles     []string `toml:"env_files" mapstructure:"env_files"`

	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Monitor    MonitorConfig    `toml:"monitor" mapstructure:"monitor"`
	Provision  ProvisionConfig  `toml:"provision" mapstructure:"provision"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	JobLog     JobLogConfig     `toml:"job_log" mapstructure:"job_log"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Spool      SpoolConfig      `toml:"spool" mapstructure:"spool"`

	// path of the file the config was read from; empty for defaults only
	file string
}

type SupervisorConfig struct {
	GracePeriod  time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	RestartPause time.Duration `toml:"restart_pause" mapstructure:"restart_pause"`
}

type MonitorConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type ProvisionConfig struct {
	DiagnosticLimit int           `toml:"diagnostic_limit" mapstructure:"diagnostic_limit"`
	MaxConcurrent   int           `toml:"max_concurrent" mapstructure:"max_concurrent"`
	InstallTimeout  time.Duration `toml:"install_timeout" mapstructure:"install_timeout"`
}

// LogConfig is the manager's own log.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      *bool  `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// JobLogConfig is the rotation policy for captured child output.
type JobLogConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	Listen    string `toml:"listen" mapstructure:"listen"`
	BasePath  string `toml:"base_path" mapstructure:"base_path"`
	Framework string `toml:"framework" mapstructure:"framework"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig lists history sink DSNs, see history/factory.
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type SpoolConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Dir     string `toml:"dir" mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("registry_file", "")
	v.SetDefault("python", provision.DefaultPython)
	v.SetDefault("supervisor.grace_period", manager.DefaultGracePeriod)
	v.SetDefault("supervisor.restart_pause", manager.DefaultRestartPause)
	v.SetDefault("monitor.interval", manager.DefaultMonitorInterval)
	v.SetDefault("provision.diagnostic_limit", provision.DefaultDiagnosticLimit)
	v.SetDefault("provision.max_concurrent", provision.DefaultMaxConcurrent)
	v.SetDefault("provision.install_timeout", 10*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("job_log.max_size_mb", 10)
	v.SetDefault("job_log.max_backups", 3)
	v.SetDefault("job_log.max_age_days", 7)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.framework", server.FrameworkGin)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("spool.enabled", false)
	v.SetDefault("spool.dir", "")
}

// Load reads path (TOML) over the defaults and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) { return load(path, true) }

// Default returns the built-in configuration, ignoring the environment.
func Default() *Config {
	c, err := load("", false)
	if err != nil {
		return &Config{}
	}
	return c
}

func load(path string, useEnv bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if useEnv {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.file = path
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// File is the path the config was loaded from.
func (c *Config) File() string { return c.file }

// resolvePaths makes relative paths in a config file relative to the file.
func (c *Config) resolvePaths() {
	if c.file == "" {
		return
	}
	base := filepath.Dir(c.file)
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.DataDir = rel(c.DataDir)
	c.RegistryFile = rel(c.RegistryFile)
	c.Log.File = rel(c.Log.File)
	c.Spool.Dir = rel(c.Spool.Dir)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = rel(f)
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.Supervisor.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.grace_period must be positive, got %s", c.Supervisor.GracePeriod))
	}
	if c.Supervisor.RestartPause < 0 {
		errs = append(errs, fmt.Errorf("supervisor.restart_pause must not be negative, got %s", c.Supervisor.RestartPause))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if c.Provision.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("provision.max_concurrent must be positive, got %d", c.Provision.MaxConcurrent))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Server.Framework {
	case server.FrameworkGin, server.FrameworkEcho:
	default:
		errs = append(errs, fmt.Errorf("server.framework must be %s or %s, got %q", server.FrameworkGin, server.FrameworkEcho, c.Server.Framework))
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q is not KEY=VALUE", kv))
		}
	}
	return errors.Join(errs...)
}

// SpoolDir is spool.dir, defaulting to <data_dir>/spool.
func (c *Config) SpoolDir() string {
	if c.Spool.Dir != "" {
		return c.Spool.Dir
	}
	return filepath.Join(c.DataDir, "spool")
}

// RegistryPath is registry_file, defaulting to <data_dir>/jobs.json.
func (c *Config) RegistryPath() string {
	if c.RegistryFile != "" {
		return c.RegistryFile
	}
	return filepath.Join(c.DataDir, registry.DefaultFileName)
}

// GlobalEnv merges env_files in order, then the env list. Later entries
// override earlier ones.
func (c *Config) GlobalEnv() ([]string, error) {
	e := env.New()
	for _, p := range c.EnvFiles {
		kvs, err := env.LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e.SetAll(kvs)
	}
	e.SetAll(c.Env)
	out := make([]string, 0, len(e.Var))
	for k, v := range e.Var {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoggerOptions is the manager log configuration.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File: logger.Config{
			StdoutPath: c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// JobLogging is the rotation policy passed to every child.
func (c *Config) JobLogging() logger.Config {
	return logger.Config{
		MaxSizeMB:  c.JobLog.MaxSizeMB,
		MaxBackups: c.JobLog.MaxBackups,
		MaxAgeDays: c.JobLog.MaxAgeDays,
		Compress:   c.JobLog.Compress,
	}
}

// ManagerOptions converts the config into manager options. Logger,
// History and Runner are left for the caller.
func (c *Config) ManagerOptions() (manager.Options, error) {
	vars, err := c.GlobalEnv()
	if err != nil {
		return manager.Options{}, err
	}
	pause := c.Supervisor.RestartPause
	if pause == 0 {
		// zero in a config file means no pause
		pause = -1
	}
	return manager.Options{
		DataDir:         c.DataDir,
		RegistryPath:    c.RegistryPath(),
		GracePeriod:     c.Supervisor.GracePeriod,
		RestartPause:    pause,
		MonitorInterval: c.Monitor.Interval,
		Provision: provision.Config{
			Python:          c.Python,
			DiagnosticLimit: c.Provision.DiagnosticLimit,
			MaxConcurrent:   c.Provision.MaxConcurrent,
			InstallTimeout:  c.Provision.InstallTimeout,
		},
		Env:    vars,
		JobLog: c.JobLogging(),
	}, nil
}

// HTTPServer is the HTTP server configuration.
func (c *Config) HTTPServer() server.Config {
	return server.Config{Listen: c.Server.Listen, BasePath: c.Server.BasePath, Framework: c.Server.Framework}
}
