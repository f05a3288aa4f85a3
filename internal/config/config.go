package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/bridge"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage/redis"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SandboxConfig struct {
	Image       string        `mapstructure:"image"`
	User        string        `mapstructure:"user"`
	WorkDir     string        `mapstructure:"work_dir"`
	HostDir     string        `mapstructure:"host_dir"`
	MountPoint  string        `mapstructure:"mount_point"`
	Timeout     time.Duration `mapstructure:"timeout"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Memory      string        `mapstructure:"memory"`
	PidsLimit   int64         `mapstructure:"pids_limit"`
}

type SessionConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Memory   string        `mapstructure:"memory"`
	CPUQuota int64         `mapstructure:"cpu_quota"`
}

type DispatcherConfig struct {
	Name       string        `mapstructure:"name"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Recover    bool          `mapstructure:"recover"`
}

type ServerConfig struct {
	Port  int     `mapstructure:"port"`
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Session    SessionConfig    `mapstructure:"session"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Server     ServerConfig     `mapstructure:"server"`
	History    HistoryConfig    `mapstructure:"history"`
	Log        LogConfig        `mapstructure:"log"`
}

// Load reads runbox.yaml from path, or from . and $HOME/.runbox when path is
// empty, applying defaults and RUNBOX_* environment overrides. A .env file in
// the working directory is loaded first. Only an explicit path must exist.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}

	v.SetEnvPrefix("runbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// HOST_PROJECT_DIR is the host checkout whose temp_jobs directory is
	// mounted at work_dir when the worker itself runs in a container.
	if cfg.Sandbox.HostDir == "" {
		if dir := os.Getenv("HOST_PROJECT_DIR"); dir != "" {
			cfg.Sandbox.HostDir = filepath.Join(dir, "temp_jobs")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	policy := sandbox.DefaultPolicy()
	limits := bridge.DefaultLimits()

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sandbox.image", policy.Image)
	v.SetDefault("sandbox.user", policy.User)
	v.SetDefault("sandbox.work_dir", "/app/temp_jobs")
	v.SetDefault("sandbox.host_dir", "")
	v.SetDefault("sandbox.mount_point", policy.WorkDir)
	v.SetDefault("sandbox.timeout", policy.Timeout)
	v.SetDefault("sandbox.grace_period", policy.GracePeriod)
	v.SetDefault("sandbox.memory", policy.Memory)
	v.SetDefault("sandbox.pids_limit", policy.PidsLimit)

	v.SetDefault("session.ttl", 60*time.Second)
	v.SetDefault("session.memory", limits.Memory)
	v.SetDefault("session.cpu_quota", limits.CPUQuota)

	hostname, _ := os.Hostname()
	v.SetDefault("dispatcher.name", hostname)
	v.SetDefault("dispatcher.retry_delay", 5*time.Second)
	v.SetDefault("dispatcher.recover", true)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate", 10)
	v.SetDefault("server.burst", 20)

	v.SetDefault("history.db_path", filepath.Join(os.Getenv("HOME"), ".runbox", "history.db"))
	v.SetDefault("log.level", "info")
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Sandbox.Timeout < time.Second {
		return fmt.Errorf("sandbox.timeout must be at least 1s, got %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.HostDir != "" && !filepath.IsAbs(c.Sandbox.HostDir) {
		return fmt.Errorf("sandbox.host_dir must be absolute, got %q", c.Sandbox.HostDir)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Policy returns the batch sandbox policy.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		Image:       c.Sandbox.Image,
		User:        c.Sandbox.User,
		WorkDir:     c.Sandbox.MountPoint,
		Timeout:     c.Sandbox.Timeout,
		GracePeriod: c.Sandbox.GracePeriod,
		Memory:      c.Sandbox.Memory,
		PidsLimit:   c.Sandbox.PidsLimit,
	}
}

// Workspaces returns where batch workspaces are created.
func (c *Config) Workspaces() sandbox.Workspaces {
	return sandbox.Workspaces{Root: c.Sandbox.WorkDir, HostRoot: c.Sandbox.HostDir}
}

// Limits returns the interactive session limits.
func (c *Config) Limits() bridge.Limits {
	return bridge.Limits{
		Memory:      c.Session.Memory,
		CPUQuota:    c.Session.CPUQuota,
		GracePeriod: c.Sandbox.GracePeriod,
	}
}

// RedisOptions returns the store connection settings.
func (c *Config) RedisOptions() redis.Options {
	return redis.Options{
		Addr:       c.Redis.Addr,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		SessionTTL: c.Session.TTL,
	}
}
