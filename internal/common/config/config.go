// Package config provides typed configuration for the execution plane,
// loaded via github.com/spf13/viper from defaults, an optional config file,
// and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the execution plane reads.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the Control Surface's HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// StoreConfig selects and configures the Task Store backend (§4.1).
type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres | memory
	Path     string `mapstructure:"path"`   // sqlite file path (db_path, §6.4)
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig configures the optional external event bus (§10.3). An empty
// URL selects the in-memory fallback.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SchedulerConfig configures the Scheduler (§4.5).
type SchedulerConfig struct {
	MaxConcurrent int     `mapstructure:"maxConcurrent"`
	PollInterval  float64 `mapstructure:"pollInterval"` // seconds
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (s *SchedulerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval * float64(time.Second))
}

// WorkspaceConfig configures the Workspace Manager (§4.2).
type WorkspaceConfig struct {
	BaseRepo      string  `mapstructure:"baseRepo"`
	WorktreeBase  string  `mapstructure:"worktreeBase"`
	GitBin        string  `mapstructure:"gitBin"`
	PruneInterval float64 `mapstructure:"pruneInterval"` // seconds; <= 0 disables the background sweep
}

// PruneIntervalDuration returns PruneInterval as a time.Duration.
func (w *WorkspaceConfig) PruneIntervalDuration() time.Duration {
	return time.Duration(w.PruneInterval * float64(time.Second))
}

// ExecutorConfig configures the Process Executor (§4.3).
type ExecutorConfig struct {
	LogDir      string   `mapstructure:"logDir"`
	AgentCommand string  `mapstructure:"agentCommand"`
	AgentArgs   []string `mapstructure:"agentArgs"`
}

// AuthConfig configures the Control Surface's credential check (§6.4).
type AuthConfig struct {
	APICredential string `mapstructure:"apiCredential"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat mirrors logger.detectLogFormat so the default
// written into config matches what a bare process would pick anyway.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures the default value for every option in §6.4 plus
// the ambient stack's own needs.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "tasks.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.maxConns", 1) // single-writer (§5)

	v.SetDefault("nats.url", "") // empty => in-memory event bus
	v.SetDefault("nats.clientId", "taskforge")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("scheduler.maxConcurrent", 3)
	v.SetDefault("scheduler.pollInterval", 2.0)

	v.SetDefault("workspace.baseRepo", "/home/ubuntu/project")
	v.SetDefault("workspace.worktreeBase", "/home/ubuntu/task-worktrees")
	v.SetDefault("workspace.gitBin", "git")
	v.SetDefault("workspace.pruneInterval", 3600.0)

	v.SetDefault("executor.logDir", "/home/ubuntu/task-logs")
	v.SetDefault("executor.agentCommand", "agent")
	v.SetDefault("executor.agentArgs", []string{})

	v.SetDefault("auth.apiCredential", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the prefix TASKFORGE_.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose camelCase spelling doesn't match
	// AutomaticEnv's naive upper-snake-case conversion, matching §6.4's
	// option names directly.
	_ = v.BindEnv("store.path", "TASKFORGE_DB_PATH")
	_ = v.BindEnv("scheduler.maxConcurrent", "TASKFORGE_MAX_CONCURRENT")
	_ = v.BindEnv("workspace.baseRepo", "TASKFORGE_BASE_REPO")
	_ = v.BindEnv("executor.logDir", "TASKFORGE_LOG_DIR")
	_ = v.BindEnv("scheduler.pollInterval", "TASKFORGE_POLL_INTERVAL")
	_ = v.BindEnv("auth.apiCredential", "TASKFORGE_API_CREDENTIAL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate rejects configuration the execution plane cannot run with.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres, memory")
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		errs = append(errs, "store.dsn is required for the postgres driver")
	}

	if cfg.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, "scheduler.maxConcurrent must not be negative")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.pollInterval must be positive")
	}

	if cfg.Workspace.BaseRepo == "" {
		errs = append(errs, "workspace.baseRepo is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
