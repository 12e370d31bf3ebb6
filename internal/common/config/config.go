// Package config provides configuration management for threadline.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for threadline.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Platforms  []PlatformConfig `mapstructure:"platforms"`
	Session    SessionConfig    `mapstructure:"session"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Store      StoreConfig      `mapstructure:"store"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Update     UpdateConfig     `mapstructure:"update"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Events     EventsConfig     `mapstructure:"events"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PlatformConfig describes one chat platform connection.
type PlatformConfig struct {
	ID           string   `mapstructure:"id"`
	Kind         string   `mapstructure:"kind"` // mattermost, slack
	URL          string   `mapstructure:"url"`
	Token        string   `mapstructure:"token"`
	Channel      string   `mapstructure:"channel"`
	BotName      string   `mapstructure:"botName"`
	AllowedUsers []string `mapstructure:"allowedUsers"`
	Enabled      bool     `mapstructure:"enabled"`
}

// SessionConfig holds per-session lifecycle configuration.
type SessionConfig struct {
	IdleTimeoutMinutes       int    `mapstructure:"idleTimeoutMinutes"`
	IdleWarningMinutes       int    `mapstructure:"idleWarningMinutes"`
	IdleCheckIntervalSeconds int    `mapstructure:"idleCheckIntervalSeconds"`
	MaxResumeFailures        int    `mapstructure:"maxResumeFailures"`
	SkipPermissions          bool   `mapstructure:"skipPermissions"`
	PermissionTimeoutSeconds int    `mapstructure:"permissionTimeoutSeconds"` // 0 means wait forever
	AppendSystemPrompt       string `mapstructure:"appendSystemPrompt"`
}

// AgentConfig holds AI CLI child-process configuration.
type AgentConfig struct {
	// Binary is the AI CLI executable; resolved via PATH when not absolute.
	Binary string `mapstructure:"binary"`

	// Profile selects the argv/failure-pattern profile from the registry.
	Profile string `mapstructure:"profile"`

	// MCPConfig is a path or inline JSON handed to the child untouched.
	MCPConfig string `mapstructure:"mcpConfig"`

	StatusFileIntervalSeconds int      `mapstructure:"statusFileIntervalSeconds"`
	StatusDir                 string   `mapstructure:"statusDir"`
	ExtraArgs                 []string `mapstructure:"extraArgs"`
}

// WorktreeConfig holds git worktree isolation configuration.
type WorktreeConfig struct {
	Mode    string `mapstructure:"mode"`    // off, auto, prompt
	BaseDir string `mapstructure:"baseDir"` // default: ~/.threadline/worktrees
}

// StoreConfig holds session snapshot persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"` // default: ~/.config/threadline/sessions.json
}

// TranscriptConfig holds thread-log recording configuration.
type TranscriptConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Driver        string `mapstructure:"driver"` // sqlite3, pgx
	Path          string `mapstructure:"path"`   // sqlite file path
	DSN           string `mapstructure:"dsn"`    // postgres DSN when driver is pgx
	RetentionDays int    `mapstructure:"retentionDays"`
}

// CleanupConfig holds background cleanup configuration.
type CleanupConfig struct {
	IntervalMinutes     int `mapstructure:"intervalMinutes"`
	WorktreeMaxAgeHours int `mapstructure:"worktreeMaxAgeHours"`
}

// UpdateConfig holds auto-update coordination configuration.
type UpdateConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Mode                 string `mapstructure:"mode"` // immediate, idle, quiet, scheduled, ask
	RegistryURL          string `mapstructure:"registryUrl"`
	PackageName          string `mapstructure:"packageName"`
	CheckIntervalMinutes int    `mapstructure:"checkIntervalMinutes"`
	IdleTimeoutMinutes   int    `mapstructure:"idleTimeoutMinutes"`
	QuietTimeoutMinutes  int    `mapstructure:"quietTimeoutMinutes"`
	ScheduledStartHour   int    `mapstructure:"scheduledStartHour"`
	ScheduledEndHour     int    `mapstructure:"scheduledEndHour"`
	AskTimeoutMinutes    int    `mapstructure:"askTimeoutMinutes"`
	InstallCommand       string `mapstructure:"installCommand"`
	StateFile            string `mapstructure:"stateFile"` // default: ~/.threadline/update-state.json
}

// GatewayConfig holds the optional ops HTTP/WebSocket gateway configuration.
type GatewayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listenAddr"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	BusType           string `mapstructure:"busType"` // memory, nats
	NATSURL           string `mapstructure:"natsUrl"`
	NATSClientID      string `mapstructure:"natsClientId"`
	NATSMaxReconnects int    `mapstructure:"natsMaxReconnects"`
}

// IdleTimeout returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// IdleWarning returns the pre-timeout warning lead as a time.Duration.
func (s *SessionConfig) IdleWarning() time.Duration {
	return time.Duration(s.IdleWarningMinutes) * time.Minute
}

// IdleCheckInterval returns the idle monitor tick as a time.Duration.
func (s *SessionConfig) IdleCheckInterval() time.Duration {
	return time.Duration(s.IdleCheckIntervalSeconds) * time.Second
}

// PermissionTimeout returns the approval timeout; zero means no timeout.
func (s *SessionConfig) PermissionTimeout() time.Duration {
	return time.Duration(s.PermissionTimeoutSeconds) * time.Second
}

// StatusFileInterval returns the status file write tick as a time.Duration.
func (a *AgentConfig) StatusFileInterval() time.Duration {
	return time.Duration(a.StatusFileIntervalSeconds) * time.Second
}

// Interval returns the cleanup scan interval as a time.Duration.
func (c *CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// WorktreeMaxAge returns the orphaned-worktree grace period as a time.Duration.
func (c *CleanupConfig) WorktreeMaxAge() time.Duration {
	return time.Duration(c.WorktreeMaxAgeHours) * time.Hour
}

// Retention returns the transcript retention window as a time.Duration.
func (t *TranscriptConfig) Retention() time.Duration {
	return time.Duration(t.RetentionDays) * 24 * time.Hour
}

// CheckInterval returns the version check interval as a time.Duration.
func (u *UpdateConfig) CheckInterval() time.Duration {
	return time.Duration(u.CheckIntervalMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for production-like environments, "text" for terminals.
func detectDefaultLogFormat() string {
	if env := os.Getenv("THREADLINE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// homePath expands a path under the user home directory, falling back to the
// relative path when the home directory cannot be resolved.
func homePath(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(parts...)
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Session defaults
	v.SetDefault("session.idleTimeoutMinutes", 120)
	v.SetDefault("session.idleWarningMinutes", 10)
	v.SetDefault("session.idleCheckIntervalSeconds", 60)
	v.SetDefault("session.maxResumeFailures", 3)
	v.SetDefault("session.skipPermissions", false)
	v.SetDefault("session.permissionTimeoutSeconds", 0)
	v.SetDefault("session.appendSystemPrompt", "")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.profile", "claude")
	v.SetDefault("agent.mcpConfig", "")
	v.SetDefault("agent.statusFileIntervalSeconds", 10)
	v.SetDefault("agent.statusDir", homePath(".threadline", "status"))
	v.SetDefault("agent.extraArgs", []string{})

	// Worktree defaults
	v.SetDefault("worktree.mode", "prompt")
	v.SetDefault("worktree.baseDir", homePath(".threadline", "worktrees"))

	// Store defaults
	v.SetDefault("store.path", homePath(".config", "threadline", "sessions.json"))

	// Transcript defaults - sqlite file next to the other state
	v.SetDefault("transcript.enabled", true)
	v.SetDefault("transcript.driver", "sqlite3")
	v.SetDefault("transcript.path", homePath(".threadline", "transcripts.db"))
	v.SetDefault("transcript.dsn", "")
	v.SetDefault("transcript.retentionDays", 30)

	// Cleanup defaults
	v.SetDefault("cleanup.intervalMinutes", 60)
	v.SetDefault("cleanup.worktreeMaxAgeHours", 24)

	// Update defaults - disabled until a registry is configured
	v.SetDefault("update.enabled", false)
	v.SetDefault("update.mode", "idle")
	v.SetDefault("update.registryUrl", "https://registry.npmjs.org")
	v.SetDefault("update.packageName", "")
	v.SetDefault("update.checkIntervalMinutes", 360)
	v.SetDefault("update.idleTimeoutMinutes", 5)
	v.SetDefault("update.quietTimeoutMinutes", 10)
	v.SetDefault("update.scheduledStartHour", 3)
	v.SetDefault("update.scheduledEndHour", 5)
	v.SetDefault("update.askTimeoutMinutes", 30)
	v.SetDefault("update.installCommand", "")
	v.SetDefault("update.stateFile", homePath(".threadline", "update-state.json"))

	// Gateway defaults - off unless explicitly enabled
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.listenAddr", ":8750")

	// Events defaults - empty NATS URL means use in-memory event bus
	v.SetDefault("events.busType", "memory")
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.natsClientId", "threadline")
	v.SetDefault("events.natsMaxReconnects", 10)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix THREADLINE_ with snake_case naming.
// Config file should be named config.yaml and placed in ~/.threadline/ or the
// current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("THREADLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("worktree.baseDir", "THREADLINE_WORKTREE_BASE_DIR")
	_ = v.BindEnv("update.registryUrl", "THREADLINE_UPDATE_REGISTRY_URL")
	_ = v.BindEnv("update.packageName", "THREADLINE_UPDATE_PACKAGE_NAME")
	_ = v.BindEnv("events.natsUrl", "THREADLINE_EVENTS_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(homePath(".threadline"))
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configured values are usable. Platform entries are
// optional at load time; a platform added via CLI flags is validated again
// before connecting.
func Validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	seen := map[string]bool{}
	for i := range cfg.Platforms {
		p := &cfg.Platforms[i]
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("platforms[%d].id %q is duplicated", i, p.ID))
		}
		seen[p.ID] = true
		if p.Kind != "mattermost" && p.Kind != "slack" {
			errs = append(errs, fmt.Sprintf("platforms[%d].kind must be mattermost or slack", i))
		}
		if p.URL == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].url is required", i))
		}
		if p.Token == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].token is required", i))
		}
	}

	if cfg.Session.IdleTimeoutMinutes <= 0 {
		errs = append(errs, "session.idleTimeoutMinutes must be positive")
	}
	if cfg.Session.IdleWarningMinutes < 0 || cfg.Session.IdleWarningMinutes >= cfg.Session.IdleTimeoutMinutes {
		errs = append(errs, "session.idleWarningMinutes must be in [0, idleTimeoutMinutes)")
	}
	if cfg.Session.IdleCheckIntervalSeconds <= 0 {
		errs = append(errs, "session.idleCheckIntervalSeconds must be positive")
	}
	if cfg.Session.MaxResumeFailures <= 0 {
		errs = append(errs, "session.maxResumeFailures must be positive")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}

	switch cfg.Worktree.Mode {
	case "off", "auto", "prompt":
	default:
		errs = append(errs, "worktree.mode must be one of: off, auto, prompt")
	}

	switch cfg.Transcript.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, "transcript.driver must be one of: sqlite3, pgx")
	}
	if cfg.Transcript.Driver == "pgx" && cfg.Transcript.DSN == "" {
		errs = append(errs, "transcript.dsn is required when transcript.driver is pgx")
	}

	if cfg.Cleanup.IntervalMinutes <= 0 {
		errs = append(errs, "cleanup.intervalMinutes must be positive")
	}

	if cfg.Update.Enabled {
		switch cfg.Update.Mode {
		case "immediate", "idle", "quiet", "scheduled", "ask":
		default:
			errs = append(errs, "update.mode must be one of: immediate, idle, quiet, scheduled, ask")
		}
		if cfg.Update.PackageName == "" {
			errs = append(errs, "update.packageName is required when update.enabled is true")
		}
		if cfg.Update.Mode == "scheduled" {
			if cfg.Update.ScheduledStartHour < 0 || cfg.Update.ScheduledStartHour > 23 ||
				cfg.Update.ScheduledEndHour < 0 || cfg.Update.ScheduledEndHour > 23 {
				errs = append(errs, "update.scheduledStartHour/EndHour must be in [0, 23]")
			}
		}
	}

	switch cfg.Events.BusType {
	case "memory", "nats":
	default:
		errs = append(errs, "events.busType must be one of: memory, nats")
	}
	if cfg.Events.BusType == "nats" && cfg.Events.NATSURL == "" {
		errs = append(errs, "events.natsUrl is required when events.busType is nats")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
