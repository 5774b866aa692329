// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server              ServerConfig              `mapstructure:"server"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	Events              EventsConfig              `mapstructure:"events"`
	DataDir             string                    `mapstructure:"dataDir"`
	Lifecycle           LifecycleConfig           `mapstructure:"lifecycle"`
	Scheduler           SchedulerConfig           `mapstructure:"scheduler"`
	Projects            map[string]ProjectConfig  `mapstructure:"projects"`
	Policies            PoliciesConfig            `mapstructure:"policies"`
	Reactions           map[string]ReactionConfig `mapstructure:"reactions"`
	NotificationRouting map[string][]string       `mapstructure:"notificationRouting"`
	Plugins             []PluginDecl              `mapstructure:"plugins"`

	// FilePath is the absolute path of the config file this Config was loaded
	// from (or the nominal default path when no file was found). Session
	// storage directories are derived from it, so it must be stable.
	FilePath string `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`  // allowed origins; "*" allows any
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// EventsConfig selects the event bus implementation.
type EventsConfig struct {
	Provider string     `mapstructure:"provider"` // memory, nats
	NATS     NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LifecycleConfig holds the polling engine configuration.
type LifecycleConfig struct {
	PollInterval       int `mapstructure:"pollInterval"`       // in seconds
	OutputProbeLines   int `mapstructure:"outputProbeLines"`   // terminal lines read per activity probe
	SessionConcurrency int `mapstructure:"sessionConcurrency"` // max sessions evaluated in parallel per sweep
}

// SchedulerConfig holds batch-spawn admission configuration.
type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxConcurrent   int  `mapstructure:"maxConcurrent"`   // cap on non-terminal sessions
	ProcessInterval int  `mapstructure:"processInterval"` // in seconds
	QueueSize       int  `mapstructure:"queueSize"`
}

// ProjectConfig describes one supervised project.
type ProjectConfig struct {
	Path          string            `mapstructure:"path"`
	DefaultBranch string            `mapstructure:"defaultBranch"`
	SessionPrefix string            `mapstructure:"sessionPrefix"`
	Runtime       string            `mapstructure:"runtime"`
	Agent         string            `mapstructure:"agent"`
	Workspace     string            `mapstructure:"workspace"`
	SCM           string            `mapstructure:"scm"`
	Tracker       string            `mapstructure:"tracker"`
	Settings      map[string]string `mapstructure:"settings"`
}

// PoliciesConfig groups spawn, verifier, and reviewer policies.
type PoliciesConfig struct {
	Spawn    SpawnPolicyConfig    `mapstructure:"spawn"`
	Verifier VerifierPolicyConfig `mapstructure:"verifier"`
	Reviewer ReviewerPolicyConfig `mapstructure:"reviewer"`
}

// SpawnPolicyConfig gates session creation.
type SpawnPolicyConfig struct {
	RequireValidatedPlanTask bool `mapstructure:"requireValidatedPlanTask"`
}

// VerifierPolicyConfig controls the evidence verification gate.
type VerifierPolicyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Agent   string `mapstructure:"agent"` // agent plugin for verifier sessions; empty = project agent
}

// ReviewerPolicyConfig controls the K-of-N reviewer gate.
type ReviewerPolicyConfig struct {
	Enabled                   bool     `mapstructure:"enabled"`
	ReviewerCount             int      `mapstructure:"reviewerCount"`
	MinReviewerAgentApprovals int      `mapstructure:"minReviewerAgentApprovals"`
	MaxCycles                 int      `mapstructure:"maxCycles"`
	RequireEvidence           *bool    `mapstructure:"requireEvidence"` // nil = true
	ReviewerPool              []string `mapstructure:"reviewerPool"`
}

// ReactionConfig describes one configured automated response to an event.
type ReactionConfig struct {
	Action     string            `mapstructure:"action"` // send-to-agent, notify, auto-merge
	Message    string            `mapstructure:"message"`
	Auto       *bool             `mapstructure:"auto"`    // nil = true
	Retries    *int              `mapstructure:"retries"` // shorthand: same retry count at every level
	Escalation *EscalationConfig `mapstructure:"escalation"`
}

// EscalationConfig holds per-level retry counts and time thresholds for a
// send-to-agent reaction.
type EscalationConfig struct {
	RetryCounts      LevelCounts     `mapstructure:"retryCounts"`
	TimeThresholdsMs LevelThresholds `mapstructure:"timeThresholdsMs"`
}

// LevelCounts holds one non-negative integer per escalation level.
type LevelCounts struct {
	Worker       int `mapstructure:"worker"`
	Verifier     int `mapstructure:"verifier"`
	Orchestrator int `mapstructure:"orchestrator"`
}

// LevelThresholds holds one nullable duration (milliseconds) per escalation level.
type LevelThresholds struct {
	Worker       *int64 `mapstructure:"worker"`
	Verifier     *int64 `mapstructure:"verifier"`
	Orchestrator *int64 `mapstructure:"orchestrator"`
}

// PluginDecl declares a plugin instance to load at bootstrap.
type PluginDecl struct {
	Slot     string            `mapstructure:"slot" yaml:"slot"`
	Name     string            `mapstructure:"name" yaml:"name"`
	Plugin   string            `mapstructure:"plugin" yaml:"plugin"` // factory name; defaults to name
	Settings map[string]string `mapstructure:"settings" yaml:"settings"`
}

// sessionPrefixPattern matches valid session id prefixes.
var sessionPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the lifecycle poll interval as a time.Duration.
func (l *LifecycleConfig) PollIntervalDuration() time.Duration {
	return time.Duration(l.PollInterval) * time.Second
}

// ProcessIntervalDuration returns the scheduler process interval as a time.Duration.
func (s *SchedulerConfig) ProcessIntervalDuration() time.Duration {
	return time.Duration(s.ProcessInterval) * time.Second
}

// RequireEvidenceEnabled reports whether reviewer approvals must carry evidence.
func (r *ReviewerPolicyConfig) RequireEvidenceEnabled() bool {
	return r.RequireEvidence == nil || *r.RequireEvidence
}

// AutoEnabled reports whether the reaction may run without operator confirmation.
func (r *ReactionConfig) AutoEnabled() bool {
	return r.Auto == nil || *r.Auto
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7590)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Events defaults - memory bus unless a NATS URL is configured
	v.SetDefault("events.provider", "memory")
	v.SetDefault("events.nats.url", "")
	v.SetDefault("events.nats.clientId", "agent-orchestrator")
	v.SetDefault("events.nats.maxReconnects", 10)

	// Storage defaults
	v.SetDefault("dataDir", "~/.agent-orchestrator")

	// Lifecycle defaults
	v.SetDefault("lifecycle.pollInterval", 30)
	v.SetDefault("lifecycle.outputProbeLines", 50)
	v.SetDefault("lifecycle.sessionConcurrency", 8)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.maxConcurrent", 4)
	v.SetDefault("scheduler.processInterval", 10)
	v.SetDefault("scheduler.queueSize", 256)

	// Policy defaults
	v.SetDefault("policies.spawn.requireValidatedPlanTask", false)
	v.SetDefault("policies.verifier.enabled", true)
	v.SetDefault("policies.reviewer.enabled", false)
	v.SetDefault("policies.reviewer.reviewerCount", 2)
	v.SetDefault("policies.reviewer.minReviewerAgentApprovals", 2)
	v.SetDefault("policies.reviewer.maxCycles", 3)
	v.SetDefault("policies.reviewer.reviewerPool", []string{
		"rev-alpha", "rev-bravo", "rev-charlie", "rev-delta",
	})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AO_ with snake_case naming.
// Config file should be named orchestrator.yaml and placed in the current
// directory, ~/.agent-orchestrator/, or /etc/agent-orchestrator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("orchestrator")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agent-orchestrator"))
	}
	v.AddConfigPath("/etc/agent-orchestrator/")

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

	cfg.FilePath = nominalFilePath(v)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// nominalFilePath returns the absolute path of the loaded config file, or the
// default location when no file existed. Storage paths hash this value, so
// running with and without an explicit file must not relocate session data.
func nominalFilePath(v *viper.Viper) string {
	if used := v.ConfigFileUsed(); used != "" {
		if abs, err := filepath.Abs(used); err == nil {
			return abs
		}
		return used
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return filepath.Join(cwd, "orchestrator.yaml")
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Events.Provider {
	case "", "memory":
	case "nats":
		if cfg.Events.NATS.URL == "" {
			errs = append(errs, "events.nats.url is required when events.provider is nats")
		}
	default:
		errs = append(errs, "events.provider must be one of: memory, nats")
	}

	if cfg.Lifecycle.PollInterval <= 0 {
		errs = append(errs, "lifecycle.pollInterval must be positive")
	}
	if cfg.Lifecycle.OutputProbeLines <= 0 {
		errs = append(errs, "lifecycle.outputProbeLines must be positive")
	}
	if cfg.Lifecycle.SessionConcurrency <= 0 {
		errs = append(errs, "lifecycle.sessionConcurrency must be positive")
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.MaxConcurrent <= 0 {
			errs = append(errs, "scheduler.maxConcurrent must be positive")
		}
		if cfg.Scheduler.ProcessInterval <= 0 {
			errs = append(errs, "scheduler.processInterval must be positive")
		}
	}

	for id, project := range cfg.Projects {
		if project.Path == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.path is required", id))
		}
		if project.SessionPrefix != "" && !sessionPrefixPattern.MatchString(project.SessionPrefix) {
			errs = append(errs, fmt.Sprintf("projects.%s.sessionPrefix must match [a-zA-Z0-9_-]+", id))
		}
	}

	if cfg.Policies.Reviewer.Enabled {
		if cfg.Policies.Reviewer.ReviewerCount < 2 {
			errs = append(errs, "policies.reviewer.reviewerCount must be at least 2")
		}
		if len(cfg.Policies.Reviewer.ReviewerPool) < cfg.Policies.Reviewer.ReviewerCount {
			errs = append(errs, "policies.reviewer.reviewerPool must have at least reviewerCount entries")
		}
		if cfg.Policies.Reviewer.MaxCycles <= 0 {
			errs = append(errs, "policies.reviewer.maxCycles must be positive")
		}
	}

	for key, reaction := range cfg.Reactions {
		switch reaction.Action {
		case "send-to-agent", "notify", "auto-merge":
		default:
			errs = append(errs, fmt.Sprintf("reactions.%s.action must be one of: send-to-agent, notify, auto-merge", key))
		}
		if reaction.Retries != nil && *reaction.Retries < 0 {
			errs = append(errs, fmt.Sprintf("reactions.%s.retries must be non-negative", key))
		}
	}

	for priority := range cfg.NotificationRouting {
		switch priority {
		case "urgent", "action", "warning", "info":
		default:
			errs = append(errs, fmt.Sprintf("notificationRouting.%s is not a valid priority", priority))
		}
	}

	for i, decl := range cfg.Plugins {
		if decl.Slot == "" || decl.Name == "" {
			errs = append(errs, fmt.Sprintf("plugins[%d] must set slot and name", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Project returns the configuration for the given project id.
func (c *Config) Project(id string) (ProjectConfig, bool) {
	p, ok := c.Projects[id]
	return p, ok
}
