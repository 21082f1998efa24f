// Package config provides configuration management for the DevOS orchestrator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Git       GitConfig       `mapstructure:"git"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// AuthToken is a single admin bearer token with access to every
	// workspace. AuthTokens grants scoped access. With neither set the
	// control plane runs unauthenticated (local development).
	AuthToken  string            `mapstructure:"authToken"`
	AuthTokens []AuthTokenConfig `mapstructure:"authTokens"`
}

// AuthTokenConfig grants one bearer token access to a set of workspaces.
type AuthTokenConfig struct {
	Token      string   `mapstructure:"token"`
	UserID     string   `mapstructure:"userId"`
	Workspaces []string `mapstructure:"workspaces"`
	Admin      bool     `mapstructure:"admin"`
}

// QueueConfig holds job queue configuration.
type QueueConfig struct {
	// BackendURL is the durable store DSN. sqlite:<path> or postgres://...
	BackendURL      string `mapstructure:"backendUrl"`
	Workers         int    `mapstructure:"workers"`
	MaxAttempts     int    `mapstructure:"maxAttempts"`
	BackoffBaseMs   int    `mapstructure:"backoffBaseMs"`
	CompletedTTLHrs int    `mapstructure:"completedTtlHrs"` // retention for completed jobs
	FailedTTLHrs    int    `mapstructure:"failedTtlHrs"`    // retention for failed jobs
}

// PipelineConfig holds pipeline state machine configuration.
type PipelineConfig struct {
	BackendURL string `mapstructure:"backendUrl"`
	MaxRetries int    `mapstructure:"maxRetries"` // QA->Dev rework budget per story
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds workspace directory and CLI binary configuration.
type WorkspaceConfig struct {
	Root          string `mapstructure:"root"`          // WORKSPACE_ROOT
	CLIBinaryPath string `mapstructure:"cliBinaryPath"` // CLI_BINARY_PATH
	// OutputBufferURL selects the short-TTL store: redis://... or empty for memory.
	OutputBufferURL string `mapstructure:"outputBufferUrl"`
	OutputTTLMins   int    `mapstructure:"outputTtlMins"`
}

// GitConfig holds Git author identity, credentials and command timeouts.
type GitConfig struct {
	AuthorName     string `mapstructure:"authorName"`
	AuthorEmail    string `mapstructure:"authorEmail"`
	BaseBranch     string `mapstructure:"baseBranch"`
	CommandTimeout int    `mapstructure:"commandTimeout"` // generic git command, seconds
	PushTimeout    int    `mapstructure:"pushTimeout"`    // seconds
	// Token authenticates clone/push and the GitHub API. Held in memory
	// only; it must never be written to jobs, logs or results.
	Token string `mapstructure:"token"`
}

// AgentConfig holds agent session supervision configuration.
type AgentConfig struct {
	MaxParallel        int `mapstructure:"maxParallel"`        // MAX_PARALLEL_AGENTS
	StallSeconds       int `mapstructure:"stallSeconds"`       // SESSION_STALL_SECONDS
	HardTimeoutSeconds int `mapstructure:"hardTimeoutSeconds"` // SESSION_HARD_TIMEOUT_SECONDS
	GracefulWaitSecs   int `mapstructure:"gracefulWaitSecs"`   // wait before force-kill
	TestRunTimeoutSecs int `mapstructure:"testRunTimeoutSecs"` // explicit test run ceiling
	// UsePTY runs the CLI under a pseudo-terminal. Some CLIs buffer or
	// suppress progress output when stdout is a pipe.
	UsePTY bool `mapstructure:"usePty"`
}

// DeployConfig holds deployment monitoring configuration.
type DeployConfig struct {
	Platform         string `mapstructure:"platform"`     // railway | vercel | auto
	PollIntervalSecs int    `mapstructure:"pollInterval"` // monitor poll interval
	MonitorTimeout   int    `mapstructure:"monitorTimeout"`
	SmokeTestTimeout int    `mapstructure:"smokeTestTimeout"`
	RailwayToken     string `mapstructure:"railwayToken"`
	RailwayService   string `mapstructure:"railwayService"`     // service id to deploy
	RailwayEnv       string `mapstructure:"railwayEnvironment"` // environment id
	VercelToken      string `mapstructure:"vercelToken"`
	VercelProject    string `mapstructure:"vercelProject"` // project id or name
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BackoffBase returns the retry backoff base as a time.Duration.
func (q *QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

// CommandTimeoutDuration returns the generic git command ceiling.
func (g *GitConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(g.CommandTimeout) * time.Second
}

// PushTimeoutDuration returns the git push ceiling.
func (g *GitConfig) PushTimeoutDuration() time.Duration {
	return time.Duration(g.PushTimeout) * time.Second
}

// StallThreshold returns the session stall threshold as a time.Duration.
func (a *AgentConfig) StallThreshold() time.Duration {
	return time.Duration(a.StallSeconds) * time.Second
}

// HardTimeout returns the session hard ceiling as a time.Duration.
func (a *AgentConfig) HardTimeout() time.Duration {
	return time.Duration(a.HardTimeoutSeconds) * time.Second
}

// GracefulWait returns the terminate-to-kill escalation wait.
func (a *AgentConfig) GracefulWait() time.Duration {
	return time.Duration(a.GracefulWaitSecs) * time.Second
}

// PollInterval returns the deployment monitor poll interval.
func (d *DeployConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSecs) * time.Second
}

// MonitorTimeoutDuration returns the deployment monitor hard timeout.
func (d *DeployConfig) MonitorTimeoutDuration() time.Duration {
	return time.Duration(d.MonitorTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVOS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.authToken", "")

	// Queue defaults
	v.SetDefault("queue.backendUrl", "sqlite:./devos.db")
	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.backoffBaseMs", 1000)
	v.SetDefault("queue.completedTtlHrs", 7*24)
	v.SetDefault("queue.failedTtlHrs", 30*24)

	// Pipeline defaults
	v.SetDefault("pipeline.backendUrl", "sqlite:./devos.db")
	v.SetDefault("pipeline.maxRetries", 3)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devos-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.root", "~/.devos/workspaces")
	v.SetDefault("workspace.cliBinaryPath", "")
	v.SetDefault("workspace.outputBufferUrl", "")
	v.SetDefault("workspace.outputTtlMins", 60)

	// Git defaults
	v.SetDefault("git.authorName", "DevOS Agent")
	v.SetDefault("git.authorEmail", "agent@devos.ai")
	v.SetDefault("git.baseBranch", "main")
	v.SetDefault("git.commandTimeout", 30)
	v.SetDefault("git.pushTimeout", 120)
	v.SetDefault("git.token", "")

	// Agent defaults
	v.SetDefault("agent.maxParallel", 5)
	v.SetDefault("agent.stallSeconds", 600)
	v.SetDefault("agent.hardTimeoutSeconds", 14400)
	v.SetDefault("agent.gracefulWaitSecs", 5)
	v.SetDefault("agent.testRunTimeoutSecs", 300)
	v.SetDefault("agent.usePty", false)

	// Deploy defaults
	v.SetDefault("deploy.platform", "auto")
	v.SetDefault("deploy.pollInterval", 10)
	v.SetDefault("deploy.monitorTimeout", 600)
	v.SetDefault("deploy.smokeTestTimeout", 300)
	v.SetDefault("deploy.railwayService", "")
	v.SetDefault("deploy.railwayEnvironment", "")
	v.SetDefault("deploy.vercelProject", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVOS_ with snake_case naming; the
// documented deployment variables (WORKSPACE_ROOT, CLI_BINARY_PATH, ...) are
// bound explicitly without the prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The operational contract names these env vars without the DEVOS_ prefix.
	_ = v.BindEnv("workspace.root", "WORKSPACE_ROOT")
	_ = v.BindEnv("workspace.cliBinaryPath", "CLI_BINARY_PATH")
	_ = v.BindEnv("workspace.outputBufferUrl", "OUTPUT_BUFFER_BACKEND_URL")
	_ = v.BindEnv("queue.backendUrl", "JOB_QUEUE_BACKEND_URL")
	_ = v.BindEnv("pipeline.backendUrl", "PIPELINE_STATE_BACKEND_URL")
	_ = v.BindEnv("git.authorName", "GIT_AUTHOR_NAME")
	_ = v.BindEnv("git.authorEmail", "GIT_AUTHOR_EMAIL")
	_ = v.BindEnv("agent.maxParallel", "MAX_PARALLEL_AGENTS")
	_ = v.BindEnv("agent.stallSeconds", "SESSION_STALL_SECONDS")
	_ = v.BindEnv("agent.hardTimeoutSeconds", "SESSION_HARD_TIMEOUT_SECONDS")
	_ = v.BindEnv("git.token", "GITHUB_TOKEN")
	_ = v.BindEnv("deploy.railwayToken", "RAILWAY_TOKEN")
	_ = v.BindEnv("deploy.vercelToken", "VERCEL_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devos/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Queue.Workers <= 0 {
		errs = append(errs, "queue.workers must be positive")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.maxAttempts must be positive")
	}
	if cfg.Agent.MaxParallel <= 0 {
		errs = append(errs, "agent.maxParallel must be positive")
	}
	if cfg.Agent.StallSeconds <= 0 {
		errs = append(errs, "agent.stallSeconds must be positive")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		errs = append(errs, "pipeline.maxRetries must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
