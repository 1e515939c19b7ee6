// Package config provides configuration management for Grove.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Grove.
type Config struct {
	HTTP           HTTPConfig           `mapstructure:"http"`
	MCP            MCPConfig            `mapstructure:"mcp"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
	Bus            BusConfig            `mapstructure:"bus"`
	Statestore     StatestoreConfig     `mapstructure:"statestore"`
	Agents         AgentsConfig         `mapstructure:"agents"`
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator"`
	StreamCoalesce StreamCoalesceConfig `mapstructure:"stream_coalescer"`
	ToolStatus     ToolStatusConfig     `mapstructure:"tool_status"`
	Watchdog       WatchdogConfig       `mapstructure:"watchdog"`
	Compaction     CompactionConfig     `mapstructure:"compaction"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Engine         EngineConfig         `mapstructure:"engine"`
	RunSupervisor  RunSupervisorConfig  `mapstructure:"run_supervisor"`
	Channels       ChannelsConfig       `mapstructure:"channels"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// HTTPConfig holds HTTP API server configuration.
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// MCPConfig holds the embedded MCP control server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`     // OTLP/HTTP collector, host:port
	ServiceName string `mapstructure:"service_name"` //nolint:tagliatelle
	Insecure    bool   `mapstructure:"insecure"`
}

// BusConfig holds event bus configuration. Backend "memory" runs fully
// in-process; "nats" connects to the given server.
type BusConfig struct {
	Backend string     `mapstructure:"backend"` // memory, nats
	NATS    NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// StatestoreConfig holds the persisted key-value store configuration.
// Driver "sqlite" uses Path; "postgres" uses DSN; "memory" persists nothing.
type StatestoreConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, memory
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// AgentsConfig locates the agent profile file.
type AgentsConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

// OrchestratorConfig holds run admission configuration.
type OrchestratorConfig struct {
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs"`
	DefaultEngine     string `mapstructure:"default_engine"`
	DefaultModel      string `mapstructure:"default_model"`
}

// StreamCoalesceConfig holds stream coalescer thresholds.
type StreamCoalesceConfig struct {
	MinChars     int `mapstructure:"min_chars"`
	IdleMs       int `mapstructure:"idle_ms"`
	MaxLatencyMs int `mapstructure:"max_latency_ms"`
	MaxFullText  int `mapstructure:"max_full_text"`
}

// ToolStatusConfig holds tool-status coalescer bounds.
type ToolStatusConfig struct {
	MaxActions  int `mapstructure:"max_actions"`
	MsgTruncate int `mapstructure:"msg_truncate"`
}

// WatchdogConfig holds idle-run watchdog timing.
type WatchdogConfig struct {
	IdleLimit      time.Duration `mapstructure:"idle_limit"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// CompactionConfig holds context-compaction thresholds.
type CompactionConfig struct {
	PreemptiveRatio float64       `mapstructure:"preemptive_ratio"`
	PendingTTL      time.Duration `mapstructure:"pending_ttl"`
}

// RetryConfig holds the transient-failure retry policy.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// EngineConfig holds per-engine adapter configuration.
type EngineConfig struct {
	KillTimeout time.Duration      `mapstructure:"kill_timeout"`
	Lemon       LemonEngineConfig  `mapstructure:"lemon"`
	Claude      CLIEngineConfig    `mapstructure:"claude"`
	Codex       CLIEngineConfig    `mapstructure:"codex"`
	OpenAI      OpenAIEngineConfig `mapstructure:"openai"`
}

// LemonEngineConfig configures the native in-process engine.
type LemonEngineConfig struct {
	APIKeyEnv    string `mapstructure:"api_key_env"`
	MaxTokens    int    `mapstructure:"max_tokens"`
	ContextLimit int    `mapstructure:"context_limit"`
}

// CLIEngineConfig configures a subprocess engine (claude, codex).
type CLIEngineConfig struct {
	Binary    string   `mapstructure:"binary"`
	ExtraArgs []string `mapstructure:"extra_args"`
}

// OpenAIEngineConfig configures the remote API engine.
type OpenAIEngineConfig struct {
	APIKeyEnv    string `mapstructure:"api_key_env"`
	BaseURL      string `mapstructure:"base_url"`
	DefaultModel string `mapstructure:"default_model"`
	ContextLimit int    `mapstructure:"context_limit"`
}

// RunSupervisorConfig bounds the run process pool.
type RunSupervisorConfig struct {
	MaxChildren int `mapstructure:"max_children"`
}

// ChannelsConfig holds per-channel delivery configuration and the
// channel/account to agent binding table.
type ChannelsConfig struct {
	Webchat  WebchatConfig   `mapstructure:"webchat"`
	Bindings []BindingConfig `mapstructure:"bindings"`
}

// BindingConfig routes one channel/account pair to an agent. An empty
// account matches any account on the channel. Policy is the
// channel-level tool policy layer, tool name to approval level.
type BindingConfig struct {
	Channel string            `mapstructure:"channel"`
	Account string            `mapstructure:"account"`
	Agent   string            `mapstructure:"agent"`
	Policy  map[string]string `mapstructure:"policy"`
}

// WebchatConfig throttles the WebSocket channel's message edits.
type WebchatConfig struct {
	EditsPerSecond float64 `mapstructure:"edits_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (h *HTTPConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (h *HTTPConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("GROVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// HTTP server defaults
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8084)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	// MCP control server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 8085)

	// Telemetry defaults - disabled unless an operator opts in
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "grove")
	v.SetDefault("telemetry.insecure", true)

	// Bus defaults - in-memory unless NATS is configured
	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.nats.url", "")
	v.SetDefault("bus.nats.client_id", "grove")
	v.SetDefault("bus.nats.max_reconnects", 10)

	// Statestore defaults
	v.SetDefault("statestore.driver", "sqlite")
	v.SetDefault("statestore.path", "grove.db")
	v.SetDefault("statestore.dsn", "")
	v.SetDefault("statestore.max_conns", 25)
	v.SetDefault("statestore.min_conns", 5)

	// Agent profile defaults
	v.SetDefault("agents.config_path", "agents.yaml")

	// Orchestrator defaults
	v.SetDefault("orchestrator.max_concurrent_runs", 2)
	v.SetDefault("orchestrator.default_engine", "lemon")
	v.SetDefault("orchestrator.default_model", "claude-sonnet-4-5")

	// Stream coalescer defaults
	v.SetDefault("stream_coalescer.min_chars", 48)
	v.SetDefault("stream_coalescer.idle_ms", 400)
	v.SetDefault("stream_coalescer.max_latency_ms", 1200)
	v.SetDefault("stream_coalescer.max_full_text", 100_000)

	// Tool-status coalescer defaults
	v.SetDefault("tool_status.max_actions", 40)
	v.SetDefault("tool_status.msg_truncate", 140)

	// Watchdog defaults
	v.SetDefault("watchdog.idle_limit", 2*time.Hour)
	v.SetDefault("watchdog.confirm_timeout", 5*time.Minute)

	// Compaction defaults
	v.SetDefault("compaction.preemptive_ratio", 0.9)
	v.SetDefault("compaction.pending_ttl", 12*time.Hour)

	// Retry defaults
	v.SetDefault("retry.max_attempts", 1)

	// Engine defaults
	v.SetDefault("engine.kill_timeout", 2*time.Second)
	v.SetDefault("engine.lemon.api_key_env", "ANTHROPIC_API_KEY")
	v.SetDefault("engine.lemon.max_tokens", 8192)
	v.SetDefault("engine.lemon.context_limit", 200_000)
	v.SetDefault("engine.claude.binary", "claude")
	v.SetDefault("engine.codex.binary", "codex")
	v.SetDefault("engine.openai.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("engine.openai.base_url", "")
	v.SetDefault("engine.openai.default_model", "gpt-4o")
	v.SetDefault("engine.openai.context_limit", 128_000)

	// Run supervisor defaults
	v.SetDefault("run_supervisor.max_children", 500)

	// Channel defaults
	v.SetDefault("channels.webchat.edits_per_second", 1.0)
	v.SetDefault("channels.webchat.burst", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GROVE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/grove/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GROVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/grove/")

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

// validate checks that all required configuration fields are sane.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 1 and 65535")
	}
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	switch cfg.Bus.Backend {
	case "memory", "nats":
	default:
		errs = append(errs, "bus.backend must be one of: memory, nats")
	}
	if cfg.Bus.Backend == "nats" && cfg.Bus.NATS.URL == "" {
		errs = append(errs, "bus.nats.url is required when bus.backend is nats")
	}

	switch cfg.Statestore.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, "statestore.driver must be one of: sqlite, postgres, memory")
	}
	if cfg.Statestore.Driver == "postgres" && cfg.Statestore.DSN == "" {
		errs = append(errs, "statestore.dsn is required when statestore.driver is postgres")
	}

	if cfg.Orchestrator.MaxConcurrentRuns <= 0 {
		errs = append(errs, "orchestrator.max_concurrent_runs must be positive")
	}
	if cfg.Orchestrator.DefaultEngine == "" {
		errs = append(errs, "orchestrator.default_engine must not be empty")
	}

	if cfg.StreamCoalesce.MinChars <= 0 {
		errs = append(errs, "stream_coalescer.min_chars must be positive")
	}
	if cfg.StreamCoalesce.IdleMs <= 0 {
		errs = append(errs, "stream_coalescer.idle_ms must be positive")
	}
	if cfg.StreamCoalesce.MaxLatencyMs < cfg.StreamCoalesce.IdleMs {
		errs = append(errs, "stream_coalescer.max_latency_ms must be >= idle_ms")
	}
	if cfg.StreamCoalesce.MaxFullText <= 0 {
		errs = append(errs, "stream_coalescer.max_full_text must be positive")
	}

	if cfg.ToolStatus.MaxActions <= 0 {
		errs = append(errs, "tool_status.max_actions must be positive")
	}
	if cfg.ToolStatus.MsgTruncate <= 0 {
		errs = append(errs, "tool_status.msg_truncate must be positive")
	}

	if cfg.Watchdog.IdleLimit <= 0 {
		errs = append(errs, "watchdog.idle_limit must be positive")
	}
	if cfg.Watchdog.ConfirmTimeout <= 0 {
		errs = append(errs, "watchdog.confirm_timeout must be positive")
	}

	if cfg.Compaction.PreemptiveRatio <= 0 || cfg.Compaction.PreemptiveRatio > 1 {
		errs = append(errs, "compaction.preemptive_ratio must be in (0, 1]")
	}
	if cfg.Compaction.PendingTTL <= 0 {
		errs = append(errs, "compaction.pending_ttl must be positive")
	}

	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry.max_attempts must not be negative")
	}
	if cfg.Engine.KillTimeout <= 0 {
		errs = append(errs, "engine.kill_timeout must be positive")
	}
	if cfg.RunSupervisor.MaxChildren <= 0 {
		errs = append(errs, "run_supervisor.max_children must be positive")
	}

	for i, b := range cfg.Channels.Bindings {
		if b.Channel == "" || b.Agent == "" {
			errs = append(errs, fmt.Sprintf("channels.bindings[%d]: channel and agent are required", i))
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
