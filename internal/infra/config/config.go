package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Relay       RelayConfig       `yaml:"relay"`
	Spool       SpoolConfig       `yaml:"spool"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Session     SessionConfig     `yaml:"session"`
	Injection   InjectionConfig   `yaml:"injection"`
	GC          GCConfig          `yaml:"gc"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	History     HistoryConfig     `yaml:"history"`
}

// RelayConfig holds connection settings for the external relay HTTP server.
type RelayConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Port          int           `yaml:"port"`
	ConnTimeout   time.Duration `yaml:"conn_timeout"`
	RespTimeout   time.Duration `yaml:"resp_timeout"`
	StartCmd      string        `yaml:"start_cmd,omitempty"`
	StartWait     time.Duration `yaml:"start_wait"`
	MCPConfigPath string        `yaml:"mcp_config_path"`
	MCPServerName string        `yaml:"mcp_server_name"`
}

// SpoolConfig holds the message-spool directory layout.
type SpoolConfig struct {
	Dir               string        `yaml:"dir"`
	MessageTTL        time.Duration `yaml:"message_ttl"`
	QueueSoftBound    int           `yaml:"queue_soft_bound"`
	StartupScanOnly   bool          `yaml:"startup_scan_only,omitempty"`
	SchemaPath        string        `yaml:"schema_path,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// SessionConfig holds session-polling and agent-staleness settings.
type SessionConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	AgentStaleSeconds int           `yaml:"agent_stale_seconds"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	StateDir          string        `yaml:"state_dir"`
}

// InjectionConfig holds the injection worker pool's tuning parameters.
type InjectionConfig struct {
	Workers int           `yaml:"workers"`
	Retries int           `yaml:"retries"`
	Timeout time.Duration `yaml:"timeout"`
}

// GCConfig holds garbage collection cadence.
type GCConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	Path            string `yaml:"path"`
}

// RateLimitConfig holds the per-agent rate limiter's policy.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxMessages     int           `yaml:"max_messages"`
	WindowSeconds   int           `yaml:"window_seconds"`
	CooldownSeconds int           `yaml:"cooldown_seconds"`
}

// CoordinatorConfig holds the coordinator orchestrator's settings.
type CoordinatorConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Model            string `yaml:"model,omitempty"`
	Directory        string `yaml:"directory,omitempty"`
	InstructionsPath string `yaml:"instructions_path,omitempty"`
	SpawnCmd         string `yaml:"spawn_cmd,omitempty"`

	// CostPollIntervalSeconds controls how often the coordinator's message
	// history is polled for token usage and estimated spend. Pricing
	// defaults to Anthropic's published Claude Opus 4 per-million-token
	// rates; override per-deployment if the coordinator runs a different
	// model.
	CostPollIntervalSeconds  int     `yaml:"cost_poll_interval_seconds"`
	PricingInputPerMTok      float64 `yaml:"pricing_input_per_mtok"`
	PricingOutputPerMTok     float64 `yaml:"pricing_output_per_mtok"`
	PricingCacheReadPerMTok  float64 `yaml:"pricing_cache_read_per_mtok"`
	PricingCacheWritePerMTok float64 `yaml:"pricing_cache_write_per_mtok"`
}

// HistoryConfig holds the optional delivery-history audit log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".brokerd")
}

// Defaults returns a Config populated with the daemon's built-in defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Relay: RelayConfig{
			BaseURL:       "http://127.0.0.1",
			Port:          8787,
			ConnTimeout:   5 * time.Second,
			RespTimeout:   10 * time.Second,
			StartWait:     15 * time.Second,
			MCPConfigPath: filepath.Join(dataDir, "mcp.json"),
			MCPServerName: "brokerd-hub",
		},
		Spool: SpoolConfig{
			Dir:            filepath.Join(dataDir, "messages"),
			MessageTTL:     24 * time.Hour,
			QueueSoftBound: 500,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Session: SessionConfig{
			PollInterval:      5 * time.Second,
			AgentStaleSeconds: 3600,
			CacheTTL:          30 * time.Second,
			StateDir:          dataDir,
		},
		Injection: InjectionConfig{
			Workers: 4,
			Retries: 3,
			Timeout: 5 * time.Second,
		},
		GC: GCConfig{
			IntervalSeconds: 60,
		},
		Metrics: MetricsConfig{
			IntervalSeconds: 15,
			Path:            filepath.Join(dataDir, "metrics.prom"),
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			MaxMessages:     20,
			WindowSeconds:   60,
			CooldownSeconds: 0,
		},
		Coordinator: CoordinatorConfig{
			Enabled:                  false,
			Directory:                dataDir,
			CostPollIntervalSeconds:  30,
			PricingInputPerMTok:      15.0,
			PricingOutputPerMTok:     75.0,
			PricingCacheReadPerMTok:  1.50,
			PricingCacheWritePerMTok: 18.75,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "history.db"),
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and validates
// the result. A missing file is not an error: defaults plus env overrides
// apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		ApplyEnvOverrides(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps BROKERD_* env vars onto cfg, taking precedence
// over both defaults and file values.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKERD_RELAY_BASE_URL"); v != "" {
		cfg.Relay.BaseURL = v
	}
	if v := os.Getenv("BROKERD_RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.Port = n
		}
	}
	if v := os.Getenv("BROKERD_RELAY_CONN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.ConnTimeout = d
		}
	}
	if v := os.Getenv("BROKERD_RELAY_RESP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.RespTimeout = d
		}
	}
	if v := os.Getenv("BROKERD_RELAY_START_CMD"); v != "" {
		cfg.Relay.StartCmd = v
	}
	if v := os.Getenv("BROKERD_RELAY_MCP_CONFIG_PATH"); v != "" {
		cfg.Relay.MCPConfigPath = v
	}
	if v := os.Getenv("BROKERD_RELAY_MCP_SERVER_NAME"); v != "" {
		cfg.Relay.MCPServerName = v
	}
	if v := os.Getenv("BROKERD_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("BROKERD_SPOOL_MESSAGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Spool.MessageTTL = d
		}
	}
	if v := os.Getenv("BROKERD_SPOOL_QUEUE_SOFT_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Spool.QueueSoftBound = n
		}
	}
	if v := os.Getenv("BROKERD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BROKERD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("BROKERD_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("BROKERD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	} else if v == "false" {
		cfg.Tracer.Enabled = false
	}
	if v := os.Getenv("BROKERD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("BROKERD_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	if v := os.Getenv("BROKERD_SESSION_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.PollInterval = d
		}
	}
	if v := os.Getenv("BROKERD_SESSION_AGENT_STALE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.AgentStaleSeconds = n
		}
	}
	if v := os.Getenv("BROKERD_SESSION_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.CacheTTL = d
		}
	}
	if v := os.Getenv("BROKERD_SESSION_STATE_DIR"); v != "" {
		cfg.Session.StateDir = v
	}
	if v := os.Getenv("BROKERD_INJECTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Injection.Workers = n
		}
	}
	if v := os.Getenv("BROKERD_INJECTION_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Injection.Retries = n
		}
	}
	if v := os.Getenv("BROKERD_INJECTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Injection.Timeout = d
		}
	}
	if v := os.Getenv("BROKERD_GC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GC.IntervalSeconds = n
		}
	}
	if v := os.Getenv("BROKERD_METRICS_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Metrics.IntervalSeconds = n
		}
	}
	if v := os.Getenv("BROKERD_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
	if v := os.Getenv("BROKERD_RATELIMIT_ENABLED"); v == "true" {
		cfg.RateLimit.Enabled = true
	} else if v == "false" {
		cfg.RateLimit.Enabled = false
	}
	if v := os.Getenv("BROKERD_RATELIMIT_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.MaxMessages = n
		}
	}
	if v := os.Getenv("BROKERD_RATELIMIT_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.WindowSeconds = n
		}
	}
	if v := os.Getenv("BROKERD_RATELIMIT_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RateLimit.CooldownSeconds = n
		}
	}
	if v := os.Getenv("BROKERD_COORDINATOR_ENABLED"); v == "true" {
		cfg.Coordinator.Enabled = true
	} else if v == "false" {
		cfg.Coordinator.Enabled = false
	}
	if v := os.Getenv("BROKERD_COORDINATOR_MODEL"); v != "" {
		cfg.Coordinator.Model = v
	}
	if v := os.Getenv("BROKERD_COORDINATOR_DIRECTORY"); v != "" {
		cfg.Coordinator.Directory = v
	}
	if v := os.Getenv("BROKERD_COORDINATOR_INSTRUCTIONS_PATH"); v != "" {
		cfg.Coordinator.InstructionsPath = v
	}
	if v := os.Getenv("BROKERD_COORDINATOR_SPAWN_CMD"); v != "" {
		cfg.Coordinator.SpawnCmd = v
	}
	if v := os.Getenv("BROKERD_COORDINATOR_COST_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Coordinator.CostPollIntervalSeconds = n
		}
	}
	if v := os.Getenv("BROKERD_HISTORY_ENABLED"); v == "true" {
		cfg.History.Enabled = true
	} else if v == "false" {
		cfg.History.Enabled = false
	}
	if v := os.Getenv("BROKERD_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
}
