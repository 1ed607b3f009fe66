package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors so a caller sees
// every problem at once, not just the first.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness, returning a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRelay(cfg, ve)
	validateSpool(cfg, ve)
	validateLogger(cfg, ve)
	validateSession(cfg, ve)
	validateInjection(cfg, ve)
	validateGC(cfg, ve)
	validateMetrics(cfg, ve)
	validateRateLimit(cfg, ve)
	validateCoordinator(cfg, ve)
	validateHistory(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRelay(cfg *Config, ve *ValidationError) {
	if cfg.Relay.BaseURL == "" {
		ve.Add("relay.base_url must not be empty")
	}
	if cfg.Relay.Port <= 0 || cfg.Relay.Port > 65535 {
		ve.Add("relay.port must be between 1 and 65535")
	}
	if cfg.Relay.ConnTimeout <= 0 {
		ve.Add("relay.conn_timeout must be > 0")
	}
	if cfg.Relay.RespTimeout <= 0 {
		ve.Add("relay.resp_timeout must be > 0")
	}
}

func validateSpool(cfg *Config, ve *ValidationError) {
	if cfg.Spool.Dir == "" {
		ve.Add("spool.dir must not be empty")
	}
	if cfg.Spool.MessageTTL <= 0 {
		ve.Add("spool.message_ttl must be > 0")
	}
	if cfg.Spool.QueueSoftBound <= 0 {
		ve.Add("spool.queue_soft_bound must be > 0")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.PollInterval <= 0 {
		ve.Add("session.poll_interval must be > 0")
	}
	if cfg.Session.AgentStaleSeconds <= 0 {
		ve.Add("session.agent_stale_seconds must be > 0")
	}
	if cfg.Session.CacheTTL <= 0 {
		ve.Add("session.cache_ttl must be > 0")
	}
	if cfg.Session.StateDir == "" {
		ve.Add("session.state_dir must not be empty")
	}
}

func validateInjection(cfg *Config, ve *ValidationError) {
	if cfg.Injection.Workers <= 0 {
		ve.Add("injection.workers must be > 0")
	}
	if cfg.Injection.Retries < 0 {
		ve.Add("injection.retries must be >= 0")
	}
	if cfg.Injection.Timeout <= 0 {
		ve.Add("injection.timeout must be > 0")
	}
}

func validateGC(cfg *Config, ve *ValidationError) {
	if cfg.GC.IntervalSeconds <= 0 {
		ve.Add("gc.interval_seconds must be > 0")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if cfg.Metrics.IntervalSeconds <= 0 {
		ve.Add("metrics.interval_seconds must be > 0")
	}
	if cfg.Metrics.Path == "" {
		ve.Add("metrics.path must not be empty")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	if !cfg.RateLimit.Enabled {
		return
	}
	if cfg.RateLimit.MaxMessages <= 0 {
		ve.Add("rate_limit.max_messages must be > 0 when rate limiting is enabled")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		ve.Add("rate_limit.window_seconds must be > 0 when rate limiting is enabled")
	}
	if cfg.RateLimit.CooldownSeconds < 0 {
		ve.Add("rate_limit.cooldown_seconds must be >= 0")
	}
}

func validateCoordinator(cfg *Config, ve *ValidationError) {
	if !cfg.Coordinator.Enabled {
		return
	}
	if cfg.Coordinator.Directory == "" {
		ve.Add("coordinator.directory is required when coordinator is enabled")
	}
	if cfg.Coordinator.SpawnCmd == "" {
		ve.Add("coordinator.spawn_cmd is required when coordinator is enabled")
	}
	if cfg.Coordinator.CostPollIntervalSeconds <= 0 {
		ve.Add("coordinator.cost_poll_interval_seconds must be > 0 when coordinator is enabled")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if !cfg.History.Enabled {
		return
	}
	if cfg.History.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
}
