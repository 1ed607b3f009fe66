package config

import "testing"

func TestValidateDefaultsOK(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Errorf("Validate(Defaults()) = %v, want nil", err)
	}
}

func TestValidateRejectsBadRelayPort(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.Port = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for relay.port=0")
	}
}

func TestValidateRejectsZeroInjectionWorkers(t *testing.T) {
	cfg := Defaults()
	cfg.Injection.Workers = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for injection.workers=0")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestValidateRateLimitSkippedWhenDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.MaxMessages = 0
	cfg.RateLimit.WindowSeconds = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate = %v, want nil (rate limit fields ignored when disabled)", err)
	}
}

func TestValidateRateLimitRequiresMaxMessagesWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.MaxMessages = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for rate_limit.max_messages=0 while enabled")
	}
}

func TestValidateCoordinatorRequiresSpawnCmdWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Coordinator.Enabled = true
	cfg.Coordinator.SpawnCmd = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing coordinator.spawn_cmd")
	}
}

func TestValidateCoordinatorRequiresCostPollIntervalWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Coordinator.Enabled = true
	cfg.Coordinator.CostPollIntervalSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for coordinator.cost_poll_interval_seconds=0")
	}
}

func TestValidateHistoryRequiresPathWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.History.Enabled = true
	cfg.History.Path = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing history.path")
	}
}

func TestValidationErrorAccumulatesMultiple(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.Port = 0
	cfg.Injection.Workers = 0
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 2 {
		t.Errorf("expected at least 2 accumulated errors, got %d", len(ve.Errors))
	}
}
