package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brokerd/internal/adapter/history"
	"brokerd/internal/adapter/relay"
	"brokerd/internal/infra/config"
	"brokerd/internal/infra/logger"
	"brokerd/internal/usecase/preflight"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results, returning the
// process exit code (0 on success, 1 if any check failed).
func runDoctor() int {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agent-hub MCP registration", Fn: checkMCPPreflight},
		{Name: "Relay connectivity", Fn: checkRelayConnectivity},
		{Name: "Spool directory", Fn: checkSpoolDir},
		{Name: "Session state directory", Fn: checkStateDir},
		{Name: "Delivery history", Fn: checkHistory},
	}

	fmt.Println("brokerd doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		icon := statusIcon(result.Status)
		fmt.Printf("  %s %s: %s\n", icon, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before starting brokerd.")
		return exitGeneric
	}
	if warn > 0 {
		fmt.Println("\nbrokerd should run, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! brokerd is ready to run.")
	}
	return exitOK
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Write a config.yaml or point --config at an existing one",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file parse error: %v", cfgErr),
				Fix:     "Check config.yaml syntax against the documented schema",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkMCPPreflight(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	if err := preflight.CheckHubMCP(cfg.Relay); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     fmt.Sprintf("register %q in %s", cfg.Relay.MCPServerName, cfg.Relay.MCPConfigPath),
		}
	}
	return CheckResult{Status: StatusPass, Message: "agent-hub MCP server registered"}
}

func checkRelayConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("could not build logger for check: %v", err)}
	}
	defer closeLog()

	client := relay.New(cfg.Relay, log)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ConnTimeout)
	defer cancel()

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("relay not reachable: %v", err),
			Fix:     "start the relay, or set relay.start_cmd so brokerd can start it itself",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("relay reachable, %d live session(s)", len(sessions))}
}

func checkSpoolDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	return checkDirWritable(cfg.Spool.Dir)
}

func checkStateDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	return checkDirWritable(cfg.Session.StateDir)
}

func checkDirWritable(dir string) CheckResult {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s: %v", dir, err),
			Fix:     "check permissions on the parent directory",
		}
	}
	probe := filepath.Join(dir, ".brokerd-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "check permissions on " + dir,
		}
	}
	os.Remove(probe)
	return CheckResult{Status: StatusPass, Message: dir + " is writable"}
}

func checkHistory(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}
	if !cfg.History.Enabled {
		return CheckResult{Status: StatusPass, Message: "delivery history disabled"}
	}
	rec, err := history.Open(cfg.History.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.History.Path, err),
			Fix:     "check permissions on " + filepath.Dir(cfg.History.Path),
		}
	}
	defer rec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	counts, err := rec.CountByOutcome(ctx)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("history query failed: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("history db OK, outcomes recorded: %v", counts)}
}
