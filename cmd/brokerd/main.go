// Command brokerd runs the message-broker daemon: it watches the spool
// directory for files dropped by agents, resolves recipients against the
// relay's live session set, and injects delivery over the relay's
// prompt_async endpoint. See internal/usecase for the component design.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokerd/cmd/brokerd/daemon"
	"brokerd/internal/adapter/history"
	"brokerd/internal/adapter/mcpserver"
	"brokerd/internal/adapter/metrics"
	"brokerd/internal/adapter/relay"
	"brokerd/internal/adapter/spool"
	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
	"brokerd/internal/infra/logger"
	"brokerd/internal/infra/tracer"
	"brokerd/internal/usecase/coordinator"
	"brokerd/internal/usecase/eventbus"
	"brokerd/internal/usecase/gc"
	"brokerd/internal/usecase/poller"
	"brokerd/internal/usecase/preflight"
	"brokerd/internal/usecase/ratelimit"
	"brokerd/internal/usecase/registrar"
	"brokerd/internal/usecase/scheduling"
	"brokerd/internal/usecase/store"
	"brokerd/internal/usecase/thread"
	"brokerd/internal/usecase/worker"
)

// version is stamped at release time; left as a placeholder for dev builds.
var version = "dev"

const exitOK = 0
const exitGeneric = 1
const exitMCPMissing = 2
const exitRelayUnreachable = 3

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			os.Exit(exitOK)
		case "--version", "-v":
			fmt.Println("brokerd " + version)
			os.Exit(exitOK)
		case "--doctor":
			os.Exit(runDoctor())
		case "--install-service":
			if err := daemon.Install(daemon.DefaultConfig(configPath())); err != nil {
				fmt.Fprintf(os.Stderr, "install-service: %v\n", err)
				os.Exit(exitGeneric)
			}
			os.Exit(exitOK)
		case "--uninstall-service":
			if err := daemon.Uninstall("brokerd"); err != nil {
				fmt.Fprintf(os.Stderr, "uninstall-service: %v\n", err)
				os.Exit(exitGeneric)
			}
			os.Exit(exitOK)
		}
	}

	os.Exit(run())
}

func showUsage() {
	fmt.Println(`brokerd - inter-agent message broker daemon

USAGE:
    brokerd [start]              Run the daemon (default with no args)
    brokerd --doctor              Run preflight and connectivity checks
    brokerd --install-service     Install brokerd as a system service
    brokerd --uninstall-service   Remove the installed system service
    brokerd --help                Show this help message
    brokerd --version             Show version information

CONFIGURATION:
    Config file:  ./config.yaml (override with --config or BROKERD_CONFIG)
    Environment:  BROKERD_* variables override config file values

EXIT CODES:
    0  normal
    1  generic error
    2  missing MCP prerequisite (preflight failure)
    3  relay unreachable after ensure-running`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	if p := os.Getenv("BROKERD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// run wires every component and blocks until a shutdown signal arrives.
// Returns the process exit code per §6 rather than calling os.Exit directly,
// so cleanup via defer always runs.
func run() int {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitGeneric
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return exitGeneric
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		log.Error("tracer setup failed", "error", err)
		return exitGeneric
	}
	defer tracerShutdown(context.Background())

	if err := preflight.CheckHubMCP(cfg.Relay); err != nil {
		log.Error("preflight failed: agent-hub MCP not registered with the relay host",
			"error", err, "mcp_config_path", cfg.Relay.MCPConfigPath, "mcp_server_name", cfg.Relay.MCPServerName)
		fmt.Fprintln(os.Stderr, "brokerd: the agent-hub MCP server is not registered in the relay host's "+
			"MCP configuration. Add an entry named \""+cfg.Relay.MCPServerName+"\" pointing at this binary, "+
			"then retry.")
		return exitMCPMissing
	}

	relayClient := relay.New(cfg.Relay, log)
	if err := relayClient.EnsureRunning(ctx, cfg.Relay, spawnRelay); err != nil {
		log.Error("relay never became reachable", "error", err)
		return exitRelayUnreachable
	}

	if err := os.MkdirAll(cfg.Spool.Dir, 0o755); err != nil {
		log.Error("create spool dir failed", "error", err)
		return exitGeneric
	}
	if err := os.MkdirAll(cfg.Session.StateDir, 0o755); err != nil {
		log.Error("create state dir failed", "error", err)
		return exitGeneric
	}

	st, err := store.New(cfg.Session.StateDir)
	if err != nil {
		log.Error("store init failed", "error", err)
		return exitGeneric
	}
	defer func() {
		if err := st.Flush(); err != nil {
			log.Error("final state flush failed", "error", err)
		}
	}()

	bus := eventbus.New(log)
	defer bus.Close()

	spoolWatcher, err := spool.New(cfg.Spool.Dir, cfg.Spool.SchemaPath, log)
	if err != nil {
		log.Error("spool init failed", "error", err)
		return exitGeneric
	}
	if err := spoolWatcher.Start(ctx); err != nil {
		log.Error("spool watcher start failed", "error", err)
		return exitGeneric
	}
	defer spoolWatcher.Stop()

	tracker, err := thread.New(cfg.Session.StateDir)
	if err != nil {
		log.Error("thread tracker init failed", "error", err)
		return exitGeneric
	}

	limiter := ratelimit.New(st, cfg.RateLimit)

	metricsCollector := metrics.New()
	metricsWriter := metrics.NewWriter(metricsCollector, spoolWatcher, cfg.Metrics, log)

	var delivery *history.Recorder
	if cfg.History.Enabled {
		delivery, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Error("history init failed", "error", err)
			return exitGeneric
		}
		defer delivery.Close()
	}

	pool := worker.New(cfg.Injection, cfg.Spool, st, limiter, tracker, relayClient, spoolWatcher, metricsCollector, log)
	if delivery != nil {
		pool.History = delivery
	}
	pool.Start(ctx)
	defer pool.Stop()

	reg := registrar.New(st, relayClient, bus, cfg.Injection, cfg.Coordinator, log)
	reg.Metrics = metricsCollector
	reg.NotifyCoordinator = func(ctx context.Context, text string) error {
		msg := domain.Message{From: domain.DaemonSenderID, To: domain.CoordinatorAgentID, Type: domain.MessageContext, Content: text}
		_, err := spool.Enqueue(cfg.Spool.Dir, msg)
		return err
	}
	bus.Subscribe(domain.EventNewSession, func(ctx context.Context, evt domain.Event) {
		sess, ok := evt.Payload.(domain.Session)
		if !ok {
			return
		}
		if err := reg.HandleNewSession(ctx, sess); err != nil {
			log.Warn("new session handling failed", "session_id", sess.SessionID, "error", err)
		}
	})
	bus.Subscribe(domain.EventSessionGone, func(ctx context.Context, evt domain.Event) {
		sess, ok := evt.Payload.(domain.Session)
		if !ok {
			return
		}
		st.RemoveSession(sess.SessionID)
	})

	coord := coordinator.New(cfg.Coordinator, cfg.Session, cfg.Spool.Dir, st, relayClient, log)
	coord.Metrics = metricsCollector
	if err := coord.EnsureStarted(ctx); err != nil {
		log.Warn("coordinator orchestrator did not start", "error", err)
	} else if cfg.Coordinator.Enabled {
		defer coord.Stop()
	}
	reg.NotifyCoordinator = coord.NotifyNewAgent

	collector := gc.New(cfg.Spool.Dir, cfg.GC, cfg.Session, cfg.Spool, st, tracker, spoolWatcher, bus, metricsCollector, log)

	sessionPoller := poller.New(relayClient, bus, log)

	hub := mcpserver.New(cfg.Spool.Dir, st, tracker, log)
	go func() {
		if err := hub.ServeStdio(ctx); err != nil && ctx.Err() == nil {
			log.Error("hub MCP server exited", "error", err)
		}
	}()

	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionSessionPoll, func(ctx context.Context) error {
		return sessionPoller.Poll(ctx)
	})
	scheduler.RegisterAction(scheduling.ActionGCSweep, func(ctx context.Context) error {
		collector.Sweep(time.Now())
		return nil
	})
	scheduler.RegisterAction(scheduling.ActionMetricsFlush, func(ctx context.Context) error {
		return metricsWriter.WriteOnce()
	})
	scheduler.RegisterAction(scheduling.ActionCoordinatorCost, func(ctx context.Context) error {
		return coord.PollCost(ctx)
	})
	mustAddTask(scheduler, "session-poll", cfg.Session.PollInterval.String(), scheduling.ActionSessionPoll, log)
	mustAddTask(scheduler, "gc-sweep", fmt.Sprintf("%ds", cfg.GC.IntervalSeconds), scheduling.ActionGCSweep, log)
	mustAddTask(scheduler, "metrics-flush", fmt.Sprintf("%ds", cfg.Metrics.IntervalSeconds), scheduling.ActionMetricsFlush, log)
	if cfg.Coordinator.Enabled {
		mustAddTask(scheduler, "coordinator-cost", fmt.Sprintf("%ds", cfg.Coordinator.CostPollIntervalSeconds), scheduling.ActionCoordinatorCost, log)
	}

	if err := scheduler.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
		return exitGeneric
	}
	defer scheduler.Stop()

	log.Info("brokerd started",
		"spool_dir", cfg.Spool.Dir,
		"workers", cfg.Injection.Workers,
		"coordinator_enabled", cfg.Coordinator.Enabled,
		"history_enabled", cfg.History.Enabled,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	grace := cfg.Injection.Timeout * time.Duration(cfg.Injection.Retries)
	if grace <= 0 {
		grace = 10 * time.Second
	}
	time.Sleep(minDuration(grace, 30*time.Second))

	return exitOK
}

func mustAddTask(s *scheduling.Scheduler, name, schedule string, action scheduling.ScheduledAction, log interface{ Warn(string, ...any) }) {
	if err := s.AddTask(scheduling.ScheduledTask{Name: name, Schedule: schedule, Action: action}); err != nil {
		log.Warn("failed to schedule task", "name", name, "error", err)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// spawnRelay shells out to start the relay process when configured; the
// relay is expected to daemonize or be supervised externally, so this
// doesn't wait for it to exit.
func spawnRelay(cmdline string) error {
	return daemon.RunDetached(cmdline)
}
