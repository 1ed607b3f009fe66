// Package coordinator implements the coordinator orchestrator (§4.9): on
// daemon start it ensures a coordinator session exists by spawning an
// external interactive session process, waits for that session to appear in
// the relay listing, and reserves it as agent id "coordinator" so the
// registrar never assigns that id to anyone else. Once registered, the
// coordinator is an ordinary agent — this package takes no further part in
// its message traffic.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"brokerd/internal/adapter/relay"
	"brokerd/internal/adapter/spool"
	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
	"brokerd/internal/usecase/store"
)

// pollInterval is how often EnsureStarted checks the relay listing for the
// coordinator's session while it is starting up. It is deliberately tighter
// than the ordinary session poller's interval so the coordinator wins the
// race to claim its reserved agent id before a generic NEW_SESSION handler
// would derive one from the session's slug.
const pollInterval = 500 * time.Millisecond

const defaultInstructions = `You are the coordinator agent on the message hub.

You will receive NEW_AGENT notifications from the daemon as other agents
register. Use the hub's send_message tool to reach them by id, and
get_thread/list_agents to inspect hub state.
`

// spawnFunc starts the coordinator's external process and returns a handle
// the caller can later signal for shutdown. Overridable in tests so they
// never actually exec anything.
type spawnFunc func(ctx context.Context, cmd, dir string, env []string) (*exec.Cmd, error)

// Coordinator spawns and registers the daemon's coordinator session.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	sessionCfg config.SessionConfig
	spoolDir   string

	store  *store.Store
	relay  *relay.Client
	logger *slog.Logger
	spawn  spawnFunc

	// Metrics, when non-nil, receives the agent_hub_coordinator_* token and
	// cost gauges from PollCost. Wired to *metrics.Metrics by the daemon's
	// composition root.
	Metrics interface {
		SetCoordinatorUsage(inputTok, outputTok, cacheReadTok, cacheWriteTok, messages int64, costUSD float64)
	}

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New builds a Coordinator. Call EnsureStarted once during daemon startup.
func New(cfg config.CoordinatorConfig, sessionCfg config.SessionConfig, spoolDir string, st *store.Store, relayClient *relay.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		spoolDir:   spoolDir,
		store:      st,
		relay:      relayClient,
		logger:     logger,
		spawn:      execSpawn,
	}
}

// EnsureStarted implements §4.9. It is a no-op if the coordinator is
// disabled or already has a bound session (e.g. surviving a daemon
// restart via the flushed store).
func (c *Coordinator) EnsureStarted(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	if _, ok := c.store.SessionForAgent(domain.CoordinatorAgentID); ok {
		c.logger.Info("coordinator session already registered, skipping spawn")
		return nil
	}

	instructionsPath, err := c.ensureInstructions()
	if err != nil {
		return domain.WrapOp("Coordinator.EnsureStarted", err)
	}

	before := c.knownSessionIDs()

	cmd, err := c.spawn(ctx, c.spawnCommand(), c.cfg.Directory, c.spawnEnv(instructionsPath))
	if err != nil {
		return domain.NewBrokerError("Coordinator.EnsureStarted", domain.ErrSessionUnavailable, "spawn failed: "+err.Error())
	}
	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	sess, err := c.awaitSession(ctx, before)
	if err != nil {
		return domain.WrapOp("Coordinator.EnsureStarted", err)
	}

	if err := c.register(sess); err != nil {
		return domain.WrapOp("Coordinator.EnsureStarted", err)
	}

	c.logger.Info("coordinator registered", "session_id", sess.ID, "directory", sess.Directory)
	return nil
}

// Stop terminates the spawned process, if any. It does not unregister the
// coordinator's agent id — that binding is permanent for the store's
// lifetime.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		c.logger.Warn("coordinator: failed to kill spawned process", "error", err)
	}
}

// instructionsCandidates returns the precedence-ordered list of paths
// searched for coordinator instructions: an explicit override first, then
// a handful of conventional names under the coordinator's working
// directory.
func (c *Coordinator) instructionsCandidates() []string {
	var candidates []string
	if c.cfg.InstructionsPath != "" {
		candidates = append(candidates, c.cfg.InstructionsPath)
	}
	dir := c.cfg.Directory
	candidates = append(candidates,
		filepath.Join(dir, "COORDINATOR.md"),
		filepath.Join(dir, ".brokerd", "coordinator.md"),
		filepath.Join(dir, "AGENTS.md"),
	)
	return candidates
}

// ensureInstructions returns the first existing candidate path, writing a
// minimal default to the first candidate if none exist.
func (c *Coordinator) ensureInstructions() (string, error) {
	candidates := c.instructionsCandidates()
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	target := candidates[0]
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", domain.NewBrokerError("Coordinator.ensureInstructions", domain.ErrInvariantViolation, err.Error())
	}
	if err := os.WriteFile(target, []byte(defaultInstructions), 0o644); err != nil {
		return "", domain.NewBrokerError("Coordinator.ensureInstructions", domain.ErrInvariantViolation, err.Error())
	}
	c.logger.Info("coordinator: wrote default instructions", "path", target)
	return target, nil
}

func (c *Coordinator) spawnCommand() string {
	if c.cfg.SpawnCmd != "" {
		return c.cfg.SpawnCmd
	}
	return "claude"
}

func (c *Coordinator) spawnEnv(instructionsPath string) []string {
	env := os.Environ()
	if c.cfg.Model != "" {
		env = append(env, "BROKERD_COORDINATOR_MODEL="+c.cfg.Model)
	}
	env = append(env, "BROKERD_COORDINATOR_INSTRUCTIONS="+instructionsPath)
	return env
}

func (c *Coordinator) knownSessionIDs() map[string]struct{} {
	known := make(map[string]struct{})
	for _, s := range c.store.ListSessions() {
		known[s.SessionID] = struct{}{}
	}
	return known
}

// awaitSession polls the relay listing until a session appears that wasn't
// present before spawn and whose directory matches the coordinator's
// configured working directory; a session that reports no directory is
// also accepted.
func (c *Coordinator) awaitSession(ctx context.Context, before map[string]struct{}) (relay.Session, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		sessions, err := c.relay.ListSessions(ctx)
		if err == nil {
			for _, s := range sessions {
				if _, seen := before[s.ID]; seen {
					continue
				}
				if s.Directory != "" && s.Directory != c.cfg.Directory {
					continue
				}
				return s, nil
			}
		}

		select {
		case <-ctx.Done():
			return relay.Session{}, domain.NewBrokerError("Coordinator.awaitSession", domain.ErrSessionUnavailable, "coordinator session never appeared")
		case <-ticker.C:
		}
	}
}

// register binds sess as the reserved coordinator agent id. Binding the
// mapping here, ahead of the ordinary NEW_SESSION flow, is what makes the
// reservation stick: the registrar checks AgentForSession before deriving a
// slug-based id, so whichever of the two sees the session first wins, and
// this poll loop is tuned to win.
func (c *Coordinator) register(sess relay.Session) error {
	if err := c.store.BindSessionAgent(sess.ID, domain.CoordinatorAgentID); err != nil {
		return err
	}
	now := time.Now()
	c.store.UpsertSession(domain.Session{SessionID: sess.ID, Slug: sess.Title, Directory: sess.Directory, FirstSeenAt: now})
	c.store.UpsertAgent(domain.Agent{
		AgentID:    domain.CoordinatorAgentID,
		SessionID:  sess.ID,
		Directory:  sess.Directory,
		CreatedAt:  now,
		LastSeenAt: now,
	})
	c.store.MarkOriented(sess.ID)
	return nil
}

// NotifyNewAgent composes a NEW_AGENT notification from the synthetic daemon
// sender and enqueues it through the normal spool, so it flows through the
// same injection pipeline as any other message. Wired as the registrar's
// NotifyCoordinator callback by the daemon's composition root.
func (c *Coordinator) NotifyNewAgent(_ context.Context, text string) error {
	msg := domain.Message{
		From:    domain.DaemonSenderID,
		To:      domain.CoordinatorAgentID,
		Type:    domain.MessageContext,
		Content: text,
	}
	_, err := spool.Enqueue(c.spoolDir, msg)
	return err
}

// PollCost fetches the coordinator session's message history, sums token
// usage across assistant-role messages (user messages carry no usage
// data), and updates the agent_hub_coordinator_* metrics with the
// resulting absolute snapshot. It is a no-op if the coordinator is
// disabled, has no bound session yet, or Metrics is unset; relay failures
// are logged and otherwise swallowed so a single bad poll doesn't take
// down the scheduler.
func (c *Coordinator) PollCost(ctx context.Context) error {
	if !c.cfg.Enabled || c.Metrics == nil {
		return nil
	}
	sessionID, ok := c.store.SessionForAgent(domain.CoordinatorAgentID)
	if !ok {
		return nil
	}

	messages, err := c.relay.SessionMessages(ctx, sessionID)
	if err != nil {
		c.logger.Warn("coordinator: cost poll failed", "error", err)
		return nil
	}

	var inputTok, outputTok, cacheReadTok, cacheWriteTok, count int64
	for _, msg := range messages {
		if msg.Info.Role != "assistant" {
			continue
		}
		count++
		if msg.Info.Tokens == nil {
			continue
		}
		inputTok += msg.Info.Tokens.Input
		outputTok += msg.Info.Tokens.Output
		cacheReadTok += msg.Info.Tokens.Cache.Read
		cacheWriteTok += msg.Info.Tokens.Cache.Write
	}

	costUSD := float64(inputTok)/1e6*c.cfg.PricingInputPerMTok +
		float64(outputTok)/1e6*c.cfg.PricingOutputPerMTok +
		float64(cacheReadTok)/1e6*c.cfg.PricingCacheReadPerMTok +
		float64(cacheWriteTok)/1e6*c.cfg.PricingCacheWritePerMTok

	c.Metrics.SetCoordinatorUsage(inputTok, outputTok, cacheReadTok, cacheWriteTok, count, costUSD)
	return nil
}

// execSpawn is the real spawnFunc: it starts cmd (interpreted by the shell)
// in dir with env, redirecting its output to the daemon's own streams, and
// does not wait for it to exit.
func execSpawn(ctx context.Context, cmdline, dir string, env []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start coordinator process: %w", err)
	}
	return cmd, nil
}
