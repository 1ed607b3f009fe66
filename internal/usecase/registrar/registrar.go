// Package registrar turns a NEW_SESSION event into a registered agent: it
// derives a stable agent id, writes the agent record, and injects the
// one-time orientation prompt that tells the session how to use the
// message hub.
package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"brokerd/internal/adapter/relay"
	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
	"brokerd/internal/usecase/store"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and collapses runs of non-alphanumeric characters
// to a single hyphen, trimming leading/trailing hyphens.
func Slugify(name string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// Registrar handles orientation and agent-id assignment for new sessions.
type Registrar struct {
	store  *store.Store
	relay  *relay.Client
	bus    domain.EventBus
	cfg    config.InjectionConfig
	coord  config.CoordinatorConfig
	logger *slog.Logger

	// NotifyCoordinator, when non-nil, is called with a NEW_AGENT notification
	// text to enqueue toward the coordinator session. Wired by the caller to
	// the spool's enqueue path; left nil disables coordinator notification
	// even when cfg.Enabled is true (e.g. in tests).
	NotifyCoordinator func(ctx context.Context, text string) error

	// Metrics, when non-nil, receives the sessions_oriented_total counter.
	Metrics interface{ IncSessionsOriented() }
}

// New creates a Registrar.
func New(st *store.Store, relayClient *relay.Client, bus domain.EventBus, injCfg config.InjectionConfig, coordCfg config.CoordinatorConfig, logger *slog.Logger) *Registrar {
	return &Registrar{store: st, relay: relayClient, bus: bus, cfg: injCfg, coord: coordCfg, logger: logger}
}

// HandleNewSession implements the §4.3 flow for a single NEW_SESSION event.
func (r *Registrar) HandleNewSession(ctx context.Context, sess domain.Session) error {
	agentID, ok := r.store.AgentForSession(sess.SessionID)
	if !ok {
		agentID = r.deriveAgentID(sess)
		if err := r.store.BindSessionAgent(sess.SessionID, agentID); err != nil {
			return domain.WrapOp("Registrar.HandleNewSession", err)
		}
	}

	now := time.Now()
	if existing, had := r.store.Agent(agentID); had {
		existing.SessionID = sess.SessionID
		existing.Directory = sess.Directory
		existing.LastSeenAt = now
		r.store.UpsertAgent(existing)
	} else {
		r.store.UpsertAgent(domain.Agent{
			AgentID:    agentID,
			SessionID:  sess.SessionID,
			Directory:  sess.Directory,
			CreatedAt:  now,
			LastSeenAt: now,
		})
	}

	if r.store.IsOriented(sess.SessionID) {
		return nil
	}

	if err := r.orientWithRetry(ctx, sess.SessionID, agentID); err != nil {
		r.logger.Warn("orientation failed, session remains un-oriented", "session_id", sess.SessionID, "agent_id", agentID, "error", err)
		return err
	}

	r.store.MarkOriented(sess.SessionID)
	if r.Metrics != nil {
		r.Metrics.IncSessionsOriented()
	}

	if r.bus != nil {
		r.bus.Publish(ctx, domain.Event{Type: domain.EventNewAgent, Payload: domain.Agent{AgentID: agentID, SessionID: sess.SessionID, Directory: sess.Directory}})
	}

	if r.coord.Enabled && agentID != domain.CoordinatorAgentID && r.NotifyCoordinator != nil {
		text := fmt.Sprintf("NEW_AGENT: %s at %s", agentID, sess.Directory)
		if err := r.NotifyCoordinator(ctx, text); err != nil {
			r.logger.Warn("coordinator notification failed", "agent_id", agentID, "error", err)
		}
	}

	return nil
}

// deriveAgentID slugifies the session's title, using "agent" when the slug
// is empty; on a colliding slug it appends "-" and the first 4 characters
// of the session id.
func (r *Registrar) deriveAgentID(sess domain.Session) string {
	base := Slugify(sess.Slug)
	if base == "" {
		base = "agent"
	}
	if _, exists := r.store.Agent(base); !exists {
		return base
	}
	suffix := sess.SessionID
	if len(suffix) > 4 {
		suffix = suffix[:4]
	}
	return base + "-" + suffix
}

func (r *Registrar) orientWithRetry(ctx context.Context, sessionID, agentID string) error {
	prompt := orientationPrompt(agentID)
	backoff := r.cfg.Timeout
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	retries := r.cfg.Retries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := r.relay.Inject(ctx, sessionID, prompt); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return domain.NewBrokerError("Registrar.orientWithRetry", domain.ErrSessionUnavailable, lastErr.Error())
}

// orientationPrompt composes the deterministic plain-text orientation
// block sent to a newly registered session.
func orientationPrompt(agentID string) string {
	return fmt.Sprintf(
		"You are registered on the message hub as agent %q.\n"+
			"Message types: task, question, context, completion, error.\n"+
			"Use the hub's send_message tool to reach other agents by id.",
		agentID,
	)
}
