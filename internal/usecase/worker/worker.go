// Package worker implements the injection worker pool: a fixed number of
// goroutines draining the spool watcher's Delivery Task channel, each
// running a message through rate limiting, TTL expiry, recipient
// resolution, envelope composition, relay injection with retry, and thread
// tracking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"brokerd/internal/adapter/relay"
	"brokerd/internal/adapter/spool"
	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
	"brokerd/internal/usecase/ratelimit"
	"brokerd/internal/usecase/store"
	"brokerd/internal/usecase/thread"
)

// MetricsSink receives the counters the pool updates as it processes tasks.
// Left as a small interface here (not a dependency on the metrics package)
// so the pool is testable without a real exposition writer; the metrics
// adapter implements it.
type MetricsSink interface {
	IncMessagesTotal()
	IncMessagesFailed(reason string)
	IncInjectionsTotal()
	IncInjectionsRetried()
}

type nopMetrics struct{}

func (nopMetrics) IncMessagesTotal()        {}
func (nopMetrics) IncMessagesFailed(string) {}
func (nopMetrics) IncInjectionsTotal()      {}
func (nopMetrics) IncInjectionsRetried()    {}

// outcome classifies how a delivery attempt ended, driving which sidecar
// annotation the message is archived with.
type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeUndeliverable
	outcomeInjectFailed
)

// Pool is the injection worker pool (§4.5).
type Pool struct {
	cfg      config.InjectionConfig
	spoolCfg config.SpoolConfig

	store   *store.Store
	limiter *ratelimit.Limiter
	tracker *thread.Tracker
	relay   *relay.Client
	spool   *spool.Watcher
	metrics MetricsSink
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// History, when non-nil, receives one record per terminal outcome. It is
	// purely additive audit trail; nothing in the pipeline consults it.
	History interface {
		Record(ctx context.Context, from, to string, msgType domain.MessageType, threadID, outcome, detail string, at time.Time) error
	}
}

// New builds a Pool. metrics may be nil, in which case counters are
// discarded.
func New(
	cfg config.InjectionConfig,
	spoolCfg config.SpoolConfig,
	st *store.Store,
	limiter *ratelimit.Limiter,
	tracker *thread.Tracker,
	relayClient *relay.Client,
	watcher *spool.Watcher,
	metrics MetricsSink,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Pool{
		cfg:      cfg,
		spoolCfg: spoolCfg,
		store:    st,
		limiter:  limiter,
		tracker:  tracker,
		relay:    relayClient,
		spool:    watcher,
		metrics:  metrics,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start spawns cfg.Workers goroutines, each draining the spool watcher's
// task channel until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Stop signals every worker goroutine to exit and waits for them to drain
// their in-flight task, if any.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case task, ok := <-p.spool.Tasks():
			if !ok {
				return
			}
			p.handleTask(ctx, task)
		}
	}
}

func (p *Pool) handleTask(ctx context.Context, task spool.DeliveryTask) {
	defer p.spool.TaskDone()

	msg := task.Message
	now := time.Now()

	// 1. Rate check.
	if !p.limiter.Allow(msg.From, now) {
		p.archive(task.Path, "rateLimited: true")
		p.metrics.IncMessagesFailed("rate")
		p.recordHistory(ctx, msg, "rateLimited", "", now)
		p.logger.Info("message rate limited", "from", msg.From, "to", msg.To)
		return
	}

	// 2. TTL check.
	if p.spoolCfg.MessageTTL > 0 {
		sentAt := time.UnixMilli(msg.Timestamp)
		if now.Sub(sentAt) > p.spoolCfg.MessageTTL {
			p.archive(task.Path, "expired: true")
			p.metrics.IncMessagesFailed("expired")
			p.recordHistory(ctx, msg, "expired", "", now)
			p.logger.Info("message expired", "from", msg.From, "to", msg.To)
			return
		}
	}

	// Resolve the thread id up front so the envelope and the eventual
	// thread-tracker touch agree on the same id; GenerateThreadID mints a
	// fresh random suffix on every call, so it must only be called once per
	// message.
	if msg.ThreadID == "" {
		msg.ThreadID = thread.GenerateThreadID(msg.From, msg.To)
	}

	result, err := p.attemptDelivery(ctx, msg)
	switch result {
	case outcomeDelivered:
		p.archive(task.Path, "")
		if _, _, terr := p.tracker.Touch(msg, now); terr != nil {
			p.logger.Error("thread touch failed", "thread_id", msg.ThreadID, "error", terr)
		}
		p.metrics.IncMessagesTotal()
		p.metrics.IncInjectionsTotal()
		p.recordHistory(ctx, msg, "delivered", "", now)
		p.logger.Info("message delivered", "from", msg.From, "to", msg.To, "thread_id", msg.ThreadID)
	case outcomeUndeliverable:
		p.archive(task.Path, "undeliverable: true")
		p.metrics.IncMessagesFailed("undeliverable")
		p.recordHistory(ctx, msg, "undeliverable", errString(err), now)
		p.logger.Warn("message undeliverable", "from", msg.From, "to", msg.To, "error", err)
	case outcomeInjectFailed:
		p.archive(task.Path, "injectFailed: true")
		p.metrics.IncMessagesFailed("injectFailed")
		p.recordHistory(ctx, msg, "injectFailed", errString(err), now)
		p.logger.Warn("message injection failed", "from", msg.From, "to", msg.To, "error", err)
	}
}

func (p *Pool) recordHistory(ctx context.Context, msg domain.Message, outcome, detail string, at time.Time) {
	if p.History == nil {
		return
	}
	if err := p.History.Record(ctx, msg.From, msg.To, msg.Type, msg.ThreadID, outcome, detail, at); err != nil {
		p.logger.Warn("history record failed", "outcome", outcome, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// attemptDelivery runs steps 3-5: recipient resolution, then inject with the
// NotFound/Unavailable retry rules §4.5 spells out.
func (p *Pool) attemptDelivery(ctx context.Context, msg domain.Message) (outcome, error) {
	sessionID, ok := p.resolveRecipientWithRetry(ctx, msg.To)
	if !ok {
		return outcomeUndeliverable, domain.NewBrokerError("worker.attemptDelivery", domain.ErrRecipientUnresolved, msg.To)
	}

	text := composeEnvelope(msg)
	backoff := p.cfg.Timeout
	notFoundRetried := false

	for unavailableAttempts := 0; ; {
		err := p.relay.Inject(ctx, sessionID, text)
		if err == nil {
			return outcomeDelivered, nil
		}

		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			p.store.RemoveSession(sessionID)
			if notFoundRetried {
				return outcomeUndeliverable, err
			}
			notFoundRetried = true
			p.metrics.IncInjectionsRetried()
			if !p.sleep(ctx, p.cfg.Timeout) {
				return outcomeUndeliverable, ctx.Err()
			}
			newID, ok := p.resolveRecipient(ctx, msg.To)
			if !ok {
				return outcomeUndeliverable, err
			}
			sessionID = newID

		case errors.Is(err, domain.ErrSessionUnavailable):
			if unavailableAttempts >= p.cfg.Retries {
				return outcomeInjectFailed, err
			}
			unavailableAttempts++
			p.metrics.IncInjectionsRetried()
			if !p.sleep(ctx, jitter(backoff)) {
				return outcomeInjectFailed, ctx.Err()
			}
			backoff *= 2

		default:
			return outcomeInjectFailed, err
		}
	}
}

// resolveRecipientWithRetry wraps resolveRecipient with the backoff-and-
// retry loop step 3 requires when the recipient is still unresolved after
// the first cache refresh.
func (p *Pool) resolveRecipientWithRetry(ctx context.Context, agentID string) (string, bool) {
	if sessionID, ok := p.resolveRecipient(ctx, agentID); ok {
		return sessionID, true
	}
	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		if !p.sleep(ctx, p.cfg.Timeout) {
			return "", false
		}
		if sessionID, ok := p.resolveRecipient(ctx, agentID); ok {
			return sessionID, true
		}
	}
	return "", false
}

// resolveRecipient finds agentID's session id from the agent record. If
// missing, or the candidate session isn't in the session cache, it performs
// one cache-refreshing list_sessions call and checks again.
func (p *Pool) resolveRecipient(ctx context.Context, agentID string) (string, bool) {
	if sessionID, ok := p.store.SessionForAgent(agentID); ok {
		if _, known := p.store.Session(sessionID); known {
			return sessionID, true
		}
	}

	p.refreshSessionCache(ctx)

	sessionID, ok := p.store.SessionForAgent(agentID)
	if !ok {
		return "", false
	}
	if _, known := p.store.Session(sessionID); !known {
		return "", false
	}
	return sessionID, true
}

func (p *Pool) refreshSessionCache(ctx context.Context) {
	sessions, err := p.relay.ListSessions(ctx)
	if err != nil {
		p.logger.Warn("session cache refresh failed", "error", err)
		return
	}
	for _, s := range sessions {
		p.store.UpsertSession(domain.Session{
			SessionID:   s.ID,
			Slug:        s.Title,
			Directory:   s.Directory,
			FirstSeenAt: s.CreatedAt,
		})
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pool) archive(path, annotation string) {
	if err := p.spool.Archive(path, annotation); err != nil {
		p.logger.Error("failed to archive message", "path", path, "error", err)
	}
}

// jitter applies ±20% jitter to base, per §4.5's Unavailable backoff rule.
func jitter(base time.Duration) time.Duration {
	spread := float64(base) * 0.2
	if spread <= 0 {
		return base
	}
	offset := (rand.Float64()*2 - 1) * spread
	return base + time.Duration(offset)
}

// composeEnvelope renders the deterministic plain-text wrapper step 4
// requires: sender, type, thread id, priority, content, and terse reply
// instructions pointing back at the hub tools.
func composeEnvelope(msg domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "Type: %s\n", msg.Type)
	fmt.Fprintf(&b, "Thread: %s\n", msg.ThreadID)
	fmt.Fprintf(&b, "Priority: %s\n", msg.Priority)
	b.WriteString("\n")
	b.WriteString(msg.Content)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Reply via the hub's send_message tool, to=%q, thread_id=%q. "+
		"Include RESOLVED in a completion message to close this thread.\n", msg.From, msg.ThreadID)
	return b.String()
}
