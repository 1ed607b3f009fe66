// Package poller periodically asks the relay for its live session set and
// publishes NEW_SESSION/SESSION_GONE events for the registrar to act on.
package poller

import (
	"context"
	"log/slog"
	"sync"

	"brokerd/internal/adapter/relay"
	"brokerd/internal/domain"
)

// Poller diffs the relay's session list against what it last saw and emits
// domain events for the delta.
type Poller struct {
	relay  *relay.Client
	bus    domain.EventBus
	logger *slog.Logger

	mu            sync.Mutex
	known         map[string]domain.Session
	preExisting   map[string]struct{}
	snapshotTaken bool
}

// New creates a Poller. relayClient and bus must be non-nil.
func New(relayClient *relay.Client, bus domain.EventBus, logger *slog.Logger) *Poller {
	return &Poller{
		relay:       relayClient,
		bus:         bus,
		logger:      logger,
		known:       make(map[string]domain.Session),
		preExisting: make(map[string]struct{}),
	}
}

// Poll performs one tick: fetch sessions, diff against known state, and
// publish events for new/gone sessions. A failed fetch (relay unavailable)
// leaves the known set untouched — sessions are never marked gone on a
// failed poll.
func (p *Poller) Poll(ctx context.Context) error {
	sessions, err := p.relay.ListSessions(ctx)
	if err != nil {
		p.logger.Warn("session poll failed, keeping previous known set", "error", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fetched := make(map[string]domain.Session, len(sessions))
	for _, rs := range sessions {
		fetched[rs.ID] = domain.Session{
			SessionID:   rs.ID,
			Slug:        rs.Title,
			Directory:   rs.Directory,
			FirstSeenAt: rs.CreatedAt,
		}
	}

	if !p.snapshotTaken {
		for id := range fetched {
			p.preExisting[id] = struct{}{}
		}
		p.snapshotTaken = true
	}

	for id, sess := range fetched {
		if _, ok := p.known[id]; ok {
			continue
		}
		p.known[id] = sess
		if _, pre := p.preExisting[id]; pre {
			continue
		}
		p.bus.Publish(ctx, domain.Event{Type: domain.EventNewSession, Payload: sess})
	}

	for id, sess := range p.known {
		if _, ok := fetched[id]; ok {
			continue
		}
		delete(p.known, id)
		delete(p.preExisting, id)
		p.bus.Publish(ctx, domain.Event{Type: domain.EventSessionGone, Payload: sess})
	}

	return nil
}

// KnownSessions returns a snapshot of the currently known session set.
func (p *Poller) KnownSessions() []domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Session, 0, len(p.known))
	for _, s := range p.known {
		out = append(out, s)
	}
	return out
}
