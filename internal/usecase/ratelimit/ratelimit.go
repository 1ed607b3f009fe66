// Package ratelimit implements the injection pipeline's per-sender
// admission policy: a sliding window bounded to a maximum message count
// plus a minimum inter-message cooldown gap.
package ratelimit

import (
	"time"

	"brokerd/internal/infra/config"
)

// admitter is the subset of the State Store the limiter needs. Defined here
// so the limiter can be tested without depending on the store package's
// concrete type.
type admitter interface {
	TryAdmit(agentID string, now time.Time, maxMessages int, window, cooldown time.Duration) bool
}

// Limiter decides whether a sender may send now, per §4.7. When disabled,
// Allow always returns true and never touches the store.
type Limiter struct {
	store admitter
	cfg   config.RateLimitConfig
}

// New creates a Limiter backed by store, governed by cfg.
func New(store admitter, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{store: store, cfg: cfg}
}

// Allow reports whether agentID may send at now, recording the send if so.
func (l *Limiter) Allow(agentID string, now time.Time) bool {
	if !l.cfg.Enabled {
		return true
	}
	window := time.Duration(l.cfg.WindowSeconds) * time.Second
	cooldown := time.Duration(l.cfg.CooldownSeconds) * time.Second
	return l.store.TryAdmit(agentID, now, l.cfg.MaxMessages, window, cooldown)
}
