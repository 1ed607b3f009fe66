package domain

import "context"

// EventType enumerates the kinds of events published on the broker's
// in-process bus, consumed by the coordinator orchestrator and metrics
// writer.
type EventType string

const (
	EventNewSession      EventType = "NEW_SESSION"
	EventSessionGone     EventType = "SESSION_GONE"
	EventNewAgent        EventType = "NEW_AGENT"
	EventMessageArchived EventType = "MESSAGE_ARCHIVED"
	EventThreadClosed    EventType = "THREAD_CLOSED"
	EventGCSweep         EventType = "GC_SWEEP"
)

// Event is a single occurrence published on the bus. Payload is a
// concrete, per-type struct value (e.g. Session, Agent) and is left
// untyped so the bus package stays independent of its producers.
type Event struct {
	Type    EventType
	Payload any
}

// EventHandler processes a single event. The bus invokes it in its own
// goroutine, so a handler that blocks only delays its own delivery.
type EventHandler func(ctx context.Context, evt Event)

// EventBus is the minimal pub/sub surface consumed by usecase packages.
// It is implemented by internal/usecase/eventbus.
type EventBus interface {
	Publish(ctx context.Context, evt Event)
	Subscribe(t EventType, h EventHandler) (unsubscribe func())
	SubscribeAll(h EventHandler) (unsubscribe func())
	Close()
}
