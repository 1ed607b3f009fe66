package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"brokerd/internal/adapter/relay"
	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBus records published events without any dispatch machinery, enough
// to assert what the poller emitted and in what order.
type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *fakeBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}
func (b *fakeBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *fakeBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *fakeBus) Close()                                                 {}

func (b *fakeBus) snapshot() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

func relayReturning(t *testing.T, body string) *relay.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	parts := strings.SplitN(strings.TrimPrefix(srv.URL, "http://"), ":", 2)
	var port int
	fmt.Sscanf(parts[1], "%d", &port)
	cfg := config.RelayConfig{BaseURL: "http://" + parts[0], Port: port, ConnTimeout: time.Second, RespTimeout: time.Second}
	return relay.New(cfg, newTestLogger())
}

func TestPollFirstTickSnapshotsWithoutEvents(t *testing.T) {
	r := relayReturning(t, `[{"id":"sess-1","title":"alice"}]`)
	bus := &fakeBus{}
	p := New(r, bus, newTestLogger())

	// First poll snapshots pre-existing sessions: no NEW_SESSION event yet.
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(bus.snapshot()) != 0 {
		t.Errorf("expected no events on first poll (pre-existing snapshot), got %v", bus.snapshot())
	}
	if len(p.KnownSessions()) != 1 {
		t.Fatalf("expected 1 known session, got %d", len(p.KnownSessions()))
	}
}

func TestPollEmitsSessionGone(t *testing.T) {
	first := `[{"id":"sess-1"}]`
	second := `[]`
	toggle := first

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(toggle))
	}))
	defer srv.Close()

	parts := strings.SplitN(strings.TrimPrefix(srv.URL, "http://"), ":", 2)
	var port int
	fmt.Sscanf(parts[1], "%d", &port)
	cfg := config.RelayConfig{BaseURL: "http://" + parts[0], Port: port, ConnTimeout: time.Second, RespTimeout: time.Second}
	r := relay.New(cfg, newTestLogger())

	bus := &fakeBus{}
	p := New(r, bus, newTestLogger())

	p.Poll(context.Background()) // snapshot: sess-1 pre-existing
	toggle = second
	p.Poll(context.Background()) // sess-1 now gone

	events := bus.snapshot()
	if len(events) != 1 || events[0].Type != domain.EventSessionGone {
		t.Fatalf("expected one SESSION_GONE event, got %v", events)
	}
	if len(p.KnownSessions()) != 0 {
		t.Errorf("expected known sessions to be empty after gone, got %d", len(p.KnownSessions()))
	}
}

func TestPollFailureDoesNotMarkSessionsGone(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`[{"id":"sess-1"}]`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	parts := strings.SplitN(strings.TrimPrefix(srv.URL, "http://"), ":", 2)
	var port int
	fmt.Sscanf(parts[1], "%d", &port)
	cfg := config.RelayConfig{BaseURL: "http://" + parts[0], Port: port, ConnTimeout: time.Second, RespTimeout: time.Second}
	r := relay.New(cfg, newTestLogger())

	bus := &fakeBus{}
	p := New(r, bus, newTestLogger())

	p.Poll(context.Background()) // snapshot: sess-1 pre-existing
	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected error on second poll (500)")
	}

	if len(p.KnownSessions()) != 1 {
		t.Errorf("expected sess-1 to remain known after a failed poll, got %d", len(p.KnownSessions()))
	}
	if len(bus.snapshot()) != 0 {
		t.Errorf("expected no SESSION_GONE event from a failed poll, got %v", bus.snapshot())
	}
}

func TestPollEmitsNewSessionAfterSnapshot(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[{"id":"sess-new","title":"carol"}]`))
	}))
	defer srv.Close()

	parts := strings.SplitN(strings.TrimPrefix(srv.URL, "http://"), ":", 2)
	var port int
	fmt.Sscanf(parts[1], "%d", &port)
	cfg := config.RelayConfig{BaseURL: "http://" + parts[0], Port: port, ConnTimeout: time.Second, RespTimeout: time.Second}
	r := relay.New(cfg, newTestLogger())

	bus := &fakeBus{}
	p := New(r, bus, newTestLogger())

	p.Poll(context.Background()) // snapshot: empty
	p.Poll(context.Background()) // sess-new arrives after snapshot: should fire

	events := bus.snapshot()
	if len(events) != 1 || events[0].Type != domain.EventNewSession {
		t.Fatalf("expected one NEW_SESSION event, got %v", events)
	}
	sess, ok := events[0].Payload.(domain.Session)
	if !ok || sess.SessionID != "sess-new" {
		t.Errorf("unexpected payload %+v", events[0].Payload)
	}
}
