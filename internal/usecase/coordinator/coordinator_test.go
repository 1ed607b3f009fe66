package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brokerd/internal/adapter/relay"
	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
	"brokerd/internal/usecase/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func relayListing(t *testing.T, sessions []map[string]any) *relay.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessions)
	}))
	t.Cleanup(srv.Close)

	parts := strings.SplitN(strings.TrimPrefix(srv.URL, "http://"), ":", 2)
	var port int
	fmt.Sscanf(parts[1], "%d", &port)
	cfg := config.RelayConfig{BaseURL: "http://" + parts[0], Port: port, ConnTimeout: time.Second, RespTimeout: time.Second}
	return relay.New(cfg, newTestLogger())
}

func noopSpawn(_ context.Context, _, _ string, _ []string) (*exec.Cmd, error) {
	return &exec.Cmd{}, nil
}

// relayMessages serves a fixed message list for GET /session/{id}/message
// and an empty session listing for everything else, so callers can point a
// Coordinator at it without a full relay fake.
func relayMessages(t *testing.T, messages []map[string]any) *relay.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/message") {
			json.NewEncoder(w).Encode(messages)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	t.Cleanup(srv.Close)

	parts := strings.SplitN(strings.TrimPrefix(srv.URL, "http://"), ":", 2)
	var port int
	fmt.Sscanf(parts[1], "%d", &port)
	cfg := config.RelayConfig{BaseURL: "http://" + parts[0], Port: port, ConnTimeout: time.Second, RespTimeout: time.Second}
	return relay.New(cfg, newTestLogger())
}

func assistantMessage(input, output, cacheRead, cacheWrite int64) map[string]any {
	return map[string]any{
		"info": map[string]any{
			"id":   "msg_test",
			"role": "assistant",
			"tokens": map[string]any{
				"input":  input,
				"output": output,
				"cache":  map[string]any{"read": cacheRead, "write": cacheWrite},
			},
		},
		"parts": []any{},
	}
}

func userMessage() map[string]any {
	return map[string]any{
		"info": map[string]any{"id": "msg_user", "role": "user"},
		"parts": []any{
			map[string]any{"type": "text", "text": "hello"},
		},
	}
}

type fakeMetrics struct {
	inputTok, outputTok, cacheReadTok, cacheWriteTok, messages int64
	costUSD                                                    float64
	calls                                                       int
}

func (f *fakeMetrics) SetCoordinatorUsage(inputTok, outputTok, cacheReadTok, cacheWriteTok, messages int64, costUSD float64) {
	f.inputTok, f.outputTok, f.cacheReadTok, f.cacheWriteTok, f.messages, f.costUSD = inputTok, outputTok, cacheReadTok, cacheWriteTok, messages, costUSD
	f.calls++
}

func newTestCoordinator(t *testing.T, cfg config.CoordinatorConfig, relayClient *relay.Client) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	c := New(cfg, config.SessionConfig{}, t.TempDir(), st, relayClient, newTestLogger())
	c.spawn = noopSpawn
	return c, st
}

func TestEnsureInstructionsFindsExplicitOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.md")
	if err := os.WriteFile(path, []byte("custom instructions"), 0o644); err != nil {
		t.Fatalf("write custom instructions: %v", err)
	}

	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: dir, InstructionsPath: path}, relayListing(t, nil))
	got, err := c.ensureInstructions()
	if err != nil {
		t.Fatalf("ensureInstructions: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want explicit override %q", got, path)
	}
}

func TestEnsureInstructionsFindsConventionalName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	if err := os.WriteFile(path, []byte("agents doc"), 0o644); err != nil {
		t.Fatalf("write AGENTS.md: %v", err)
	}

	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: dir}, relayListing(t, nil))
	got, err := c.ensureInstructions()
	if err != nil {
		t.Fatalf("ensureInstructions: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestEnsureInstructionsWritesDefaultWhenNoneFound(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: dir}, relayListing(t, nil))

	got, err := c.ensureInstructions()
	if err != nil {
		t.Fatalf("ensureInstructions: %v", err)
	}
	wantPath := filepath.Join(dir, "COORDINATOR.md")
	if got != wantPath {
		t.Errorf("got %q, want default path %q", got, wantPath)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read written default: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty default instructions")
	}
}

func TestEnsureStartedSkipsSpawnIfAlreadyBound(t *testing.T) {
	dir := t.TempDir()
	c, st := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: dir}, relayListing(t, nil))
	st.BindSessionAgent("sess-existing", domain.CoordinatorAgentID)

	called := false
	c.spawn = func(context.Context, string, string, []string) (*exec.Cmd, error) {
		called = true
		return &exec.Cmd{}, nil
	}

	if err := c.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if called {
		t.Error("expected spawn to be skipped when coordinator already bound")
	}
}

func TestEnsureStartedDisabledIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: false}, relayListing(t, nil))
	called := false
	c.spawn = func(context.Context, string, string, []string) (*exec.Cmd, error) {
		called = true
		return &exec.Cmd{}, nil
	}
	if err := c.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}
	if called {
		t.Error("expected spawn to be skipped when disabled")
	}
}

func TestEnsureStartedRegistersNewSession(t *testing.T) {
	dir := t.TempDir()
	relayClient := relayListing(t, []map[string]any{
		{"id": "sess-coord", "title": "Coordinator", "directory": dir},
	})
	c, st := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: dir}, relayClient)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.EnsureStarted(ctx); err != nil {
		t.Fatalf("EnsureStarted: %v", err)
	}

	sessionID, ok := st.SessionForAgent(domain.CoordinatorAgentID)
	if !ok || sessionID != "sess-coord" {
		t.Errorf("SessionForAgent(coordinator) = %q, %v; want sess-coord, true", sessionID, ok)
	}
	agentID, ok := st.AgentForSession("sess-coord")
	if !ok || agentID != domain.CoordinatorAgentID {
		t.Errorf("AgentForSession(sess-coord) = %q, %v; want coordinator, true", agentID, ok)
	}
	if !st.IsOriented("sess-coord") {
		t.Error("expected coordinator session marked oriented")
	}
}

func TestEnsureStartedIgnoresSessionsInOtherDirectories(t *testing.T) {
	dir := t.TempDir()
	relayClient := relayListing(t, []map[string]any{
		{"id": "sess-other", "title": "Unrelated", "directory": "/somewhere/else"},
	})
	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: dir}, relayClient)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.EnsureStarted(ctx)
	if err == nil {
		t.Fatal("expected EnsureStarted to time out since no matching session ever appears")
	}
}

func TestNotifyNewAgentEnqueuesFromDaemonSender(t *testing.T) {
	spoolDir := t.TempDir()
	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, Directory: t.TempDir()}, relayListing(t, nil))
	c.spoolDir = spoolDir

	if err := c.NotifyNewAgent(context.Background(), "NEW_AGENT: alice at /repo"); err != nil {
		t.Fatalf("NotifyNewAgent: %v", err)
	}

	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one enqueued message file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(spoolDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read enqueued file: %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal enqueued message: %v", err)
	}
	if msg.From != domain.DaemonSenderID || msg.To != domain.CoordinatorAgentID {
		t.Errorf("got from=%q to=%q, want from=%q to=%q", msg.From, msg.To, domain.DaemonSenderID, domain.CoordinatorAgentID)
	}
}

func TestPollCostDisabledIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: false}, relayMessages(t, nil))
	metrics := &fakeMetrics{}
	c.Metrics = metrics

	if err := c.PollCost(context.Background()); err != nil {
		t.Fatalf("PollCost: %v", err)
	}
	if metrics.calls != 0 {
		t.Error("expected no metrics update while coordinator is disabled")
	}
}

func TestPollCostNoSessionIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true}, relayMessages(t, nil))
	metrics := &fakeMetrics{}
	c.Metrics = metrics

	if err := c.PollCost(context.Background()); err != nil {
		t.Fatalf("PollCost: %v", err)
	}
	if metrics.calls != 0 {
		t.Error("expected no metrics update before a coordinator session is bound")
	}
}

func TestPollCostSumsAssistantTokensOnly(t *testing.T) {
	relayClient := relayMessages(t, []map[string]any{
		userMessage(),
		assistantMessage(10, 100, 500, 200),
		userMessage(),
		assistantMessage(5, 50, 300, 100),
	})
	c, st := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true, PricingInputPerMTok: 1, PricingOutputPerMTok: 1, PricingCacheReadPerMTok: 1, PricingCacheWritePerMTok: 1}, relayClient)
	st.BindSessionAgent("sess-coord", domain.CoordinatorAgentID)
	metrics := &fakeMetrics{}
	c.Metrics = metrics

	if err := c.PollCost(context.Background()); err != nil {
		t.Fatalf("PollCost: %v", err)
	}
	if metrics.inputTok != 15 || metrics.outputTok != 150 || metrics.cacheReadTok != 800 || metrics.cacheWriteTok != 300 {
		t.Errorf("got tokens in=%d out=%d cacheRead=%d cacheWrite=%d, want 15,150,800,300",
			metrics.inputTok, metrics.outputTok, metrics.cacheReadTok, metrics.cacheWriteTok)
	}
	if metrics.messages != 2 {
		t.Errorf("messages = %d, want 2 (user messages excluded)", metrics.messages)
	}
}

func TestPollCostIgnoresUserMessages(t *testing.T) {
	relayClient := relayMessages(t, []map[string]any{userMessage(), userMessage(), userMessage()})
	c, st := newTestCoordinator(t, config.CoordinatorConfig{Enabled: true}, relayClient)
	st.BindSessionAgent("sess-coord", domain.CoordinatorAgentID)
	metrics := &fakeMetrics{}
	c.Metrics = metrics

	if err := c.PollCost(context.Background()); err != nil {
		t.Fatalf("PollCost: %v", err)
	}
	if metrics.inputTok != 0 || metrics.outputTok != 0 || metrics.messages != 0 || metrics.costUSD != 0 {
		t.Errorf("got %+v, want all zero", metrics)
	}
}

func TestPollCostEstimatesUsingConfiguredPricing(t *testing.T) {
	relayClient := relayMessages(t, []map[string]any{assistantMessage(10, 20, 100, 40)})
	c, st := newTestCoordinator(t, config.CoordinatorConfig{
		Enabled:                  true,
		PricingInputPerMTok:      1_000_000,
		PricingOutputPerMTok:     2_000_000,
		PricingCacheReadPerMTok:  500_000,
		PricingCacheWritePerMTok: 750_000,
	}, relayClient)
	st.BindSessionAgent("sess-coord", domain.CoordinatorAgentID)
	metrics := &fakeMetrics{}
	c.Metrics = metrics

	if err := c.PollCost(context.Background()); err != nil {
		t.Fatalf("PollCost: %v", err)
	}
	// 10*1 + 20*2 + 100*0.5 + 40*0.75 = 10 + 40 + 50 + 30 = 130
	if metrics.costUSD != 130.0 {
		t.Errorf("costUSD = %v, want 130.0", metrics.costUSD)
	}
}

func TestPollCostDefaultPricingMatchesOpus4Rates(t *testing.T) {
	relayClient := relayMessages(t, []map[string]any{assistantMessage(1_000_000, 1_000_000, 1_000_000, 1_000_000)})
	cfg := config.Defaults().Coordinator
	cfg.Enabled = true
	c, st := newTestCoordinator(t, cfg, relayClient)
	st.BindSessionAgent("sess-coord", domain.CoordinatorAgentID)
	metrics := &fakeMetrics{}
	c.Metrics = metrics

	if err := c.PollCost(context.Background()); err != nil {
		t.Fatalf("PollCost: %v", err)
	}
	// 1M tokens of each type at $15/$75/$1.50/$18.75 per MTok = $110.25.
	if diff := metrics.costUSD - 110.25; diff > 0.01 || diff < -0.01 {
		t.Errorf("costUSD = %v, want ~110.25", metrics.costUSD)
	}
}
