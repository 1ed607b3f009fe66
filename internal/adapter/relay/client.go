// Package relay is a thin HTTP client over the external relay server: the
// black-box process that hosts interactive assistant sessions and exposes
// session listing and prompt injection.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"brokerd/internal/domain"
	"brokerd/internal/infra/config"
)

// Session is the relay's view of one live interactive session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"-"`
}

type sessionWire struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
	Time      *struct {
		Created int64 `json:"created"`
	} `json:"time,omitempty"`
}

// Client talks to the relay's list-sessions and prompt-injection endpoints.
// Calls are routed through a circuit breaker so a wedged relay fails fast
// instead of piling up blocked goroutines.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[any]
	baseURL    string
	logger     *slog.Logger
}

// New builds a Client against cfg. baseURL is derived from cfg.BaseURL and
// cfg.Port (e.g. "http://127.0.0.1:8787").
func New(cfg config.RelayConfig, logger *slog.Logger) *Client {
	base := fmt.Sprintf("%s:%d", cfg.BaseURL, cfg.Port)

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RespTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.ConnTimeout + cfg.RespTimeout,
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "relay",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("relay circuit breaker state change", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrSessionNotFound)
		},
	})

	return &Client{httpClient: httpClient, breaker: cb, baseURL: base, logger: logger}
}

// ListSessions fetches the relay's current session list. It returns
// domain.ErrSessionUnavailable on connection failure, timeout, or non-2xx.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, domain.NewBrokerError("Relay.ListSessions", domain.ErrSessionUnavailable, err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, domain.NewBrokerError("Relay.ListSessions", domain.ErrSessionUnavailable,
				fmt.Sprintf("status %d", resp.StatusCode))
		}

		var wire []sessionWire
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, domain.NewBrokerError("Relay.ListSessions", domain.ErrSessionUnavailable, "decode: "+err.Error())
		}

		sessions := make([]Session, 0, len(wire))
		for _, w := range wire {
			s := Session{ID: w.ID, Title: w.Title, Directory: w.Directory}
			if w.Time != nil {
				s.CreatedAt = time.UnixMilli(w.Time.Created)
			}
			sessions = append(sessions, s)
		}
		return sessions, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewBrokerError("Relay.ListSessions", domain.ErrSessionUnavailable, "circuit open")
		}
		return nil, err
	}
	return result.([]Session), nil
}

// Inject posts text into sessionID's prompt queue via the async endpoint.
// Returns domain.ErrSessionNotFound on HTTP 404 (session gone), and
// domain.ErrSessionUnavailable on 5xx, timeout, or connection failure.
func (c *Client) Inject(ctx context.Context, sessionID, text string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("%s/session/%s/prompt_async", c.baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, domain.NewBrokerError("Relay.Inject", domain.ErrSessionUnavailable, err.Error())
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, domain.NewBrokerError("Relay.Inject", domain.ErrSessionNotFound, sessionID)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		default:
			return nil, domain.NewBrokerError("Relay.Inject", domain.ErrSessionUnavailable,
				fmt.Sprintf("status %d", resp.StatusCode))
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewBrokerError("Relay.Inject", domain.ErrSessionUnavailable, "circuit open")
		}
		return err
	}
	return nil
}

// TokenUsage is the per-message token accounting the relay reports
// alongside assistant replies, following OpenCode's message-info shape.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cache  struct {
		Read  int64 `json:"read"`
		Write int64 `json:"write"`
	} `json:"cache"`
}

// MessageInfo is the "info" half of one entry in a session's message list.
type MessageInfo struct {
	ID     string      `json:"id"`
	Role   string      `json:"role"`
	Tokens *TokenUsage `json:"tokens,omitempty"`
}

// SessionMessage is one entry in a session's message history, as returned
// by the relay's per-session message-list endpoint. Parts (text, tool
// calls, etc.) are not needed for cost accounting and are not decoded.
type SessionMessage struct {
	Info MessageInfo `json:"info"`
}

// SessionMessages fetches sessionID's message history, used by the
// coordinator cost poll to sum token usage. Returns
// domain.ErrSessionNotFound on HTTP 404 and domain.ErrSessionUnavailable on
// other failures.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]SessionMessage, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		url := fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, domain.NewBrokerError("Relay.SessionMessages", domain.ErrSessionUnavailable, err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, domain.NewBrokerError("Relay.SessionMessages", domain.ErrSessionNotFound, sessionID)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, domain.NewBrokerError("Relay.SessionMessages", domain.ErrSessionUnavailable,
				fmt.Sprintf("status %d", resp.StatusCode))
		}

		var messages []SessionMessage
		if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
			return nil, domain.NewBrokerError("Relay.SessionMessages", domain.ErrSessionUnavailable, "decode: "+err.Error())
		}
		return messages, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewBrokerError("Relay.SessionMessages", domain.ErrSessionUnavailable, "circuit open")
		}
		return nil, err
	}
	return result.([]SessionMessage), nil
}

// EnsureRunning verifies the relay is reachable, spawning cfg.StartCmd if
// configured and the first probe fails. It blocks until ListSessions first
// succeeds or the startup wait elapses.
func (c *Client) EnsureRunning(ctx context.Context, cfg config.RelayConfig, spawn func(cmd string) error) error {
	if _, err := c.ListSessions(ctx); err == nil {
		return nil
	}

	if cfg.StartCmd == "" {
		return domain.NewBrokerError("Relay.EnsureRunning", domain.ErrSessionUnavailable, "relay unreachable and no start_cmd configured")
	}
	if err := spawn(cfg.StartCmd); err != nil {
		return domain.NewBrokerError("Relay.EnsureRunning", domain.ErrSessionUnavailable, "spawn failed: "+err.Error())
	}

	deadline := time.Now().Add(cfg.StartWait)
	backoff := 200 * time.Millisecond
	for time.Now().Before(deadline) {
		if _, err := c.ListSessions(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return domain.NewBrokerError("Relay.EnsureRunning", domain.ErrSessionUnavailable, "relay never became reachable")
}
