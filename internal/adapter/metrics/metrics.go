// Package metrics implements the Metrics Writer (§4.10): in-memory
// counters and gauges, rendered to a Prometheus text exposition file on a
// fixed interval via atomic write (temp + rename).
package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"brokerd/internal/infra/config"
)

// QueueSizer reports the current depth of the message spool, backing the
// message_queue_size gauge. Satisfied by *spool.Watcher.
type QueueSizer interface {
	QueueSize() int64
}

// Metrics holds the daemon's counters and gauges. All fields are safe for
// concurrent use; the zero value is usable. It satisfies the small
// MetricsSink interfaces declared locally by internal/usecase/worker,
// internal/usecase/gc, and internal/usecase/registrar.
type Metrics struct {
	messagesTotal      atomic.Int64
	injectionsTotal    atomic.Int64
	injectionsRetried  atomic.Int64
	sessionsOriented   atomic.Int64
	gcMessagesExpired  atomic.Int64
	gcAgentsRemoved    atomic.Int64
	gcMappingsDropped  atomic.Int64
	gcThreadsRemoved   atomic.Int64

	coordTokensInput      atomic.Int64
	coordTokensOutput     atomic.Int64
	coordTokensCacheRead  atomic.Int64
	coordTokensCacheWrite atomic.Int64
	coordMessagesTotal    atomic.Int64

	mu                    sync.Mutex
	messagesFailed        map[string]int64
	coordEstimatedCostUSD float64
}

// New returns a ready-to-use Metrics.
func New() *Metrics {
	return &Metrics{messagesFailed: make(map[string]int64)}
}

func (m *Metrics) IncMessagesTotal()     { m.messagesTotal.Add(1) }
func (m *Metrics) IncInjectionsTotal()   { m.injectionsTotal.Add(1) }
func (m *Metrics) IncInjectionsRetried() { m.injectionsRetried.Add(1) }
func (m *Metrics) IncSessionsOriented()  { m.sessionsOriented.Add(1) }

func (m *Metrics) IncMessagesFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messagesFailed == nil {
		m.messagesFailed = make(map[string]int64)
	}
	m.messagesFailed[reason]++
}

func (m *Metrics) IncGCMessagesExpired(n int) { m.gcMessagesExpired.Add(int64(n)) }
func (m *Metrics) IncGCAgentsRemoved(n int)   { m.gcAgentsRemoved.Add(int64(n)) }
func (m *Metrics) IncGCMappingsDropped(n int) { m.gcMappingsDropped.Add(int64(n)) }
func (m *Metrics) IncGCThreadsRemoved(n int)  { m.gcThreadsRemoved.Add(int64(n)) }

// SetCoordinatorUsage records the coordinator cost poll's latest snapshot.
// Unlike the Inc* counters above, these are absolute values: each poll
// reads the coordinator session's full message history, so the correct
// update is a replace, not an accumulate.
func (m *Metrics) SetCoordinatorUsage(inputTok, outputTok, cacheReadTok, cacheWriteTok, messages int64, costUSD float64) {
	m.coordTokensInput.Store(inputTok)
	m.coordTokensOutput.Store(outputTok)
	m.coordTokensCacheRead.Store(cacheReadTok)
	m.coordTokensCacheWrite.Store(cacheWriteTok)
	m.coordMessagesTotal.Store(messages)
	m.mu.Lock()
	m.coordEstimatedCostUSD = costUSD
	m.mu.Unlock()
}

func (m *Metrics) coordinatorCostSnapshot() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordEstimatedCostUSD
}

func (m *Metrics) messagesFailedSnapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.messagesFailed))
	for k, v := range m.messagesFailed {
		out[k] = v
	}
	return out
}

// Writer renders Metrics to a text exposition file on a fixed interval.
type Writer struct {
	metrics *Metrics
	queue   QueueSizer
	cfg     config.MetricsConfig
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWriter builds a Writer. queue may be nil, in which case
// message_queue_size is always reported as 0.
func NewWriter(m *Metrics, queue QueueSizer, cfg config.MetricsConfig, logger *slog.Logger) *Writer {
	return &Writer{metrics: m, queue: queue, cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Start launches the exposition-file ticker. It returns immediately.
func (w *Writer) Start() {
	interval := time.Duration(w.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				if err := w.WriteOnce(); err != nil {
					w.logger.Error("metrics: write failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the ticker goroutine to exit and waits for it, then renders
// a final snapshot so the exposition file reflects shutdown state.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	if err := w.WriteOnce(); err != nil {
		w.logger.Error("metrics: final write failed", "error", err)
	}
}

// WriteOnce renders the current metric snapshot and atomically replaces
// the exposition file. Exported directly so callers (and tests) don't have
// to wait out the ticker interval.
func (w *Writer) WriteOnce() error {
	var queueSize int64
	if w.queue != nil {
		queueSize = w.queue.QueueSize()
	}
	text := w.metrics.render(queueSize)

	path := w.cfg.Path
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("metrics: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("metrics: rename: %w", err)
	}
	return nil
}

// render produces the Prometheus text exposition format, one HELP/TYPE
// pair and value line per metric, in a fixed order so successive renders
// diff cleanly.
func (m *Metrics) render(queueSize int64) string {
	var b strings.Builder

	writeCounter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, value)
	}
	writeGauge := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, value)
	}
	writeGaugeFloat := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %g\n", name, value)
	}

	writeCounter("messages_total", "Total messages successfully delivered.", m.messagesTotal.Load())

	failed := m.messagesFailedSnapshot()
	fmt.Fprintf(&b, "# HELP messages_failed_total Total messages that did not reach delivery, by reason.\n")
	fmt.Fprintf(&b, "# TYPE messages_failed_total counter\n")
	reasons := make([]string, 0, len(failed))
	for r := range failed {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "messages_failed_total{reason=%q} %d\n", r, failed[r])
	}

	writeCounter("injections_total", "Total successful prompt injections into the relay.", m.injectionsTotal.Load())
	writeCounter("injections_retried_total", "Total injection attempts that were retried.", m.injectionsRetried.Load())
	writeCounter("sessions_oriented_total", "Total sessions that received the orientation prompt.", m.sessionsOriented.Load())

	writeGauge("message_queue_size", "Current depth of the pending message spool.", queueSize)

	writeCounter("gc_messages_expired_total", "Total pending spool messages archived as expired by the garbage collector.", m.gcMessagesExpired.Load())
	writeCounter("gc_agents_removed_total", "Total stale agent records removed by the garbage collector.", m.gcAgentsRemoved.Load())
	writeCounter("gc_mappings_dropped_total", "Total dangling session mappings dropped by the garbage collector.", m.gcMappingsDropped.Load())
	writeCounter("gc_threads_removed_total", "Total stale thread files removed by the garbage collector.", m.gcThreadsRemoved.Load())

	writeCounter("agent_hub_coordinator_tokens_input", "Input tokens billed to the coordinator session on its last cost poll.", m.coordTokensInput.Load())
	writeCounter("agent_hub_coordinator_tokens_output", "Output tokens billed to the coordinator session on its last cost poll.", m.coordTokensOutput.Load())
	writeCounter("agent_hub_coordinator_tokens_cache_read", "Cache-read tokens billed to the coordinator session on its last cost poll.", m.coordTokensCacheRead.Load())
	writeCounter("agent_hub_coordinator_tokens_cache_write", "Cache-write tokens billed to the coordinator session on its last cost poll.", m.coordTokensCacheWrite.Load())
	writeCounter("agent_hub_coordinator_messages_total", "Assistant messages seen in the coordinator session on its last cost poll.", m.coordMessagesTotal.Load())
	writeGaugeFloat("agent_hub_coordinator_estimated_cost_usd", "Estimated USD cost of the coordinator session's token usage on its last poll.", m.coordinatorCostSnapshot())

	return b.String()
}
