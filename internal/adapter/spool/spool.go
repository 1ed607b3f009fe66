// Package spool watches the message spool directory for new files, parses
// and validates them, and hands each a Delivery Task to the injection
// worker pool. It also owns the write side used to enqueue outgoing
// messages (hub tools, coordinator notifications): write to a dot-prefixed
// staging name, then rename into place so the watcher only ever observes
// complete files.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"

	"brokerd/internal/domain"
)

// DeliveryTask bundles a parsed message with the spool file it came from.
type DeliveryTask struct {
	Message domain.Message
	Path    string
}

// Watcher watches the spool directory and emits DeliveryTasks on Tasks().
type Watcher struct {
	dir        string
	archiveDir string
	schema     *jsonschema.Schema
	logger     *slog.Logger

	tasks     chan DeliveryTask
	queueSize atomic.Int64

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Watcher rooted at dir (conventionally "messages"). schemaPath,
// if non-empty, points to a JSON Schema file used to validate message bodies
// before domain-level validation runs.
func New(dir string, schemaPath string, logger *slog.Logger) (*Watcher, error) {
	archiveDir := filepath.Join(dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return nil, domain.NewBrokerError("spool.New", domain.ErrInvariantViolation, "create archive dir: "+err.Error())
	}

	var schema *jsonschema.Schema
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, domain.NewBrokerError("spool.New", domain.ErrConfigInvalid, "read schema: "+err.Error())
		}
		compiler := jsonschema.NewCompiler()
		schema, err = compiler.Compile(data)
		if err != nil {
			return nil, domain.NewBrokerError("spool.New", domain.ErrConfigInvalid, "compile schema: "+err.Error())
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, domain.NewBrokerError("spool.New", domain.ErrInvariantViolation, "fsnotify: "+err.Error())
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, domain.NewBrokerError("spool.New", domain.ErrInvariantViolation, "watch dir: "+err.Error())
	}

	return &Watcher{
		dir:        dir,
		archiveDir: archiveDir,
		schema:     schema,
		logger:     logger,
		tasks:      make(chan DeliveryTask, 256),
		watcher:    fw,
		stopCh:     make(chan struct{}),
	}, nil
}

// Tasks returns the channel on which parsed Delivery Tasks are delivered.
func (w *Watcher) Tasks() <-chan DeliveryTask { return w.tasks }

// QueueSize returns the current soft-bound gauge value: tasks emitted and
// not yet marked finished by TaskDone.
func (w *Watcher) QueueSize() int64 { return w.queueSize.Load() }

// Start performs the startup directory scan to recover in-flight files,
// then begins watching for new file-creation events. It returns once the
// watch goroutine is running; call Stop to shut down.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.scanExisting(ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

// Stop closes the fsnotify watcher and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.tasks)
	return err
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return domain.NewBrokerError("spool.scanExisting", domain.ErrInvariantViolation, err.Error())
	}
	for _, e := range entries {
		if e.IsDir() || w.shouldIgnore(e.Name()) {
			continue
		}
		w.handleFile(ctx, filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if w.shouldIgnore(name) {
				continue
			}
			w.handleFile(ctx, ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("spool watch error", "error", err)
		}
	}
}

func (w *Watcher) shouldIgnore(name string) bool {
	return strings.HasPrefix(name, ".") || name == "archive"
}

func (w *Watcher) handleFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// File may have already been moved by a concurrent handler (startup
		// scan racing a fsnotify event for the same file); not an error.
		return
	}

	if w.schema != nil {
		var raw any
		if err := json.Unmarshal(data, &raw); err == nil {
			if result := w.schema.Validate(raw); !result.IsValid() {
				w.archiveWithError(path, fmt.Errorf("schema: %s", result.Error()))
				return
			}
		}
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		w.archiveWithError(path, err)
		return
	}
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		w.archiveWithError(path, err)
		return
	}

	w.queueSize.Add(1)
	select {
	case w.tasks <- DeliveryTask{Message: msg, Path: path}:
	case <-ctx.Done():
		w.queueSize.Add(-1)
	}
}

// TaskDone must be called by the consumer once a Delivery Task's terminal
// action (archive, retry exhaustion, etc.) completes, so the soft-bound
// gauge reflects only genuinely pending work.
func (w *Watcher) TaskDone() { w.queueSize.Add(-1) }

func (w *Watcher) archiveWithError(path string, cause error) {
	dest := filepath.Join(w.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("failed to archive unparseable message", "path", path, "error", err)
		return
	}
	sidecar := dest + ".error"
	if err := os.WriteFile(sidecar, []byte(cause.Error()), 0o600); err != nil {
		w.logger.Error("failed to write error sidecar", "path", sidecar, "error", err)
	}
	w.logger.Warn("archived unparseable message", "path", path, "error", cause)
}

// Archive moves the message at path to the archive directory, recording
// annotation as a sidecar note (e.g. "rateLimited: true"). An empty
// annotation writes no sidecar.
func (w *Watcher) Archive(path string, annotation string) error {
	dest := filepath.Join(w.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return domain.NewBrokerError("spool.Archive", domain.ErrInvariantViolation, err.Error())
	}
	if annotation != "" {
		sidecar := dest + ".annotation"
		if err := os.WriteFile(sidecar, []byte(annotation), 0o600); err != nil {
			return domain.NewBrokerError("spool.Archive", domain.ErrInvariantViolation, err.Error())
		}
	}
	return nil
}

// Enqueue writes msg into the spool: marshal, write to a dot-prefixed
// staging file, then rename to its final name so the watcher never observes
// a partially written file.
func Enqueue(dir string, msg domain.Message) (string, error) {
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return "", domain.WrapOp("spool.Enqueue", err)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", domain.NewBrokerError("spool.Enqueue", domain.ErrMessageParse, err.Error())
	}

	name := ulid.Make().String() + ".json"
	finalPath := filepath.Join(dir, name)
	stagingPath := filepath.Join(dir, "."+name)

	if err := os.WriteFile(stagingPath, data, 0o600); err != nil {
		return "", domain.NewBrokerError("spool.Enqueue", domain.ErrInvariantViolation, err.Error())
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return "", domain.NewBrokerError("spool.Enqueue", domain.ErrInvariantViolation, err.Error())
	}
	return finalPath, nil
}
