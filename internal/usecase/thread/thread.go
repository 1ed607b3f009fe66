// Package thread maintains one JSON file per conversation thread under
// threads/{thread_id}.json: participant-union updates, activity timestamps,
// and RESOLVED-token closing.
package thread

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"brokerd/internal/domain"
)

var resolvedToken = regexp.MustCompile(`\bRESOLVED\b`)

// Tracker owns the on-disk thread files under dir.
type Tracker struct {
	dir string
	mu  sync.Mutex
}

// New creates a Tracker rooted at dir (conventionally "threads"), creating
// the directory if absent.
func New(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, domain.NewBrokerError("thread.New", domain.ErrInvariantViolation, err.Error())
	}
	return &Tracker{dir: dir}, nil
}

// Touch applies msg to its thread: deriving a thread id if msg has none,
// unioning participants, bumping last_activity_at, and closing the thread
// if msg is a completion containing the literal token RESOLVED. It returns
// the thread id used (which may have just been generated) and the
// resulting thread state.
func (t *Tracker) Touch(msg domain.Message, now time.Time) (string, domain.Thread, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	threadID := msg.ThreadID
	if threadID == "" {
		threadID = GenerateThreadID(msg.From, msg.To)
	}

	th, err := t.load(threadID)
	if err != nil {
		return "", domain.Thread{}, err
	}
	if th == nil {
		th = &domain.Thread{ThreadID: threadID, OpenedAt: now.UnixMilli()}
	}

	th.AddParticipant(msg.From)
	th.AddParticipant(msg.To)
	th.LastActivityAt = now.UnixMilli()

	if msg.Type == domain.MessageCompletion && resolvedToken.MatchString(msg.Content) {
		th.Closed = true
	}

	if err := t.save(*th); err != nil {
		return "", domain.Thread{}, err
	}
	return threadID, *th, nil
}

// Get returns the current state of threadID, or false if it has no file.
func (t *Tracker) Get(threadID string) (domain.Thread, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, err := t.load(threadID)
	if err != nil || th == nil {
		return domain.Thread{}, false
	}
	return *th, true
}

// PruneStale deletes thread files that are closed, or whose last activity
// predates cutoff, returning the number removed.
func (t *Tracker) PruneStale(cutoff time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, domain.NewBrokerError("thread.PruneStale", domain.ErrInvariantViolation, err.Error())
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(t.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var th domain.Thread
		if err := json.Unmarshal(data, &th); err != nil {
			continue
		}
		last := time.UnixMilli(th.LastActivityAt)
		if th.Closed || last.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (t *Tracker) path(threadID string) string {
	return filepath.Join(t.dir, threadID+".json")
}

func (t *Tracker) load(threadID string) (*domain.Thread, error) {
	data, err := os.ReadFile(t.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.NewBrokerError("thread.load", domain.ErrInvariantViolation, err.Error())
	}
	var th domain.Thread
	if err := json.Unmarshal(data, &th); err != nil {
		return nil, domain.NewBrokerError("thread.load", domain.ErrInvariantViolation, err.Error())
	}
	return &th, nil
}

func (t *Tracker) save(th domain.Thread) error {
	data, err := json.MarshalIndent(th, "", "  ")
	if err != nil {
		return domain.WrapOp("thread.save", err)
	}
	path := t.path(th.ThreadID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.WrapOp("thread.save", err)
	}
	return os.Rename(tmp, path)
}

// GenerateThreadID builds a thread id from (from, to) plus a short random
// hex suffix, so a fresh thread id is assigned on first use
// without colliding with a concurrently created thread for the same pair.
func GenerateThreadID(from, to string) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return from + "-" + to + "-" + hex.EncodeToString(suffix)
}
