package domain

// MessageType enumerates the kinds of hub messages a sender may compose.
type MessageType string

const (
	MessageTask       MessageType = "task"
	MessageQuestion   MessageType = "question"
	MessageContext    MessageType = "context"
	MessageCompletion MessageType = "completion"
	MessageError      MessageType = "error"
)

// Priority enumerates the delivery priorities a message may declare. It is
// carried through to the injected envelope but does not affect ordering.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is the on-disk shape of a spool file, as deposited by a producer
// under messages/ and parsed by the file watcher.
type Message struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Priority  Priority    `json:"priority,omitempty"`
	ThreadID  string      `json:"threadId,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Normalize fills in the message's default priority. It does not touch
// ThreadID — thread id assignment is the thread tracker's responsibility, so
// that generated ids ((From, To) plus a random suffix) come from one place.
func (m *Message) Normalize() {
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
}

// Validate reports whether m carries the required fields for §3's message
// schema. It does not enforce From != To, left as a SHOULD rather than a
// MUST.
func (m *Message) Validate() error {
	switch {
	case m.From == "":
		return NewBrokerError("Message.Validate", ErrMessageParse, "missing from")
	case m.To == "":
		return NewBrokerError("Message.Validate", ErrMessageParse, "missing to")
	case m.Content == "":
		return NewBrokerError("Message.Validate", ErrMessageParse, "missing content")
	}
	switch m.Type {
	case MessageTask, MessageQuestion, MessageContext, MessageCompletion, MessageError:
	default:
		return NewBrokerError("Message.Validate", ErrMessageParse, "invalid type "+string(m.Type))
	}
	switch m.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return NewBrokerError("Message.Validate", ErrMessageParse, "invalid priority "+string(m.Priority))
	}
	return nil
}

// Thread groups related messages sharing a thread id. It is closed by a
// completion message whose content contains the token RESOLVED.
type Thread struct {
	ThreadID       string   `json:"thread_id"`
	Participants   []string `json:"participants"`
	OpenedAt       int64    `json:"opened_at"`
	LastActivityAt int64    `json:"last_activity_at"`
	Closed         bool     `json:"closed"`
}

// AddParticipant adds id to the participant set if not already present.
func (t *Thread) AddParticipant(id string) {
	for _, p := range t.Participants {
		if p == id {
			return
		}
	}
	t.Participants = append(t.Participants, id)
}
