package domain

import "time"

// CoordinatorAgentID is the reserved agent id assigned to the daemon-spawned
// coordinator session. It is never reassigned by the registrar.
const CoordinatorAgentID = "coordinator"

// DaemonSenderID is the synthetic sender used for daemon-originated
// notifications (e.g. NEW_AGENT messages routed to the coordinator).
const DaemonSenderID = "daemon"

// Agent is a logical identity bound to a session, the unit of addressing
// for messages.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Directory   string    `json:"directory,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Session is a live interactive assistant instance reachable through the
// relay by a stable id.
type Session struct {
	SessionID   string    `json:"session_id"`
	Slug        string    `json:"slug,omitempty"`
	Directory   string    `json:"directory,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}
