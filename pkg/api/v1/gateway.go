package v1

import "time"

// SessionStatus is the status the core tracks for a gateway session.
type SessionStatus string

const (
	SessionStatusSpawning SessionStatus = "spawning"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusPaused   SessionStatus = "paused"
	SessionStatusDone     SessionStatus = "done"
)

// GatewaySession is the record of a remote worker on the gateway. Rows are
// kept in the store's session_states table; startup recovery reconciles them
// with a sessions_list call.
type GatewaySession struct {
	SessionKey  string                 `json:"session_key"`
	AgentID     string                 `json:"agent_id"`
	Status      SessionStatus          `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
