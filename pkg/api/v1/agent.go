// Package v1 holds the domain types shared across the orchestrator: agents,
// teams, audit entries, checkpoints, and gateway sessions.
package v1

import "time"

// AgentStatus is the durable, user-visible status of an agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusPaused    AgentStatus = "paused"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusBlocked   AgentStatus = "blocked"
	AgentStatusKilled    AgentStatus = "killed"
)

// LifecycleState is the internal state-machine state; richer than Status.
type LifecycleState string

const (
	LifecycleInitializing LifecycleState = "initializing"
	LifecycleSpawning     LifecycleState = "spawning"
	LifecycleRunning      LifecycleState = "running"
	LifecyclePaused       LifecycleState = "paused"
	LifecycleFailed       LifecycleState = "failed"
	LifecycleCompleted    LifecycleState = "completed"
	LifecycleKilled       LifecycleState = "killed"
	LifecycleStopped      LifecycleState = "stopped"
)

// Terminal reports whether a lifecycle state ends an agent's run, so the agent
// no longer counts as live. failed is terminal yet still admits a retry
// (failed -> spawning) or a kill.
func (s LifecycleState) Terminal() bool {
	switch s {
	case LifecycleFailed, LifecycleCompleted, LifecycleKilled, LifecycleStopped:
		return true
	default:
		return false
	}
}

// StateTransition records one edge taken in the agent state machine.
type StateTransition struct {
	From     LifecycleState         `json:"from"`
	To       LifecycleState         `json:"to"`
	At       time.Time              `json:"at"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Agent is one unit of work with its own state machine and, while
// non-terminal, typically one bound gateway session.
type Agent struct {
	ID             string                 `json:"id"`
	TeamID         *string                `json:"team_id,omitempty"`
	ParentID       *string                `json:"parent_id,omitempty"`
	SessionID      *string                `json:"session_id,omitempty"`
	Status         AgentStatus            `json:"status"`
	LifecycleState LifecycleState         `json:"lifecycle_state"`
	Model          string                 `json:"model"`
	Task           string                 `json:"task"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	PausedAt       *time.Time             `json:"paused_at,omitempty"`
	ResumedAt      *time.Time             `json:"resumed_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	RuntimeMS      int64                  `json:"runtime_ms"`
	Version        int64                  `json:"version"`
	StateHistory   []StateTransition      `json:"state_history,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the lock.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	c.StateHistory = append([]StateTransition(nil), a.StateHistory...)
	return &c
}

// SpawnOptions parameters the caller supplies to Lifecycle.Spawn.
type SpawnOptions struct {
	TeamID     *string
	ParentID   *string
	Model      string
	Task       string
	Metadata   map[string]interface{}
	MaxRetries int
}
