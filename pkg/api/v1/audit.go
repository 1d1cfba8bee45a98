package v1

import "time"

// EntityType names the kind of entity an audit entry or checkpoint refers to.
type EntityType string

const (
	EntityTypeAgent EntityType = "agent"
	EntityTypeTeam  EntityType = "team"
)

// AuditAction names the mutation an audit entry records.
type AuditAction string

const (
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
	AuditActionError  AuditAction = "error"
)

// AuditEntry is one append-only record of a state mutation. Prev/Next carry
// full values, not deltas, so rollback is O(1).
type AuditEntry struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"ts"`
	EntityType  EntityType             `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Action      AuditAction            `json:"action"`
	Prev        interface{}            `json:"prev,omitempty"`
	Next        interface{}            `json:"next,omitempty"`
	Version     int64                  `json:"version"`
	TriggeredBy string                 `json:"triggered_by"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Checkpoint is an immutable snapshot taken before a potentially destructive
// operation, or on graceful stop of a live team.
type Checkpoint struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"ts"`
	EntityType EntityType  `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Snapshot   interface{} `json:"snapshot"`
	Reason     string      `json:"reason,omitempty"`
}
