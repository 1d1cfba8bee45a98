// Package store defines the durable storage abstraction beneath state
// persistence. Two implementations exist: sqlite (the default, embedded,
// single-writer) and postgres (for deployments that need real row-level
// locking under concurrent writers).
package store

import (
	"context"
	"time"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Store is the durable storage contract. Every write that must be
// optimistically locked takes the caller's expected version and returns
// errors.OptimisticLock (via internal/common/errors) on mismatch; callers
// retry through internal/persistence, not directly against Store.
type Store interface {
	// CreateAgentWithAudit persists a brand new agent at version 0 and its
	// "create" audit entry in one transaction.
	CreateAgentWithAudit(ctx context.Context, agent *v1.Agent, entry *v1.AuditEntry) error
	GetAgent(ctx context.Context, id string) (*v1.Agent, error)
	// UpdateAgentWithAudit writes agent with version = expectedVersion+1 and
	// appends entry in the same transaction, after verifying the row's
	// current version equals expectedVersion. Returns an OptimisticLock
	// error (see internal/common/errors) on mismatch.
	UpdateAgentWithAudit(ctx context.Context, agent *v1.Agent, expectedVersion int64, entry *v1.AuditEntry) error
	ListAgentsByTeam(ctx context.Context, teamID string) ([]*v1.Agent, error)
	ListNonTerminalAgents(ctx context.Context) ([]*v1.Agent, error)

	CreateTeamWithAudit(ctx context.Context, team *v1.Team, entry *v1.AuditEntry) error
	GetTeam(ctx context.Context, id string) (*v1.Team, error)
	UpdateTeamWithAudit(ctx context.Context, team *v1.Team, expectedVersion int64, entry *v1.AuditEntry) error
	ListNonTerminalTeams(ctx context.Context) ([]*v1.Team, error)
	ListTeams(ctx context.Context) ([]*v1.Team, error)

	PutSession(ctx context.Context, session *v1.GatewaySession) error
	GetSession(ctx context.Context, sessionKey string) (*v1.GatewaySession, error)
	ListSessions(ctx context.Context) ([]*v1.GatewaySession, error)
	DeleteSession(ctx context.Context, sessionKey string) error

	AppendAudit(ctx context.Context, entry *v1.AuditEntry) error
	ListAudit(ctx context.Context, entityType v1.EntityType, entityID string, limit int) ([]*v1.AuditEntry, error)
	FindAuditByVersion(ctx context.Context, entityType v1.EntityType, entityID string, version int64) (*v1.AuditEntry, error)

	SaveCheckpoint(ctx context.Context, cp *v1.Checkpoint) error
	LatestCheckpoint(ctx context.Context, entityType v1.EntityType, entityID string) (*v1.Checkpoint, error)
	CleanupCheckpoints(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
