// Package persistence sits between the orchestrator subsystems and the
// durable Store: it retries optimistic-lock writes with backoff, appends
// audit entries, and drives rollback and checkpoint cleanup.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/backoff"
	"github.com/kandev/orchestrator/internal/common/clock"
	"github.com/kandev/orchestrator/internal/common/config"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/store"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Persistence wraps a Store with the optimistic-lock retry protocol and
// audit/checkpoint bookkeeping. Callers never talk to Store directly.
type Persistence struct {
	store  store.Store
	clock  clock.Clock
	cfg    config.TeamConfig
	logger *logger.Logger
}

// New builds a Persistence over store, using cfg for retry tuning.
func New(s store.Store, cfg config.TeamConfig, c clock.Clock, log *logger.Logger) *Persistence {
	return &Persistence{
		store:  s,
		clock:  c,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "persistence")),
	}
}

func (p *Persistence) newBackoff() *backoff.Backoff {
	return backoff.New(
		time.Duration(p.cfg.LockBaseDelayMS)*time.Millisecond,
		time.Duration(p.cfg.LockMaxDelayMS)*time.Millisecond,
	)
}

// CreateAgent persists a brand-new agent and its "create" audit entry.
func (p *Persistence) CreateAgent(ctx context.Context, agent *v1.Agent, triggeredBy string) error {
	entry := &v1.AuditEntry{
		ID:          clock.NewID(),
		Timestamp:   p.clock.Now(),
		EntityType:  v1.EntityTypeAgent,
		EntityID:    agent.ID,
		Action:      v1.AuditActionCreate,
		Next:        agent.Clone(),
		Version:     0,
		TriggeredBy: triggeredBy,
	}
	return p.store.CreateAgentWithAudit(ctx, agent, entry)
}

// GetAgent loads an agent by id.
func (p *Persistence) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	return p.store.GetAgent(ctx, id)
}

// UpdateAgent performs a read-mutate-write cycle against the agent with id,
// retrying on OptimisticLock with exponential backoff until cfg.LockMaxRetries
// is exhausted. mutate is called with a fresh copy of the current state on
// every attempt; it must not retain the pointer it's given.
func (p *Persistence) UpdateAgent(ctx context.Context, id string, action v1.AuditAction, triggeredBy string, mutate func(*v1.Agent) error) (*v1.Agent, error) {
	b := p.newBackoff()
	for attempt := 0; ; attempt++ {
		current, err := p.store.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := current.Clone()
		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}

		entry := &v1.AuditEntry{
			ID:          clock.NewID(),
			Timestamp:   p.clock.Now(),
			EntityType:  v1.EntityTypeAgent,
			EntityID:    id,
			Action:      action,
			Prev:        prev,
			Next:        next,
			Version:     current.Version + 1,
			TriggeredBy: triggeredBy,
		}

		err = p.store.UpdateAgentWithAudit(ctx, next, current.Version, entry)
		if err == nil {
			return next, nil
		}
		if !apperrors.IsOptimisticLock(err) {
			return nil, err
		}
		if attempt >= p.cfg.LockMaxRetries {
			return nil, err
		}

		delay := b.Next()
		p.logger.Debug("optimistic lock retry",
			zap.String("entity_id", id), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// CreateTeam persists a brand-new team and its "create" audit entry.
func (p *Persistence) CreateTeam(ctx context.Context, team *v1.Team, triggeredBy string) error {
	entry := &v1.AuditEntry{
		ID:          clock.NewID(),
		Timestamp:   p.clock.Now(),
		EntityType:  v1.EntityTypeTeam,
		EntityID:    team.ID,
		Action:      v1.AuditActionCreate,
		Next:        team.Clone(),
		Version:     0,
		TriggeredBy: triggeredBy,
	}
	return p.store.CreateTeamWithAudit(ctx, team, entry)
}

// GetTeam loads a team by id.
func (p *Persistence) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	return p.store.GetTeam(ctx, id)
}

// UpdateTeam performs the same read-mutate-write-retry cycle as UpdateAgent,
// for a team.
func (p *Persistence) UpdateTeam(ctx context.Context, id string, action v1.AuditAction, triggeredBy string, mutate func(*v1.Team) error) (*v1.Team, error) {
	b := p.newBackoff()
	for attempt := 0; ; attempt++ {
		current, err := p.store.GetTeam(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := current.Clone()
		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}

		entry := &v1.AuditEntry{
			ID:          clock.NewID(),
			Timestamp:   p.clock.Now(),
			EntityType:  v1.EntityTypeTeam,
			EntityID:    id,
			Action:      action,
			Prev:        prev,
			Next:        next,
			Version:     current.Version + 1,
			TriggeredBy: triggeredBy,
		}

		err = p.store.UpdateTeamWithAudit(ctx, next, current.Version, entry)
		if err == nil {
			return next, nil
		}
		if !apperrors.IsOptimisticLock(err) {
			return nil, err
		}
		if attempt >= p.cfg.LockMaxRetries {
			return nil, err
		}

		delay := b.Next()
		p.logger.Debug("optimistic lock retry",
			zap.String("entity_id", id), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ListNonTerminalAgents lists agents whose lifecycle state is not yet terminal.
func (p *Persistence) ListNonTerminalAgents(ctx context.Context) ([]*v1.Agent, error) {
	return p.store.ListNonTerminalAgents(ctx)
}

// ListAgentsByTeam lists all agents belonging to a team.
func (p *Persistence) ListAgentsByTeam(ctx context.Context, teamID string) ([]*v1.Agent, error) {
	return p.store.ListAgentsByTeam(ctx, teamID)
}

// ListNonTerminalTeams lists teams whose status is not yet terminal.
func (p *Persistence) ListNonTerminalTeams(ctx context.Context) ([]*v1.Team, error) {
	return p.store.ListNonTerminalTeams(ctx)
}

// ListTeams lists every team.
func (p *Persistence) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	return p.store.ListTeams(ctx)
}

// Sessions exposes the persisted gateway session rows for recovery reconciliation.
func (p *Persistence) PutSession(ctx context.Context, s *v1.GatewaySession) error { return p.store.PutSession(ctx, s) }
func (p *Persistence) GetSession(ctx context.Context, key string) (*v1.GatewaySession, error) {
	return p.store.GetSession(ctx, key)
}
func (p *Persistence) ListSessions(ctx context.Context) ([]*v1.GatewaySession, error) {
	return p.store.ListSessions(ctx)
}
func (p *Persistence) DeleteSession(ctx context.Context, key string) error {
	return p.store.DeleteSession(ctx, key)
}

// ListAudit returns up to limit audit entries for an entity, newest first.
func (p *Persistence) ListAudit(ctx context.Context, entityType v1.EntityType, entityID string, limit int) ([]*v1.AuditEntry, error) {
	return p.store.ListAudit(ctx, entityType, entityID, limit)
}

// Checkpoint snapshots an entity's current state, e.g. before a rollback or
// on graceful stop of a live team.
func (p *Persistence) Checkpoint(ctx context.Context, entityType v1.EntityType, entityID string, snapshot interface{}, reason string) error {
	cp := &v1.Checkpoint{
		ID:         clock.NewID(),
		Timestamp:  p.clock.Now(),
		EntityType: entityType,
		EntityID:   entityID,
		Snapshot:   snapshot,
		Reason:     reason,
	}
	return p.store.SaveCheckpoint(ctx, cp)
}

// CleanupCheckpoints deletes checkpoints older than maxAge. Only invoked by
// an operator; never run automatically, so a checkpoint taken before a
// rollback cannot be pruned out from under that rollback.
func (p *Persistence) CleanupCheckpoints(ctx context.Context, maxAge time.Duration) (int, error) {
	return p.store.CleanupCheckpoints(ctx, maxAge)
}

// RollbackAgent rewrites an agent forward to the value it held at
// targetVersion: it locates the audit entry whose Version equals
// targetVersion (or the create entry for targetVersion 0), checkpoints the
// current state, then writes that historical value as a new version. It
// never rewrites history in place. Returns false if targetVersion is not
// reachable in the audit log.
func (p *Persistence) RollbackAgent(ctx context.Context, id string, targetVersion int64, triggeredBy string) (bool, error) {
	current, err := p.store.GetAgent(ctx, id)
	if err != nil {
		return false, err
	}
	entry, err := p.store.FindAuditByVersion(ctx, v1.EntityTypeAgent, id, targetVersion)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := p.Checkpoint(ctx, v1.EntityTypeAgent, id, current.Clone(), "pre-rollback"); err != nil {
		return false, err
	}

	_, err = p.UpdateAgent(ctx, id, v1.AuditActionUpdate, triggeredBy, func(a *v1.Agent) error {
		var restored v1.Agent
		if err := decodeSnapshot(entry.Next, &restored); err != nil {
			return apperrors.Internal("rollback audit entry has unexpected shape", err)
		}
		*a = restored
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RollbackTeam is RollbackAgent's counterpart for teams.
func (p *Persistence) RollbackTeam(ctx context.Context, id string, targetVersion int64, triggeredBy string) (bool, error) {
	current, err := p.store.GetTeam(ctx, id)
	if err != nil {
		return false, err
	}
	entry, err := p.store.FindAuditByVersion(ctx, v1.EntityTypeTeam, id, targetVersion)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := p.Checkpoint(ctx, v1.EntityTypeTeam, id, current.Clone(), "pre-rollback"); err != nil {
		return false, err
	}

	_, err = p.UpdateTeam(ctx, id, v1.AuditActionUpdate, triggeredBy, func(t *v1.Team) error {
		var restored v1.Team
		if err := decodeSnapshot(entry.Next, &restored); err != nil {
			return apperrors.Internal("rollback audit entry has unexpected shape", err)
		}
		*t = restored
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the underlying store.
func (p *Persistence) Close() error {
	return p.store.Close()
}

// decodeSnapshot converts an audit entry's Prev/Next value into dest. Freshly
// written entries carry a typed pointer directly; entries that round-tripped
// through the store arrive as a generic map[string]interface{} after JSON
// decoding, so both shapes go through a marshal/unmarshal pass uniformly.
func decodeSnapshot(snapshot interface{}, dest interface{}) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
