package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAgent(id string) *v1.Agent {
	return &v1.Agent{
		ID:             id,
		Status:         v1.AgentStatusPending,
		LifecycleState: v1.LifecycleInitializing,
		Model:          "claude",
		Task:           "do work",
		CreatedAt:      time.Now().UTC(),
	}
}

func auditEntry(entityType v1.EntityType, id string, action v1.AuditAction, version int64) *v1.AuditEntry {
	return &v1.AuditEntry{
		ID:         "audit-" + id,
		Timestamp:  time.Now().UTC(),
		EntityType: entityType,
		EntityID:   id,
		Action:     action,
		Version:    version,
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := newTestAgent("a1")
	err := s.CreateAgentWithAudit(ctx, agent, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionCreate, 0))
	require.NoError(t, err)
	require.Equal(t, int64(0), agent.Version)

	fetched, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "a1", fetched.ID)
	require.Equal(t, v1.LifecycleInitializing, fetched.LifecycleState)
}

func TestGetAgentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetAgent(context.Background(), "missing")
	require.True(t, apperrors.IsNotFound(err))
}

func TestUpdateAgentWithAuditOptimisticLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := newTestAgent("a1")
	require.NoError(t, s.CreateAgentWithAudit(ctx, agent, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionCreate, 0)))

	agent.LifecycleState = v1.LifecycleRunning
	err := s.UpdateAgentWithAudit(ctx, agent, 0, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionUpdate, 1))
	require.NoError(t, err)
	require.Equal(t, int64(1), agent.Version)

	// Stale expected version must fail with OptimisticLock.
	agent.LifecycleState = v1.LifecyclePaused
	err = s.UpdateAgentWithAudit(ctx, agent, 0, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionUpdate, 2))
	require.Error(t, err)
	require.True(t, apperrors.IsOptimisticLock(err))
}

func TestListAgentsByTeamAndNonTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	teamID := "team-1"

	a1 := newTestAgent("a1")
	a1.TeamID = &teamID
	require.NoError(t, s.CreateAgentWithAudit(ctx, a1, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionCreate, 0)))

	a2 := newTestAgent("a2")
	a2.TeamID = &teamID
	a2.LifecycleState = v1.LifecycleStopped
	require.NoError(t, s.CreateAgentWithAudit(ctx, a2, auditEntry(v1.EntityTypeAgent, "a2", v1.AuditActionCreate, 0)))

	byTeam, err := s.ListAgentsByTeam(ctx, teamID)
	require.NoError(t, err)
	require.Len(t, byTeam, 2)

	nonTerminal, err := s.ListNonTerminalAgents(ctx)
	require.NoError(t, err)
	require.Len(t, nonTerminal, 1)
	require.Equal(t, "a1", nonTerminal[0].ID)
}

func TestCreateAndUpdateTeam(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	team := &v1.Team{
		ID:     "team-1",
		Name:   "research",
		Status: v1.TeamStatusCreating,
		Config: v1.TeamConfig{Strategy: v1.StrategyParallel, MaxAgents: 5},
		Budget: v1.Budget{Allocated: 100, Currency: "USD"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTeamWithAudit(ctx, team, auditEntry(v1.EntityTypeTeam, "team-1", v1.AuditActionCreate, 0)))

	team.Status = v1.TeamStatusActive
	require.NoError(t, s.UpdateTeamWithAudit(ctx, team, 0, auditEntry(v1.EntityTypeTeam, "team-1", v1.AuditActionUpdate, 1)))

	fetched, err := s.GetTeam(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, v1.TeamStatusActive, fetched.Status)
	require.Equal(t, int64(1), fetched.Version)
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &v1.GatewaySession{
		SessionKey: "sess-1",
		AgentID:    "a1",
		Status:     v1.SessionStatusSpawning,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.PutSession(ctx, sess))

	fetched, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "a1", fetched.AgentID)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.GetSession(ctx, "sess-1")
	require.True(t, apperrors.IsNotFound(err))
}

func TestAuditHistoryAndFindByVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := newTestAgent("a1")
	require.NoError(t, s.CreateAgentWithAudit(ctx, agent, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionCreate, 0)))
	agent.LifecycleState = v1.LifecycleRunning
	require.NoError(t, s.UpdateAgentWithAudit(ctx, agent, 0, auditEntry(v1.EntityTypeAgent, "a1", v1.AuditActionUpdate, 1)))

	history, err := s.ListAudit(ctx, v1.EntityTypeAgent, "a1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	entry, err := s.FindAuditByVersion(ctx, v1.EntityTypeAgent, "a1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Version)

	_, err = s.FindAuditByVersion(ctx, v1.EntityTypeAgent, "a1", 99)
	require.True(t, apperrors.IsNotFound(err))
}

func TestCheckpointSaveAndLatestAndCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp := &v1.Checkpoint{
		ID:         "cp-1",
		Timestamp:  time.Now().UTC(),
		EntityType: v1.EntityTypeTeam,
		EntityID:   "team-1",
		Snapshot:   map[string]interface{}{"status": "active"},
		Reason:     "pre-destroy",
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	latest, err := s.LatestCheckpoint(ctx, v1.EntityTypeTeam, "team-1")
	require.NoError(t, err)
	require.Equal(t, "cp-1", latest.ID)

	n, err := s.CleanupCheckpoints(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = s.CleanupCheckpoints(ctx, -time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
