package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/clock"
	"github.com/kandev/orchestrator/internal/common/config"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/store/sqlite"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.TeamConfig{LockMaxRetries: 3, LockBaseDelayMS: 1, LockMaxDelayMS: 10}
	return New(s, cfg, clock.Real{}, logger.Default())
}

func TestCreateAndUpdateAgent(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	agent := &v1.Agent{ID: "a1", Status: v1.AgentStatusPending, LifecycleState: v1.LifecycleInitializing, Model: "claude", Task: "t", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.CreateAgent(ctx, agent, "test"))

	updated, err := p.UpdateAgent(ctx, "a1", v1.AuditActionUpdate, "test", func(a *v1.Agent) error {
		a.LifecycleState = v1.LifecycleRunning
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleRunning, updated.LifecycleState)
	require.Equal(t, int64(1), updated.Version)

	history, err := p.ListAudit(ctx, v1.EntityTypeAgent, "a1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestUpdateAgentNotFound(t *testing.T) {
	p := newTestPersistence(t)
	_, err := p.UpdateAgent(context.Background(), "missing", v1.AuditActionUpdate, "test", func(a *v1.Agent) error { return nil })
	require.True(t, apperrors.IsNotFound(err))
}

func TestRollbackAgent(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	agent := &v1.Agent{ID: "a1", Status: v1.AgentStatusPending, LifecycleState: v1.LifecycleInitializing, Model: "claude", Task: "t", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.CreateAgent(ctx, agent, "test"))

	_, err := p.UpdateAgent(ctx, "a1", v1.AuditActionUpdate, "test", func(a *v1.Agent) error {
		a.LifecycleState = v1.LifecycleRunning
		return nil
	})
	require.NoError(t, err)

	ok, err := p.RollbackAgent(ctx, "a1", 0, "operator")
	require.NoError(t, err)
	require.True(t, ok)

	restored, err := p.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleInitializing, restored.LifecycleState)
	require.Equal(t, int64(2), restored.Version)

	checkpoints, err := p.store.LatestCheckpoint(ctx, v1.EntityTypeAgent, "a1")
	require.NoError(t, err)
	require.Equal(t, "pre-rollback", checkpoints.Reason)
}

func TestRollbackAgentUnreachableVersion(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	agent := &v1.Agent{ID: "a1", Status: v1.AgentStatusPending, LifecycleState: v1.LifecycleInitializing, Model: "claude", Task: "t", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.CreateAgent(ctx, agent, "test"))

	ok, err := p.RollbackAgent(ctx, "a1", 99, "operator")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointCleanup(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	require.NoError(t, p.Checkpoint(ctx, v1.EntityTypeTeam, "t1", map[string]interface{}{"x": 1}, "manual"))

	n, err := p.CleanupCheckpoints(ctx, -time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
