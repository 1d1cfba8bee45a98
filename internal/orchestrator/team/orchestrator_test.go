package team

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/clock"
	"github.com/kandev/orchestrator/internal/common/config"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/gateway"
	agentpkg "github.com/kandev/orchestrator/internal/orchestrator/agent"
	"github.com/kandev/orchestrator/internal/persistence"
	"github.com/kandev/orchestrator/internal/store/sqlite"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			var req gateway.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := gateway.Response{Type: gateway.MessageTypeResponse, ID: req.ID, Ok: true, Payload: json.RawMessage(`{}`)}
			switch req.Method {
			case gateway.MethodConnect:
				payload, _ := json.Marshal(gateway.ConnectResult{Protocol: 1})
				resp.Payload = payload
			case gateway.MethodSessionsSpawn:
				payload, _ := json.Marshal(gateway.SessionsSpawnResult{SessionKey: "sess-" + req.ID})
				resp.Payload = payload
			}
			_ = conn.WriteJSON(resp)
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestOrchestrator(t *testing.T, scaleDownTimeout time.Duration) *Orchestrator {
	t.Helper()
	srv := fakeGateway(t)
	t.Cleanup(srv.Close)

	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.TeamConfig{LockMaxRetries: 3, LockBaseDelayMS: 1, LockMaxDelayMS: 10}
	p := persistence.New(s, cfg, clock.Real{}, logger.Default())

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	sessions := gateway.NewSessionMap()
	gwCfg := config.GatewayConfig{URL: wsURL(srv.URL), RequestTimeoutSec: 2, HeartbeatSec: 100, ReconnectDelayMS: 10}
	gw := gateway.New(gwCfg, eventBus, sessions, logger.Default())
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(gw.Stop)

	lc := agentpkg.New(p, gw, sessions, eventBus, clock.Real{}, logger.Default())
	require.NoError(t, lc.Start(context.Background()))
	t.Cleanup(lc.Stop)

	return New(p, lc, eventBus, clock.Real{}, logger.Default(), scaleDownTimeout, 10)
}

func TestCreateSpawnsInitialAgents(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{
		Name:   "demo",
		Config: v1.TeamConfig{Strategy: v1.StrategyParallel, DefaultModel: "claude", InitialAgents: 3, MaxAgents: 5},
		Budget: v1.Budget{Allocated: 100, Currency: "USD"},
	})
	require.NoError(t, err)
	require.Equal(t, v1.TeamStatusActive, team.Status)
	require.Len(t, team.Agents, 3)
	require.Equal(t, 3, team.Metrics.Total)
}

func TestScaleUpAndDown(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{
		Name:   "demo",
		Config: v1.TeamConfig{DefaultModel: "claude", MaxAgents: 5},
		Budget: v1.Budget{Allocated: 100},
	})
	require.NoError(t, err)

	team, err = o.Scale(ctx, team.ID, 3)
	require.NoError(t, err)
	require.Len(t, team.Agents, 3)

	team, err = o.Scale(ctx, team.ID, 1)
	require.NoError(t, err)

	live, err := o.liveAgentIDs(ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)
}

func TestScalePastMaxAgentsRejected(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{
		Name:   "demo",
		Config: v1.TeamConfig{DefaultModel: "claude", MaxAgents: 2},
		Budget: v1.Budget{Allocated: 100},
	})
	require.NoError(t, err)

	_, err = o.Scale(ctx, team.ID, 10)
	require.True(t, apperrors.IsStateConflict(err))

	team, err = o.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	require.Empty(t, team.Agents)
}

func TestDestroyKillsMembersAndIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{
		Name:   "demo",
		Config: v1.TeamConfig{DefaultModel: "claude", InitialAgents: 2, MaxAgents: 5},
		Budget: v1.Budget{Allocated: 100},
	})
	require.NoError(t, err)

	destroyed, err := o.Destroy(ctx, team.ID, false)
	require.NoError(t, err)
	require.Equal(t, v1.TeamStatusDestroyed, destroyed.Status)

	for _, id := range destroyed.Agents {
		a, err := o.lifecycle.GetState(ctx, id)
		require.NoError(t, err)
		require.True(t, a.LifecycleState.Terminal())
	}

	again, err := o.Destroy(ctx, team.ID, false)
	require.NoError(t, err)
	require.Equal(t, v1.TeamStatusDestroyed, again.Status)
	require.Greater(t, again.Version, destroyed.Version)
}

func TestDestroyedTeamRejectsMutation(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{Name: "demo", Config: v1.TeamConfig{DefaultModel: "claude", MaxAgents: 5}, Budget: v1.Budget{Allocated: 100}})
	require.NoError(t, err)

	_, err = o.Destroy(ctx, team.ID, false)
	require.NoError(t, err)

	_, err = o.Scale(ctx, team.ID, 2)
	require.True(t, apperrors.IsStateConflict(err))
}

func TestConsumeBudgetRejectsOverage(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{Name: "demo", Config: v1.TeamConfig{DefaultModel: "claude", MaxAgents: 5}, Budget: v1.Budget{Allocated: 10}})
	require.NoError(t, err)

	result, err := o.ConsumeBudget(ctx, team.ID, "agent-1", 10, 5)
	require.NoError(t, err)
	require.True(t, result.OK)

	result, err = o.ConsumeBudget(ctx, team.ID, "agent-1", 10, 10)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.True(t, result.Exceeded)
}

func TestConsumeBudgetPublishesWarningOnce(t *testing.T) {
	o := newTestOrchestrator(t, 200*time.Millisecond)
	ctx := context.Background()

	team, err := o.Create(ctx, CreateOptions{Name: "demo", Config: v1.TeamConfig{DefaultModel: "claude", MaxAgents: 5}, Budget: v1.Budget{Allocated: 100}})
	require.NoError(t, err)

	var warnings int
	sub, err := o.bus.Subscribe(bus.TeamTopic(team.ID), func(ctx context.Context, subject string, evt *bus.Event) {
		if evt.Type == "team.budget.warning" {
			warnings++
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = o.ConsumeBudget(ctx, team.ID, "agent-1", 0, 85)
	require.NoError(t, err)
	_, err = o.ConsumeBudget(ctx, team.ID, "agent-1", 0, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return warnings == 1 }, time.Second, 10*time.Millisecond)
}
