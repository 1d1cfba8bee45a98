package recovery

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
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/gateway"
	"github.com/kandev/orchestrator/internal/persistence"
	"github.com/kandev/orchestrator/internal/store/sqlite"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func wsURL(httpURL string) string { return "ws" + strings.TrimPrefix(httpURL, "http") }

// fakeGateway answers connect/subscribe with a canned ok response and
// sessions_list with a single live session "sess-1".
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
			case gateway.MethodSessionsList:
				payload, _ := json.Marshal(gateway.SessionsListResult{
					Sessions: []gateway.SessionInfo{{SessionKey: "sess-1", AgentID: "a1", Status: "running"}},
				})
				resp.Payload = payload
			}
			_ = conn.WriteJSON(resp)
		}
	}))
	return srv
}

func newTestRecovery(t *testing.T) (*Recovery, *persistence.Persistence) {
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

	return New(p, gw, eventBus, clock.Real{}, logger.Default()), p
}

func TestRecoveryResetsInterruptedTeam(t *testing.T) {
	r, p := newTestRecovery(t)
	ctx := context.Background()

	team := &v1.Team{ID: "t1", Status: v1.TeamStatusScaling, Config: v1.TeamConfig{MaxAgents: 5}, CreatedAt: time.Now().UTC()}
	require.NoError(t, p.CreateTeam(ctx, team, "test"))

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.TeamsRecovered)
	require.Empty(t, res.Errors)

	updated, err := p.GetTeam(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, v1.TeamStatusActive, updated.Status)
}

func TestRecoveryFailsInterruptedAgent(t *testing.T) {
	r, p := newTestRecovery(t)
	ctx := context.Background()

	agent := &v1.Agent{ID: "a1", Status: v1.AgentStatusRunning, LifecycleState: v1.LifecycleRunning, Model: "claude", Task: "t", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.CreateAgent(ctx, agent, "test"))

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.AgentsRecovered)

	updated, err := p.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleFailed, updated.LifecycleState)
	require.Equal(t, "interrupted by restart", updated.LastError)
	require.NotNil(t, updated.CompletedAt)
}

func TestRecoveryReconcilesSessions(t *testing.T) {
	r, p := newTestRecovery(t)
	ctx := context.Background()

	require.NoError(t, p.PutSession(ctx, &v1.GatewaySession{SessionKey: "sess-1", AgentID: "a1", Status: v1.SessionStatusSpawning, CreatedAt: time.Now().UTC()}))
	require.NoError(t, p.PutSession(ctx, &v1.GatewaySession{SessionKey: "sess-stale", AgentID: "a2", Status: v1.SessionStatusRunning, CreatedAt: time.Now().UTC()}))

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.SessionsRecovered)

	live, err := p.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, v1.SessionStatusRunning, live.Status)

	_, err = p.GetSession(ctx, "sess-stale")
	require.Error(t, err)
}

func TestRecoveryLeavesTerminalAgentsAlone(t *testing.T) {
	r, p := newTestRecovery(t)
	ctx := context.Background()

	agent := &v1.Agent{ID: "a1", Status: v1.AgentStatusCompleted, LifecycleState: v1.LifecycleCompleted, Model: "claude", Task: "t", CreatedAt: time.Now().UTC()}
	require.NoError(t, p.CreateAgent(ctx, agent, "test"))

	res, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.AgentsRecovered)
}
