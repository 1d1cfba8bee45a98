package agent

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
	"github.com/kandev/orchestrator/internal/persistence"
	"github.com/kandev/orchestrator/internal/store/sqlite"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// fakeGateway answers connect/subscribe/sessions_spawn/sessions_kill with a
// canned response and lets tests push events to every connected socket.
func fakeGateway(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connected := make(chan *websocket.Conn, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connected <- conn
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
	return srv, connected
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestLifecycle(t *testing.T, gatewayURL string) (*Lifecycle, bus.EventBus, *gateway.Client) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.TeamConfig{LockMaxRetries: 3, LockBaseDelayMS: 1, LockMaxDelayMS: 10}
	p := persistence.New(s, cfg, clock.Real{}, logger.Default())

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	sessions := gateway.NewSessionMap()
	gwCfg := config.GatewayConfig{URL: gatewayURL, RequestTimeoutSec: 2, HeartbeatSec: 100, ReconnectDelayMS: 10}
	gw := gateway.New(gwCfg, eventBus, sessions, logger.Default())
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(gw.Stop)

	l := New(p, gw, sessions, eventBus, clock.Real{}, logger.Default())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)

	return l, eventBus, gw
}

func TestSpawnTransitionsToRunningWithSession(t *testing.T) {
	srv, _ := fakeGateway(t)
	defer srv.Close()

	l, _, _ := newTestLifecycle(t, wsURL(srv.URL))

	a, err := l.Spawn(context.Background(), v1.SpawnOptions{Model: "claude", Task: "write code"})
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleRunning, a.LifecycleState)
	require.Equal(t, v1.AgentStatusRunning, a.Status)
	require.NotNil(t, a.SessionID)
}

func TestSpawnDegradedOmitsSessionID(t *testing.T) {
	gwCfg := config.GatewayConfig{URL: "ws://127.0.0.1:1/unreachable", Strict: false, RequestTimeoutSec: 1, HeartbeatSec: 100, ReconnectDelayMS: 10, MaxReconnectTries: 1}
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.TeamConfig{LockMaxRetries: 3, LockBaseDelayMS: 1, LockMaxDelayMS: 10}
	p := persistence.New(s, cfg, clock.Real{}, logger.Default())
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	sessions := gateway.NewSessionMap()
	gw := gateway.New(gwCfg, eventBus, sessions, logger.Default())
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(gw.Stop)
	require.True(t, gw.IsDegraded())

	l := New(p, gw, sessions, eventBus, clock.Real{}, logger.Default())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)

	a, err := l.Spawn(context.Background(), v1.SpawnOptions{Model: "claude", Task: "write code"})
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleRunning, a.LifecycleState)
	require.Nil(t, a.SessionID)
}

func TestPauseResumeKill(t *testing.T) {
	srv, _ := fakeGateway(t)
	defer srv.Close()

	l, _, _ := newTestLifecycle(t, wsURL(srv.URL))
	ctx := context.Background()

	a, err := l.Spawn(ctx, v1.SpawnOptions{Model: "claude", Task: "t"})
	require.NoError(t, err)

	paused, err := l.Pause(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, v1.LifecyclePaused, paused.LifecycleState)

	resumed, err := l.Resume(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleRunning, resumed.LifecycleState)

	killed, err := l.Kill(ctx, a.ID, false)
	require.NoError(t, err)
	require.Equal(t, v1.LifecycleKilled, killed.LifecycleState)
	require.Equal(t, v1.AgentStatusKilled, killed.Status)
	require.Nil(t, killed.SessionID)

	_, err = l.Pause(ctx, a.ID)
	require.True(t, apperrors.IsStateConflict(err))
}

func TestRetryExhaustsAfterMaxRetries(t *testing.T) {
	srv, _ := fakeGateway(t)
	defer srv.Close()

	l, _, _ := newTestLifecycle(t, wsURL(srv.URL))
	ctx := context.Background()

	a, err := l.Spawn(ctx, v1.SpawnOptions{Model: "claude", Task: "t", MaxRetries: 1})
	require.NoError(t, err)

	_, err = l.transition(ctx, a.ID, v1.LifecycleFailed, func(ag *v1.Agent) error {
		ag.Status = v1.AgentStatusFailed
		return nil
	})
	require.NoError(t, err)

	_, err = l.Retry(ctx, a.ID)
	require.NoError(t, err)

	_, err = l.transition(ctx, a.ID, v1.LifecycleFailed, func(ag *v1.Agent) error {
		ag.Status = v1.AgentStatusFailed
		return nil
	})
	require.NoError(t, err)

	_, err = l.Retry(ctx, a.ID)
	require.True(t, apperrors.Is(err, apperrors.CodeRetryExhausted))
}

func TestGatewayAgentEventDrivesCompletion(t *testing.T) {
	srv, conns := fakeGateway(t)
	defer srv.Close()

	l, eventBus, _ := newTestLifecycle(t, wsURL(srv.URL))
	ctx := context.Background()

	a, err := l.Spawn(ctx, v1.SpawnOptions{Model: "claude", Task: "t"})
	require.NoError(t, err)
	require.NotNil(t, a.SessionID)

	conn := <-conns
	payload, _ := json.Marshal(map[string]interface{}{"sessionKey": *a.SessionID, "status": "completed"})
	evt := gateway.Event{Type: gateway.MessageTypeEvent, Event: gateway.EventAgent, Payload: payload}
	require.NoError(t, conn.WriteJSON(evt))

	require.Eventually(t, func() bool {
		current, err := l.GetState(ctx, a.ID)
		return err == nil && current.LifecycleState == v1.LifecycleCompleted
	}, 2*time.Second, 10*time.Millisecond)

	_ = eventBus
}

func TestGetMetrics(t *testing.T) {
	srv, _ := fakeGateway(t)
	defer srv.Close()

	l, _, _ := newTestLifecycle(t, wsURL(srv.URL))
	ctx := context.Background()

	_, err := l.Spawn(ctx, v1.SpawnOptions{Model: "claude", Task: "t"})
	require.NoError(t, err)

	m, err := l.GetMetrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, m.Total)
	require.Equal(t, 1, m.ByState[v1.LifecycleRunning])
}
