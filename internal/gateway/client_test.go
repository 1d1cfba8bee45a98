package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
)

// fakeGateway answers connect, subscribe and ping requests, and lets a test
// push arbitrary events onto every connected client.
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
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := Response{Type: MessageTypeResponse, ID: req.ID, Ok: true, Payload: json.RawMessage(`{}`)}
			if req.Method == MethodConnect {
				payload, _ := json.Marshal(ConnectResult{Protocol: 1})
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

func TestClientConnectAndAuthenticate(t *testing.T) {
	srv, _ := fakeGateway(t)
	defer srv.Close()

	cfg := config.GatewayConfig{
		URL:               wsURL(srv.URL),
		RequestTimeoutSec: 2,
		HeartbeatSec:      100,
		ReconnectDelayMS:  10,
	}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	client := New(cfg, eventBus, NewSessionMap(), logger.Default())
	require.NoError(t, client.Start(context.Background()))
	require.True(t, client.IsAuthenticated())
	require.False(t, client.IsDegraded())

	client.Stop()
}

func TestClientDegradedModeWhenUnreachable(t *testing.T) {
	cfg := config.GatewayConfig{
		URL:               "ws://127.0.0.1:1/unreachable",
		Strict:            false,
		RequestTimeoutSec: 1,
		HeartbeatSec:      100,
		ReconnectDelayMS:  10,
		MaxReconnectTries: 1,
	}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	client := New(cfg, eventBus, NewSessionMap(), logger.Default())
	require.NoError(t, client.Start(context.Background()))
	require.True(t, client.IsDegraded())

	time.Sleep(50 * time.Millisecond)
	client.Stop()
}

func TestClientStrictModeFailsStartup(t *testing.T) {
	cfg := config.GatewayConfig{
		URL:               "ws://127.0.0.1:1/unreachable",
		Strict:            true,
		RequestTimeoutSec: 1,
	}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	client := New(cfg, eventBus, NewSessionMap(), logger.Default())
	require.Error(t, client.Start(context.Background()))
}

func TestClientSpawnSession(t *testing.T) {
	srv, _ := fakeGateway(t)
	defer srv.Close()

	cfg := config.GatewayConfig{
		URL:               wsURL(srv.URL),
		RequestTimeoutSec: 2,
		HeartbeatSec:      100,
	}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	client := New(cfg, eventBus, NewSessionMap(), logger.Default())
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	_, err := client.SpawnSession(context.Background(), "claude", "", nil)
	// The fake gateway returns {} for sessions_spawn, missing sessionKey,
	// which still unmarshals successfully into an empty string field.
	require.NoError(t, err)
}
