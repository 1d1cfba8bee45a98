package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/backoff"
	"github.com/kandev/orchestrator/internal/common/config"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024 * 1024
)

// State is the connection state machine of the gateway client.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReconnecting   State = "reconnecting"
	StateError          State = "error"
)

type pending struct {
	respCh chan *Response
}

// Client is the orchestrator's single multiplexed connection to the gateway.
type Client struct {
	cfg      config.GatewayConfig
	bus      bus.EventBus
	sessions *SessionMap
	logger   *logger.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn
	state  State

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pending

	reqSeq   uint64
	eventSeq int64

	degraded atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a gateway Client. It does not connect until Start is called.
func New(cfg config.GatewayConfig, eventBus bus.EventBus, sessions *SessionMap, log *logger.Logger) *Client {
	return &Client{
		cfg:      cfg,
		bus:      eventBus,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "gateway_client")),
		state:    StateDisconnected,
		pending:  make(map[string]*pending),
		stopCh:   make(chan struct{}),
	}
}

// Start dials the gateway and authenticates. If the gateway is unreachable
// and cfg.Strict is false, Start returns nil with the client left in
// degraded mode: the core stays usable, but spawns omit session_id until a
// later successful (re)connect — and reconnecting later never retroactively
// binds sessions created while degraded.
func (c *Client) Start(ctx context.Context) error {
	err := c.connectAndAuthenticate(ctx)
	if err == nil {
		c.degraded.Store(false)
		c.wg.Add(1)
		go c.heartbeatLoop()
		return nil
	}
	if c.cfg.Strict {
		return err
	}
	c.logger.Warn("gateway unreachable at startup, continuing in degraded mode", zap.Error(err))
	c.degraded.Store(true)
	c.wg.Add(1)
	go c.reconnectLoop()
	return nil
}

// IsDegraded reports whether the client is operating without a live gateway
// connection.
func (c *Client) IsDegraded() bool {
	return c.degraded.Load()
}

// IsAuthenticated reports whether requests can currently be sent.
func (c *Client) IsAuthenticated() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state == StateAuthenticated
}

// Stop closes the connection and stops all background loops.
func (c *Client) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.setState(StateDisconnected)
	c.connMu.Unlock()
	c.failAllPending(apperrors.ConnectionError("gateway client stopped", nil))
	c.wg.Wait()
}

func (c *Client) setState(s State) {
	c.state = s
}

func (c *Client) connectAndAuthenticate(ctx context.Context) error {
	c.connMu.Lock()
	c.setState(StateConnecting)
	c.connMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		c.connMu.Lock()
		c.setState(StateError)
		c.connMu.Unlock()
		return apperrors.ConnectionError("failed to dial gateway", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.connMu.Lock()
	c.conn = conn
	c.setState(StateConnected)
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	c.connMu.Lock()
	c.setState(StateAuthenticating)
	c.connMu.Unlock()

	token := resolveToken(c.cfg.Token)
	params, _ := json.Marshal(ConnectParams{
		Auth:        ConnectAuth{Token: token},
		Client:      map[string]interface{}{"name": "orchestrator"},
		MinProtocol: 1,
		MaxProtocol: 1,
	})
	var result ConnectResult
	if err := c.call(ctx, MethodConnect, params, &result); err != nil {
		c.connMu.Lock()
		c.setState(StateError)
		conn.Close()
		c.connMu.Unlock()
		return apperrors.AuthenticationError(fmt.Sprintf("gateway connect failed: %v", err))
	}

	c.connMu.Lock()
	c.setState(StateAuthenticated)
	c.connMu.Unlock()

	for _, ev := range []string{EventAgent, EventChat, EventPresence, EventTick} {
		subParams, _ := json.Marshal(map[string]string{"event": ev})
		_ = c.call(ctx, MethodSubscribe, subParams, nil)
	}

	c.logger.Info("gateway authenticated", zap.Int("protocol", result.Protocol))
	return nil
}

// call sends a request and waits for its matching response, unmarshaling
// the payload into result if non-nil.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage, result interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return apperrors.ConnectionError("gateway not connected", nil)
	}

	id := fmt.Sprintf("%d", atomic.AddUint64(&c.reqSeq, 1))
	req := Request{Type: MessageTypeRequest, ID: id, Method: method, Params: params}

	p := &pending{respCh: make(chan *Response, 1)}
	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return apperrors.ConnectionError("failed to write request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	defer cancel()

	select {
	case resp := <-p.respCh:
		if !resp.Ok {
			return translateGatewayError(resp.Error)
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, result); err != nil {
				return apperrors.Internal("failed to decode gateway response", err)
			}
		}
		return nil
	case <-reqCtx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return apperrors.Timeout(method)
	}
}

func translateGatewayError(e *ResponseError) error {
	if e == nil {
		return apperrors.Internal("gateway returned an error with no detail", nil)
	}
	switch e.Code {
	case ErrCodeAuthentication:
		return apperrors.AuthenticationError(e.Message)
	case ErrCodeConnection:
		return apperrors.ConnectionError(e.Message, nil)
	case ErrCodeTimeout:
		return apperrors.Timeout(e.Message)
	case ErrCodeRequest:
		return apperrors.StateConflict(e.Message)
	default:
		return apperrors.Internal(e.Message, nil)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var env envelope
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("gateway read error", zap.Error(err))
			c.handleDisconnect()
			return
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case MessageTypeResponse:
			var resp Response
			if json.Unmarshal(data, &resp) == nil {
				c.dispatchResponse(&resp)
			}
		case MessageTypeEvent:
			var evt Event
			if json.Unmarshal(data, &evt) == nil {
				c.dispatchEvent(&evt)
			}
		}
	}
}

func (c *Client) dispatchResponse(resp *Response) {
	c.pendingMu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("unmatched gateway response", zap.String("id", resp.ID))
		return
	}
	p.respCh <- resp
}

// dispatchEvent republishes every gateway event onto the Event Bus under
// openclaw.<event>, resolving agent_id from the session map when the
// payload carries a sessionKey.
func (c *Client) dispatchEvent(evt *Event) {
	atomic.StoreInt64(&c.eventSeq, evt.Seq)

	data := map[string]interface{}{}
	_ = json.Unmarshal(evt.Payload, &data)

	if sessionKey, ok := data["sessionKey"].(string); ok {
		if agentID, found := c.sessions.AgentID(sessionKey); found {
			data["agent_id"] = agentID
		}
	}

	e := bus.NewEvent(evt.Event, "gateway", data)
	_ = c.bus.Publish(context.Background(), bus.GatewayEventTopic(evt.Event), e)
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasAuthenticated := c.state == StateAuthenticated
	c.conn = nil
	c.setState(StateReconnecting)
	c.connMu.Unlock()

	c.failAllPending(apperrors.ConnectionError("gateway connection closed", nil))

	select {
	case <-c.stopCh:
		return
	default:
	}

	if wasAuthenticated {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	resp := &Response{Ok: false, Error: &ResponseError{Code: ErrCodeConnection, Message: err.Error()}}
	for id, p := range c.pending {
		p.respCh <- resp
		delete(c.pending, id)
	}
}

// reconnectLoop retries the connect+authenticate handshake with exponential
// backoff, doubling the delay each attempt and resetting it on success.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	b := backoff.New(c.cfg.ReconnectDelay(), 30*time.Second)
	attempts := 0

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if c.cfg.MaxReconnectTries > 0 && attempts >= c.cfg.MaxReconnectTries {
			c.logger.Error("gateway reconnect attempts exhausted")
			c.connMu.Lock()
			c.setState(StateError)
			c.connMu.Unlock()
			return
		}

		delay := b.Next()
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		err := c.connectAndAuthenticate(ctx)
		cancel()
		if err == nil {
			c.degraded.Store(false)
			c.wg.Add(1)
			go c.heartbeatLoop()
			return
		}
		c.logger.Warn("gateway reconnect attempt failed", zap.Int("attempt", attempts), zap.Error(err))
	}
}

// heartbeatLoop pings the gateway on an interval while authenticated;
// any failure or timeout terminates the socket to force a reconnect.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.IsAuthenticated() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
			err := c.call(ctx, MethodPing, nil, nil)
			cancel()
			if err != nil {
				c.logger.Warn("gateway heartbeat failed, forcing reconnect", zap.Error(err))
				c.connMu.Lock()
				if c.conn != nil {
					c.conn.Close()
				}
				c.connMu.Unlock()
				return
			}
		}
	}
}

// SpawnSession asks the gateway to spawn a new remote session.
func (c *Client) SpawnSession(ctx context.Context, model, systemPrompt string, skills []string) (string, error) {
	if !c.IsAuthenticated() {
		return "", apperrors.ConnectionError("gateway not authenticated", nil)
	}
	params, _ := json.Marshal(SessionsSpawnParams{Model: model, SystemPrompt: systemPrompt, Skills: skills})
	var result SessionsSpawnResult
	if err := c.call(ctx, MethodSessionsSpawn, params, &result); err != nil {
		return "", err
	}
	return result.SessionKey, nil
}

// SendMessage sends a message into an existing session.
func (c *Client) SendMessage(ctx context.Context, sessionKey, message string) (SessionsSendResult, error) {
	var result SessionsSendResult
	params, _ := json.Marshal(SessionsSendParams{SessionKey: sessionKey, Message: message})
	err := c.call(ctx, MethodSessionsSend, params, &result)
	return result, err
}

// History fetches a session's message history.
func (c *Client) History(ctx context.Context, sessionKey string, limit int) ([]map[string]interface{}, error) {
	params, _ := json.Marshal(SessionsHistoryParams{SessionKey: sessionKey, Limit: limit})
	var result SessionsHistoryResult
	if err := c.call(ctx, MethodSessionsHistory, params, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ListSessions lists every session the gateway currently tracks, used
// during startup recovery to reconcile persisted session rows.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var result SessionsListResult
	if err := c.call(ctx, MethodSessionsList, nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// KillSession terminates a remote session.
func (c *Client) KillSession(ctx context.Context, sessionKey string) error {
	params, _ := json.Marshal(SessionsKillParams{SessionKey: sessionKey})
	err := c.call(ctx, MethodSessionsKill, params, nil)
	c.sessions.Unbind(sessionKey)
	return err
}
