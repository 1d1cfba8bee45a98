// Package gateway is the single long-lived WebSocket connection to the
// remote tool executor: one multiplexed connection, many concurrent
// requests and event subscriptions.
package gateway

import "encoding/json"

// MessageType names the three wire framing kinds.
type MessageType string

const (
	MessageTypeRequest  MessageType = "req"
	MessageTypeResponse MessageType = "res"
	MessageTypeEvent    MessageType = "event"
)

// Gateway error codes, translated by the client into the core's own
// error taxonomy.
const (
	ErrCodeAuthentication = "AUTHENTICATION_ERROR"
	ErrCodeConnection     = "CONNECTION_ERROR"
	ErrCodeRequest        = "REQUEST_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// Request is a core -> gateway call.
type Request struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseError is the error shape carried by a Response when Ok is false.
type ResponseError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is a gateway -> core reply, correlated to a Request by ID.
type Response struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Ok      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// Event is an unsolicited gateway -> core push, numbered per connection.
type Event struct {
	Type    MessageType     `json:"type"`
	Event   string          `json:"event"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// envelope is used only to sniff the "type" discriminator before decoding
// into the concrete Response or Event shape.
type envelope struct {
	Type MessageType `json:"type"`
}

// Request method names consumed by the core.
const (
	MethodConnect         = "connect"
	MethodSubscribe       = "subscribe"
	MethodPing            = "ping"
	MethodSessionsSpawn   = "sessions_spawn"
	MethodSessionsSend    = "sessions_send"
	MethodSessionsHistory = "sessions_history"
	MethodSessionsList    = "sessions_list"
	MethodSessionsKill    = "sessions_kill"
)

// Event names consumed by the core.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventPresence = "presence"
	EventTick     = "tick"
)

// ConnectParams is the payload of the first request on every connection.
type ConnectParams struct {
	Auth        ConnectAuth            `json:"auth"`
	Client      map[string]interface{} `json:"client"`
	MinProtocol int                    `json:"minProtocol"`
	MaxProtocol int                    `json:"maxProtocol"`
}

// ConnectAuth carries the bearer token for the connect handshake.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectResult is the gateway's reply to connect.
type ConnectResult struct {
	Protocol int `json:"protocol"`
}

// SessionsSpawnParams requests a new remote session.
type SessionsSpawnParams struct {
	Model        string   `json:"model,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

// SessionsSpawnResult carries the new session's key.
type SessionsSpawnResult struct {
	SessionKey string `json:"sessionKey"`
}

// SessionsSendParams sends a message into an existing session.
type SessionsSendParams struct {
	SessionKey  string                   `json:"sessionKey"`
	Message     string                   `json:"message"`
	Attachments []map[string]interface{} `json:"attachments,omitempty"`
}

// SessionsSendResult acknowledges a sent message.
type SessionsSendResult struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// SessionsHistoryParams requests a session's message history.
type SessionsHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// SessionsHistoryResult carries the requested messages.
type SessionsHistoryResult struct {
	Messages []map[string]interface{} `json:"messages"`
}

// SessionsListResult carries every session the gateway currently tracks.
type SessionsListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo is one entry of a sessions_list response.
type SessionInfo struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	Status     string `json:"status"`
}

// SessionsKillParams terminates a remote session.
type SessionsKillParams struct {
	SessionKey string `json:"sessionKey"`
}

// AgentEventPayload is the payload of an "agent" event: the gateway's status
// for a session. The client republishes it onto the event bus; the Lifecycle
// maps the status onto a state transition.
type AgentEventPayload struct {
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}
