// Package bus provides the in-process event bus the orchestrator's
// components use to publish and observe state changes, plus an optional
// NATS-backed fan-out sink for external collaborators.
package bus

import (
	"context"
	"time"

	"github.com/kandev/orchestrator/internal/common/clock"
)

// Event is a message published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an Event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        clock.NewID(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event, along with the subject it
// matched on (which may differ from event.Type: a topic like "agent:123"
// carries events of several types).
type EventHandler func(ctx context.Context, subject string, event *Event)

// Subscription is a live subscription that can be cancelled.
type Subscription interface {
	Unsubscribe()
	IsValid() bool
}

// EventBus is the orchestrator's publish/subscribe abstraction. Topics are
// plain strings; subscribers may use "*" to match a single token and ">" to
// match the remaining tokens, NATS-style.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
	// Dropped returns the number of messages dropped across all subscribers
	// due to a full bounded queue.
	Dropped() int64
}

// Topic builders. Keeping these in one place avoids subtly inconsistent
// subject strings scattered across callers.

// AgentTopic returns the per-agent topic.
func AgentTopic(agentID string) string { return "agent:" + agentID }

// TeamTopic returns the per-team topic.
func TeamTopic(teamID string) string { return "team:" + teamID }

// SystemTopic is the topic for orchestrator-wide, non-entity-scoped events.
const SystemTopic = "system"

// GatewayEventTopic returns the topic a republished gateway event is
// published on: "openclaw.<event>".
func GatewayEventTopic(event string) string { return "openclaw." + event }
