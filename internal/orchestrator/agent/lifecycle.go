// Package agent implements the per-agent state machine: spawn, pause,
// resume, kill, retry, and the gateway-event-driven transitions that drive
// an agent's lifecycle as its remote session reports progress.
package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/clock"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/gateway"
	"github.com/kandev/orchestrator/internal/persistence"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// transitions is the full set of legal lifecycle_state edges. Any edge not
// listed here fails with StateConflict.
var transitions = map[v1.LifecycleState][]v1.LifecycleState{
	v1.LifecycleInitializing: {v1.LifecycleSpawning, v1.LifecycleFailed},
	v1.LifecycleSpawning:     {v1.LifecycleRunning, v1.LifecycleFailed},
	v1.LifecycleRunning:      {v1.LifecyclePaused, v1.LifecycleCompleted, v1.LifecycleFailed, v1.LifecycleKilled},
	v1.LifecyclePaused:       {v1.LifecycleRunning, v1.LifecycleKilled, v1.LifecycleFailed},
	v1.LifecycleFailed:       {v1.LifecycleSpawning, v1.LifecycleKilled},
}

func canTransition(from, to v1.LifecycleState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Lifecycle owns every agent's state machine, binds agents to gateway
// sessions, and reacts to gateway events republished on the Event Bus.
type Lifecycle struct {
	persistence *persistence.Persistence
	gateway     *gateway.Client
	sessions    *gateway.SessionMap
	bus         bus.EventBus
	clock       clock.Clock
	logger      *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sub bus.Subscription
}

// New builds a Lifecycle. Start must be called before gateway events drive
// transitions.
func New(p *persistence.Persistence, gw *gateway.Client, sessions *gateway.SessionMap, eventBus bus.EventBus, c clock.Clock, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		persistence: p,
		gateway:     gw,
		sessions:    sessions,
		bus:         eventBus,
		clock:       c,
		logger:      log.WithFields(zap.String("component", "lifecycle")),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Start subscribes to republished gateway "agent" events and begins driving
// lifecycle transitions from them.
func (l *Lifecycle) Start(ctx context.Context) error {
	sub, err := l.bus.Subscribe(bus.GatewayEventTopic(gateway.EventAgent), l.handleGatewayAgentEvent)
	if err != nil {
		return apperrors.Internal("failed to subscribe to gateway agent events", err)
	}
	l.sub = sub
	return nil
}

// Stop cancels the gateway event subscription.
func (l *Lifecycle) Stop() {
	if l.sub != nil {
		l.sub.Unsubscribe()
	}
}

func (l *Lifecycle) lockFor(id string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// Spawn creates a new agent in lifecycle_state "initializing", transitions
// it to "spawning", and asks the gateway to open a remote session. A
// degraded gateway still produces a live agent, just without a session_id;
// reconnecting later never retroactively binds one.
func (l *Lifecycle) Spawn(ctx context.Context, opts v1.SpawnOptions) (*v1.Agent, error) {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	now := l.clock.Now()
	agentAgg := &v1.Agent{
		ID:             clock.NewID(),
		TeamID:         opts.TeamID,
		ParentID:       opts.ParentID,
		Status:         v1.AgentStatusPending,
		LifecycleState: v1.LifecycleInitializing,
		Model:          opts.Model,
		Task:           opts.Task,
		Metadata:       opts.Metadata,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		Version:        0,
	}

	if err := l.persistence.CreateAgent(ctx, agentAgg, "lifecycle"); err != nil {
		return nil, err
	}
	l.publish(ctx, agentAgg.ID, "agent.created", agentAgg)

	lock := l.lockFor(agentAgg.ID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := l.transition(ctx, agentAgg.ID, v1.LifecycleSpawning, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusPending
		return nil
	})
	if err != nil {
		return nil, err
	}
	agentAgg = updated
	l.publish(ctx, agentAgg.ID, "agent.spawning", agentAgg)

	sessionKey, spawnErr := l.gateway.SpawnSession(ctx, agentAgg.Model, agentAgg.Task, nil)
	if spawnErr != nil && !l.gateway.IsDegraded() {
		failed, err := l.transition(ctx, agentAgg.ID, v1.LifecycleFailed, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusFailed
			a.LastError = spawnErr.Error()
			return nil
		})
		if err != nil {
			return nil, err
		}
		l.publish(ctx, failed.ID, "agent.failed", failed)
		return failed, nil
	}

	if sessionKey != "" {
		l.sessions.Bind(sessionKey, agentAgg.ID)
	}

	running, err := l.transition(ctx, agentAgg.ID, v1.LifecycleRunning, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusRunning
		if sessionKey != "" {
			a.SessionID = &sessionKey
		}
		started := l.clock.Now()
		a.StartedAt = &started
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, running.ID, "agent.running", running)
	return running, nil
}

// Pause moves a running agent to "paused".
func (l *Lifecycle) Pause(ctx context.Context, id string) (*v1.Agent, error) {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	updated, err := l.transition(ctx, id, v1.LifecyclePaused, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusPaused
		paused := l.clock.Now()
		a.PausedAt = &paused
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, id, "agent.paused", updated)
	return updated, nil
}

// Resume moves a paused agent back to "running".
func (l *Lifecycle) Resume(ctx context.Context, id string) (*v1.Agent, error) {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	updated, err := l.transition(ctx, id, v1.LifecycleRunning, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusRunning
		resumed := l.clock.Now()
		a.ResumedAt = &resumed
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, id, "agent.resumed", updated)
	return updated, nil
}

// Kill terminates an agent's remote session (if any) and moves it to
// "killed". force is accepted for API symmetry with the team orchestrator's
// escalation path; the gateway's sessions_kill is always best-effort.
func (l *Lifecycle) Kill(ctx context.Context, id string, force bool) (*v1.Agent, error) {
	lock := l.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.persistence.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.SessionID != nil {
		if err := l.gateway.KillSession(ctx, *current.SessionID); err != nil {
			l.logger.Warn("failed to kill gateway session", zap.String("agent_id", id), zap.Error(err))
		}
	}

	updated, err := l.transition(ctx, id, v1.LifecycleKilled, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusKilled
		completed := l.clock.Now()
		a.CompletedAt = &completed
		a.SessionID = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, id, "agent.killed", updated)
	return updated, nil
}

// Retry moves a failed agent back to "spawning" and re-opens a gateway
// session, honoring max_retries.
func (l *Lifecycle) Retry(ctx context.Context, id string) (*v1.Agent, error) {
	lock := l.lockFor(id)
	lock.Lock()

	current, err := l.persistence.GetAgent(ctx, id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if current.RetryCount >= current.MaxRetries {
		lock.Unlock()
		return nil, apperrors.RetryExhausted(id, current.RetryCount, current.MaxRetries)
	}

	updated, err := l.transition(ctx, id, v1.LifecycleSpawning, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusPending
		a.RetryCount++
		a.LastError = ""
		return nil
	})
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	l.publish(ctx, id, "agent.retrying", updated)

	sessionKey, spawnErr := l.gateway.SpawnSession(ctx, updated.Model, updated.Task, nil)
	lock.Lock()
	defer lock.Unlock()
	if spawnErr != nil && !l.gateway.IsDegraded() {
		failed, err := l.transition(ctx, id, v1.LifecycleFailed, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusFailed
			a.LastError = spawnErr.Error()
			return nil
		})
		if err != nil {
			return nil, err
		}
		l.publish(ctx, id, "agent.failed", failed)
		return failed, nil
	}
	if sessionKey != "" {
		l.sessions.Bind(sessionKey, id)
	}

	running, err := l.transition(ctx, id, v1.LifecycleRunning, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusRunning
		if sessionKey != "" {
			a.SessionID = &sessionKey
		}
		started := l.clock.Now()
		a.StartedAt = &started
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, id, "agent.running", running)
	return running, nil
}

// GetState loads an agent's current state.
func (l *Lifecycle) GetState(ctx context.Context, id string) (*v1.Agent, error) {
	return l.persistence.GetAgent(ctx, id)
}

// Metrics summarizes the live agent population by lifecycle state.
type Metrics struct {
	ByState map[v1.LifecycleState]int
	Total   int
}

// GetMetrics counts every non-terminal agent by lifecycle state.
func (l *Lifecycle) GetMetrics(ctx context.Context) (Metrics, error) {
	agents, err := l.persistence.ListNonTerminalAgents(ctx)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{ByState: make(map[v1.LifecycleState]int)}
	for _, a := range agents {
		m.ByState[a.LifecycleState]++
		m.Total++
	}
	return m, nil
}

// transition asserts the lifecycle_state edge to `to` is legal, applies
// mutate to the copy, then sets LifecycleState to `to` and appends the
// state_history entry before persisting.
func (l *Lifecycle) transition(ctx context.Context, id string, to v1.LifecycleState, mutate func(*v1.Agent) error) (*v1.Agent, error) {
	return l.persistence.UpdateAgent(ctx, id, v1.AuditActionUpdate, "lifecycle", func(a *v1.Agent) error {
		if !canTransition(a.LifecycleState, to) {
			return apperrors.StateConflict(fmt.Sprintf("illegal transition %s -> %s for agent %q", a.LifecycleState, to, id))
		}
		from := a.LifecycleState
		if err := mutate(a); err != nil {
			return err
		}
		a.LifecycleState = to
		a.StateHistory = append(a.StateHistory, v1.StateTransition{From: from, To: to, At: l.clock.Now()})
		return nil
	})
}

func (l *Lifecycle) publish(ctx context.Context, agentID, eventType string, a *v1.Agent) {
	data := map[string]interface{}{"agent_id": agentID, "status": a.Status, "lifecycle_state": a.LifecycleState}
	if err := l.bus.Publish(ctx, bus.AgentTopic(agentID), bus.NewEvent(eventType, "lifecycle", data)); err != nil {
		l.logger.Warn("failed to publish lifecycle event", zap.String("agent_id", agentID), zap.String("event", eventType), zap.Error(err))
	}
}

// handleGatewayAgentEvent drives a lifecycle transition from a republished
// gateway "agent" event. The payload's status maps to a transition:
// completed/failed/killed end the agent, paused/resumed mirror Pause/Resume.
// Unknown session keys (no bound agent) are silently dropped — the session
// may belong to an agent spawned by another orchestrator instance, or have
// already been unbound by a local Kill.
func (l *Lifecycle) handleGatewayAgentEvent(ctx context.Context, subject string, evt *bus.Event) {
	sessionKey, _ := evt.Data["sessionKey"].(string)
	agentID, _ := evt.Data["agent_id"].(string)
	if agentID == "" && sessionKey != "" {
		agentID, _ = l.sessions.AgentID(sessionKey)
	}
	if agentID == "" {
		return
	}
	status, _ := evt.Data["status"].(string)

	lock := l.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	switch status {
	case "completed":
		updated, err := l.transition(ctx, agentID, v1.LifecycleCompleted, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusCompleted
			completed := l.clock.Now()
			a.CompletedAt = &completed
			a.SessionID = nil
			return nil
		})
		if err != nil {
			l.logger.Warn("failed to apply gateway completed event", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		l.publish(ctx, agentID, "agent.completed", updated)
	case "failed":
		updated, err := l.transition(ctx, agentID, v1.LifecycleFailed, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusFailed
			if msg, ok := evt.Data["error"].(string); ok {
				a.LastError = msg
			}
			a.SessionID = nil
			return nil
		})
		if err != nil {
			l.logger.Warn("failed to apply gateway failed event", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		l.publish(ctx, agentID, "agent.failed", updated)
	case "killed":
		updated, err := l.transition(ctx, agentID, v1.LifecycleKilled, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusKilled
			completed := l.clock.Now()
			a.CompletedAt = &completed
			a.SessionID = nil
			return nil
		})
		if err != nil {
			l.logger.Warn("failed to apply gateway killed event", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		l.publish(ctx, agentID, "agent.killed", updated)
	case "paused":
		updated, err := l.transition(ctx, agentID, v1.LifecyclePaused, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusPaused
			paused := l.clock.Now()
			a.PausedAt = &paused
			return nil
		})
		if err != nil {
			l.logger.Warn("failed to apply gateway paused event", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		l.publish(ctx, agentID, "agent.paused", updated)
	case "resumed", "running":
		updated, err := l.transition(ctx, agentID, v1.LifecycleRunning, func(a *v1.Agent) error {
			a.Status = v1.AgentStatusRunning
			resumed := l.clock.Now()
			a.ResumedAt = &resumed
			return nil
		})
		if err != nil {
			l.logger.Warn("failed to apply gateway running event", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		l.publish(ctx, agentID, "agent.resumed", updated)
	}
}
