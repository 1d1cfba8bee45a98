// Package recovery runs the startup pass that reconciles persisted state
// with reality after a process restart: teams and agents interrupted
// mid-mutation, and gateway sessions the orchestrator no longer has in
// memory.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/clock"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/gateway"
	"github.com/kandev/orchestrator/internal/persistence"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Result summarizes one recovery pass.
type Result struct {
	TeamsRecovered    int
	AgentsRecovered   int
	SessionsRecovered int
	Errors            []error
}

// Recovery owns the startup reconciliation pass.
type Recovery struct {
	persistence *persistence.Persistence
	gateway     *gateway.Client
	bus         bus.EventBus
	clock       clock.Clock
	logger      *logger.Logger
}

// New builds a Recovery.
func New(p *persistence.Persistence, gw *gateway.Client, eventBus bus.EventBus, c clock.Clock, log *logger.Logger) *Recovery {
	return &Recovery{
		persistence: p,
		gateway:     gw,
		bus:         eventBus,
		clock:       c,
		logger:      log.WithFields(zap.String("component", "recovery")),
	}
}

// Run executes the full startup recovery pass. It must complete before the
// orchestrator accepts any new operations.
func (r *Recovery) Run(ctx context.Context) (Result, error) {
	var res Result

	if err := r.recoverTeams(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}
	if err := r.recoverAgents(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}
	if err := r.recoverSessions(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}

	r.logger.Info("recovery pass complete",
		zap.Int("teams_recovered", res.TeamsRecovered),
		zap.Int("agents_recovered", res.AgentsRecovered),
		zap.Int("sessions_recovered", res.SessionsRecovered),
		zap.Int("errors", len(res.Errors)))

	return res, nil
}

// recoverTeams resets any team caught mid-mutation (creating or scaling) to
// active; the interrupting operation is abandoned, not resumed.
func (r *Recovery) recoverTeams(ctx context.Context, res *Result) error {
	teams, err := r.persistence.ListNonTerminalTeams(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal teams: %w", err)
	}

	for _, t := range teams {
		if t.Status != v1.TeamStatusCreating && t.Status != v1.TeamStatusScaling {
			continue
		}
		updated, err := r.persistence.UpdateTeam(ctx, t.ID, v1.AuditActionUpdate, "recovery", func(team *v1.Team) error {
			team.Status = v1.TeamStatusActive
			return nil
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("recover team %q: %w", t.ID, err))
			continue
		}
		res.TeamsRecovered++
		r.publish(ctx, bus.TeamTopic(t.ID), "recovery.team", map[string]interface{}{"team_id": t.ID, "status": updated.Status})
	}
	return nil
}

// recoverAgents fails every agent caught spawning or running at the moment
// of restart: there is no remote process left to reconnect to.
func (r *Recovery) recoverAgents(ctx context.Context, res *Result) error {
	agents, err := r.persistence.ListNonTerminalAgents(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal agents: %w", err)
	}

	for _, a := range agents {
		if a.LifecycleState != v1.LifecycleSpawning && a.LifecycleState != v1.LifecycleRunning {
			continue
		}
		updated, err := r.persistence.UpdateAgent(ctx, a.ID, v1.AuditActionUpdate, "recovery", func(agent *v1.Agent) error {
			agent.LifecycleState = v1.LifecycleFailed
			agent.Status = v1.AgentStatusFailed
			agent.LastError = "interrupted by restart"
			completed := r.clock.Now()
			agent.CompletedAt = &completed
			return nil
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("recover agent %q: %w", a.ID, err))
			continue
		}
		res.AgentsRecovered++
		r.publish(ctx, bus.AgentTopic(a.ID), "recovery.agent", map[string]interface{}{"agent_id": a.ID, "status": updated.Status})
	}
	return nil
}

// recoverSessions reconciles persisted gateway session rows against the
// gateway's own sessions_list, publishing recovery.session for each session
// the gateway still reports; sessions the gateway no longer knows about are
// deleted from the local session table.
func (r *Recovery) recoverSessions(ctx context.Context, res *Result) error {
	persisted, err := r.persistence.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list persisted sessions: %w", err)
	}

	live, err := r.gateway.ListSessions(ctx)
	if err != nil {
		r.logger.Warn("could not reach gateway for session reconciliation, skipping", zap.Error(err))
		return nil
	}
	liveByKey := make(map[string]gateway.SessionInfo, len(live))
	for _, s := range live {
		liveByKey[s.SessionKey] = s
	}

	for _, s := range persisted {
		info, ok := liveByKey[s.SessionKey]
		if !ok {
			if err := r.persistence.DeleteSession(ctx, s.SessionKey); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("prune stale session %q: %w", s.SessionKey, err))
			}
			continue
		}
		s.Status = v1.SessionStatus(info.Status)
		if err := r.persistence.PutSession(ctx, s); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("reconcile session %q: %w", s.SessionKey, err))
			continue
		}
		res.SessionsRecovered++
		r.publish(ctx, bus.SystemTopic, "recovery.session", map[string]interface{}{"session_key": s.SessionKey, "agent_id": s.AgentID, "status": s.Status})
	}
	return nil
}

func (r *Recovery) publish(ctx context.Context, topic, eventType string, data map[string]interface{}) {
	if err := r.bus.Publish(ctx, topic, bus.NewEvent(eventType, "recovery", data)); err != nil {
		r.logger.Warn("failed to publish recovery event", zap.String("event", eventType), zap.Error(err))
	}
}
