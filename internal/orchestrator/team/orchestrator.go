// Package team implements the team aggregate: creation, scaling, budget
// accounting, and coordinated destroy. Mutations of a single team are
// serialized by a per-team mutex; reads run lock-free against the store.
package team

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	agentpkg "github.com/kandev/orchestrator/internal/orchestrator/agent"

	"github.com/kandev/orchestrator/internal/common/clock"
	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/persistence"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// killConcurrency bounds how many member agents Destroy kills at once.
const killConcurrency = 4

// Orchestrator owns every team's aggregate state and coordinates its member
// agents through a Lifecycle.
type Orchestrator struct {
	persistence *persistence.Persistence
	lifecycle   *agentpkg.Lifecycle
	bus         bus.EventBus
	clock       clock.Clock
	logger      *logger.Logger

	scaleDownTimeout time.Duration
	defaultMaxAgents int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a team Orchestrator.
func New(p *persistence.Persistence, lc *agentpkg.Lifecycle, eventBus bus.EventBus, c clock.Clock, log *logger.Logger, scaleDownTimeout time.Duration, defaultMaxAgents int) *Orchestrator {
	return &Orchestrator{
		persistence:      p,
		lifecycle:        lc,
		bus:              eventBus,
		clock:            c,
		logger:           log.WithFields(zap.String("component", "team_orchestrator")),
		scaleDownTimeout: scaleDownTimeout,
		defaultMaxAgents: defaultMaxAgents,
		locks:            make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(teamID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	m, ok := o.locks[teamID]
	if !ok {
		m = &sync.Mutex{}
		o.locks[teamID] = m
	}
	return m
}

// CreateOptions parameters the caller supplies to Create.
type CreateOptions struct {
	Name   string
	Config v1.TeamConfig
	Budget v1.Budget
}

// Create builds a new team in "creating" status, spawns its initial agents,
// and transitions it to "active".
func (o *Orchestrator) Create(ctx context.Context, opts CreateOptions) (*v1.Team, error) {
	if opts.Config.MaxAgents <= 0 {
		opts.Config.MaxAgents = o.defaultMaxAgents
	}
	opts.Budget.Remaining = opts.Budget.Allocated - opts.Budget.Consumed

	now := o.clock.Now()
	t := &v1.Team{
		ID:        clock.NewID(),
		Name:      opts.Name,
		Status:    v1.TeamStatusCreating,
		Config:    opts.Config,
		Agents:    nil,
		Budget:    opts.Budget,
		CreatedAt: now,
		Version:   0,
	}
	if err := o.persistence.CreateTeam(ctx, t, "team_orchestrator"); err != nil {
		return nil, err
	}
	o.publish(ctx, t.ID, "team.created", t)

	if opts.Config.InitialAgents > 0 {
		if _, err := o.Scale(ctx, t.ID, opts.Config.InitialAgents); err != nil {
			return nil, err
		}
	}

	return o.transition(ctx, t.ID, func(team *v1.Team) error {
		if team.Status == v1.TeamStatusCreating {
			team.Status = v1.TeamStatusActive
		}
		return nil
	})
}

// GetTeam loads a team by id.
func (o *Orchestrator) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	return o.persistence.GetTeam(ctx, id)
}

// ListTeams lists every team.
func (o *Orchestrator) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	return o.persistence.ListTeams(ctx)
}

// Pause moves an active team to "paused"; member agents are left running.
func (o *Orchestrator) Pause(ctx context.Context, id string) (*v1.Team, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := o.requireMutable(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := o.transition(ctx, t.ID, func(team *v1.Team) error {
		team.Status = v1.TeamStatusPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, id, "team.paused", updated)
	return updated, nil
}

// Resume moves a paused team back to "active".
func (o *Orchestrator) Resume(ctx context.Context, id string) (*v1.Team, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	updated, err := o.transition(ctx, id, func(team *v1.Team) error {
		if team.Status != v1.TeamStatusPaused {
			return apperrors.StateConflict(fmt.Sprintf("team %q is not paused", id))
		}
		team.Status = v1.TeamStatusActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, id, "team.resumed", updated)
	return updated, nil
}

// requireMutable loads the team and refuses if it's in a terminal status.
func (o *Orchestrator) requireMutable(ctx context.Context, id string) (*v1.Team, error) {
	t, err := o.persistence.GetTeam(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case v1.TeamStatusDestroyed, v1.TeamStatusCompleted, v1.TeamStatusFailed:
		return nil, apperrors.StateConflict(fmt.Sprintf("team %q is %s, no further mutations accepted", id, t.Status))
	}
	return t, nil
}

// liveAgentIDs returns the member agent ids whose lifecycle_state is not
// terminal, ordered oldest-spawned first (by created_at).
func (o *Orchestrator) liveAgentIDs(ctx context.Context, teamID string) ([]string, error) {
	agents, err := o.persistence.ListAgentsByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if !a.LifecycleState.Terminal() {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func clampTarget(target, maxAgents int) int {
	if target < 0 {
		return 0
	}
	if target > maxAgents {
		return maxAgents
	}
	return target
}

// Scale grows or shrinks a team's live agent population to target, per the
// scale algorithm: lock the team, reject a target past max_agents, clamp the
// lower bound to 0, spawn or kill the difference, persist the new version,
// and emit team.scaled. A partial failure on grow surfaces PartialScale but
// keeps whatever agents were successfully created.
func (o *Orchestrator) Scale(ctx context.Context, teamID string, target int) (*v1.Team, error) {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	t, err := o.requireMutable(ctx, teamID)
	if err != nil {
		return nil, err
	}

	if target > t.Config.MaxAgents {
		return nil, apperrors.StateConflict(fmt.Sprintf("scale target %d exceeds max_agents %d", target, t.Config.MaxAgents))
	}

	liveIDs, err := o.liveAgentIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}
	cur := len(liveIDs)
	clamped := clampTarget(target, t.Config.MaxAgents)

	if _, err := o.transition(ctx, teamID, func(team *v1.Team) error {
		if team.Status == v1.TeamStatusActive {
			team.Status = v1.TeamStatusScaling
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var scaleErr error
	switch {
	case clamped > cur:
		scaleErr = o.scaleUp(ctx, teamID, t, clamped-cur)
	case clamped < cur:
		scaleErr = o.scaleDown(ctx, teamID, liveIDs, cur-clamped)
	}

	updated, err := o.transition(ctx, teamID, func(team *v1.Team) error {
		if team.Status == v1.TeamStatusScaling {
			team.Status = v1.TeamStatusActive
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, teamID, "team.scaled", updated)
	if scaleErr != nil {
		return updated, scaleErr
	}
	return updated, nil
}

func (o *Orchestrator) scaleUp(ctx context.Context, teamID string, t *v1.Team, count int) error {
	created := 0
	var errs []error
	for i := 0; i < count; i++ {
		a, err := o.lifecycle.Spawn(ctx, v1.SpawnOptions{
			TeamID:     &teamID,
			Model:      t.Config.DefaultModel,
			Task:       t.Config.DefaultTask,
			MaxRetries: t.Config.MaxRetries,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := o.transition(ctx, teamID, func(team *v1.Team) error {
			team.Agents = append(team.Agents, a.ID)
			team.Metrics.Total++
			return nil
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		created++
	}
	if len(errs) > 0 {
		return apperrors.PartialScale(created, errs)
	}
	return nil
}

func (o *Orchestrator) scaleDown(ctx context.Context, teamID string, liveIDs []string, count int) error {
	if count > len(liveIDs) {
		count = len(liveIDs)
	}
	victims := liveIDs[len(liveIDs)-count:]

	sem := make(chan struct{}, killConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, id := range victims {
		wg.Add(1)
		sem <- struct{}{}
		go func(agentID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.killWithEscalation(ctx, agentID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if len(errs) > 0 {
		return apperrors.PartialScale(len(victims)-len(errs), errs)
	}
	return nil
}

// killWithEscalation issues a graceful kill, waits up to scaleDownTimeout for
// the agent to reach a terminal state, then escalates to force.
func (o *Orchestrator) killWithEscalation(ctx context.Context, agentID string) error {
	if _, err := o.lifecycle.Kill(ctx, agentID, false); err != nil {
		return err
	}

	deadline := o.clock.Now().Add(o.scaleDownTimeout)
	for o.clock.Now().Before(deadline) {
		a, err := o.lifecycle.GetState(ctx, agentID)
		if err != nil {
			return err
		}
		if a.LifecycleState.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	_, err := o.lifecycle.Kill(ctx, agentID, true)
	return err
}

// Destroy marks a team terminal and kills every non-terminal member agent,
// concurrently and best-effort. Idempotent: re-destroying an already
// destroyed team is a no-op that still writes an audit entry.
func (o *Orchestrator) Destroy(ctx context.Context, teamID string, force bool) (*v1.Team, error) {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	t, err := o.persistence.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}

	if t.Status != v1.TeamStatusDestroyed {
		liveIDs, err := o.liveAgentIDs(ctx, teamID)
		if err != nil {
			return nil, err
		}
		sem := make(chan struct{}, killConcurrency)
		var wg sync.WaitGroup
		for _, id := range liveIDs {
			wg.Add(1)
			sem <- struct{}{}
			go func(agentID string) {
				defer wg.Done()
				defer func() { <-sem }()
				if _, err := o.lifecycle.Kill(ctx, agentID, force); err != nil {
					o.logger.Warn("failed to kill member agent during destroy",
						zap.String("team_id", teamID), zap.String("agent_id", agentID), zap.Error(err))
				}
			}(id)
		}
		wg.Wait()
	}

	updated, err := o.persistence.UpdateTeam(ctx, teamID, v1.AuditActionUpdate, "team_orchestrator", func(team *v1.Team) error {
		if team.Status == v1.TeamStatusDestroyed {
			return nil
		}
		team.Status = v1.TeamStatusDestroyed
		completed := o.clock.Now()
		team.CompletedAt = &completed
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, teamID, "team.destroyed", updated)
	return updated, nil
}

// ConsumeResult reports the outcome of a budget consumption request.
type ConsumeResult struct {
	OK       bool
	Exceeded bool
}

// ConsumeBudget performs an atomic read-modify-write of a team's budget
// under the team mutex, rejecting with BudgetExceeded if the consumption
// would push tokens or cost past the team's ceiling. Crossing the warning
// or critical threshold publishes an edge-triggered event exactly once.
func (o *Orchestrator) ConsumeBudget(ctx context.Context, teamID, agentID string, tokens int64, cost float64) (ConsumeResult, error) {
	lock := o.lockFor(teamID)
	lock.Lock()
	defer lock.Unlock()

	var warn, critical bool
	updated, err := o.persistence.UpdateTeam(ctx, teamID, v1.AuditActionUpdate, "team_orchestrator", func(team *v1.Team) error {
		newConsumed := team.Budget.Consumed + cost
		newTokens := team.Budget.UsedTokens + tokens

		if team.Budget.MaxTokens != nil && newTokens > *team.Budget.MaxTokens {
			return apperrors.BudgetExceeded(fmt.Sprintf("team %q: token ceiling %d exceeded by agent %q", teamID, *team.Budget.MaxTokens, agentID))
		}
		if newConsumed > team.Budget.Allocated {
			return apperrors.BudgetExceeded(fmt.Sprintf("team %q: budget %.2f exceeded by agent %q", teamID, team.Budget.Allocated, agentID))
		}

		team.Budget.Consumed = newConsumed
		team.Budget.UsedTokens = newTokens
		team.Budget.Remaining = team.Budget.Allocated - team.Budget.Consumed

		fraction := 0.0
		if team.Budget.Allocated > 0 {
			fraction = team.Budget.Consumed / team.Budget.Allocated
		}
		if !team.Budget.Critical && fraction >= v1.BudgetCriticalThreshold {
			team.Budget.Critical = true
			critical = true
		}
		if !team.Budget.Warned && fraction >= v1.BudgetWarningThreshold {
			team.Budget.Warned = true
			warn = true
		}
		return nil
	})
	if err != nil {
		if apperrors.IsBudgetExceeded(err) {
			return ConsumeResult{OK: false, Exceeded: true}, nil
		}
		return ConsumeResult{}, err
	}

	if critical {
		o.publish(ctx, teamID, "team.budget.critical", updated)
	}
	if warn {
		o.publish(ctx, teamID, "team.budget.warning", updated)
	}
	return ConsumeResult{OK: true}, nil
}

func (o *Orchestrator) transition(ctx context.Context, teamID string, mutate func(*v1.Team) error) (*v1.Team, error) {
	return o.persistence.UpdateTeam(ctx, teamID, v1.AuditActionUpdate, "team_orchestrator", mutate)
}

func (o *Orchestrator) publish(ctx context.Context, teamID, eventType string, t *v1.Team) {
	data := map[string]interface{}{"team_id": teamID, "status": t.Status, "agent_count": len(t.Agents)}
	if err := o.bus.Publish(ctx, bus.TeamTopic(teamID), bus.NewEvent(eventType, "team_orchestrator", data)); err != nil {
		o.logger.Warn("failed to publish team event", zap.String("team_id", teamID), zap.String("event", eventType), zap.Error(err))
	}
}
