package v1

import "time"

// TeamStatus is the durable status of a team.
type TeamStatus string

const (
	TeamStatusCreating  TeamStatus = "creating"
	TeamStatusActive    TeamStatus = "active"
	TeamStatusScaling   TeamStatus = "scaling"
	TeamStatusPaused    TeamStatus = "paused"
	TeamStatusDestroyed TeamStatus = "destroyed"
	TeamStatusCompleted TeamStatus = "completed"
	TeamStatusFailed    TeamStatus = "failed"
)

// Strategy is how a team's agents relate to one another.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyPipeline   Strategy = "pipeline"
)

// TeamConfig is the immutable-after-create configuration of a team.
type TeamConfig struct {
	Strategy      Strategy `json:"strategy"`
	DefaultModel  string   `json:"default_model"`
	DefaultTask   string   `json:"default_task"`
	InitialAgents int      `json:"initial_agents"`
	MaxAgents     int      `json:"max_agents"`
	MaxRetries    int      `json:"max_retries"`
}

// Budget tracks a team's cost/token ceiling and consumption.
// Remaining = Allocated - Consumed is an invariant enforced by the orchestrator,
// never computed lazily by a reader.
type Budget struct {
	Allocated  float64  `json:"allocated"`
	Consumed   float64  `json:"consumed"`
	Remaining  float64  `json:"remaining"`
	Currency   string   `json:"currency"`
	MaxTokens  *int64   `json:"max_tokens,omitempty"`
	UsedTokens int64    `json:"used_tokens"`
	// Warned/Critical latch the edge-triggered budget.warning/budget.critical
	// events so a restart doesn't re-fire them on the next consume_budget
	// call; they round-trip through the same persisted Budget blob.
	Warned   bool `json:"warned"`
	Critical bool `json:"critical"`
}

// Thresholds for edge-triggered budget warning/critical events, as fractions
// of Allocated.
const (
	BudgetWarningThreshold  = 0.8
	BudgetCriticalThreshold = 0.95
)

// Metrics is a team's running agent-outcome counters.
type Metrics struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Team is a named aggregate of agents sharing a budget and scaling policy.
type Team struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      TeamStatus `json:"status"`
	Config      TeamConfig `json:"config"`
	Agents      []string   `json:"agents"`
	Budget      Budget     `json:"budget"`
	Metrics     Metrics    `json:"metrics"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the lock.
func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	c := *t
	c.Agents = append([]string(nil), t.Agents...)
	return &c
}
