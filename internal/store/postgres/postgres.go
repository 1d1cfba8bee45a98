// Package postgres is the Store backend for deployments that need real
// row-level locking across concurrent writers, something SQLite's
// single-connection model cannot give.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/store"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Store is a Postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS state_versions (
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS agent_states (
	id TEXT PRIMARY KEY,
	team_id TEXT,
	parent_id TEXT,
	session_id TEXT,
	status TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	model TEXT NOT NULL,
	task TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	paused_at TIMESTAMPTZ,
	resumed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	runtime_ms BIGINT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	state_history JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_agent_states_team_id ON agent_states(team_id);
CREATE INDEX IF NOT EXISTS idx_agent_states_lifecycle ON agent_states(lifecycle_state);

CREATE TABLE IF NOT EXISTS team_states (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	config JSONB NOT NULL DEFAULT '{}',
	agents JSONB NOT NULL DEFAULT '[]',
	budget JSONB NOT NULL DEFAULT '{}',
	metrics JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_team_states_status ON team_states(status);

CREATE TABLE IF NOT EXISTS session_states (
	session_key TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_session_states_agent_id ON session_states(agent_id);

CREATE TABLE IF NOT EXISTS state_audit_log (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	prev JSONB,
	next JSONB,
	version BIGINT NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON state_audit_log(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON state_audit_log(ts);

CREATE TABLE IF NOT EXISTS recovery_checkpoints (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	snapshot JSONB NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_entity ON recovery_checkpoints(entity_type, entity_id);
`

// Open connects to Postgres via dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Agent ---

func (s *Store) CreateAgentWithAudit(ctx context.Context, agent *v1.Agent, entry *v1.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	agent.Version = 0
	if err := insertAgent(ctx, tx, agent); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO state_versions (entity_type, entity_id, version) VALUES ($1, $2, $3)`,
		v1.EntityTypeAgent, agent.ID, agent.Version); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertAgent(ctx context.Context, tx pgx.Tx, a *v1.Agent) error {
	metadata, _ := json.Marshal(a.Metadata)
	history, _ := json.Marshal(a.StateHistory)
	_, err := tx.Exec(ctx, `
		INSERT INTO agent_states (id, team_id, parent_id, session_id, status, lifecycle_state, model, task,
			metadata, retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, a.ID, a.TeamID, a.ParentID, a.SessionID, a.Status, a.LifecycleState, a.Model, a.Task, metadata,
		a.RetryCount, a.MaxRetries, a.LastError, a.CreatedAt, a.StartedAt, a.PausedAt, a.ResumedAt,
		a.CompletedAt, a.RuntimeMS, a.Version, history)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, team_id, parent_id, session_id, status, lifecycle_state, model, task, metadata,
			retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history
		FROM agent_states WHERE id = $1
	`, id)
	agent, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*v1.Agent, error) {
	a := &v1.Agent{}
	var metadata, history []byte

	err := row.Scan(&a.ID, &a.TeamID, &a.ParentID, &a.SessionID, &a.Status, &a.LifecycleState, &a.Model, &a.Task,
		&metadata, &a.RetryCount, &a.MaxRetries, &a.LastError, &a.CreatedAt, &a.StartedAt, &a.PausedAt, &a.ResumedAt,
		&a.CompletedAt, &a.RuntimeMS, &a.Version, &history)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metadata, &a.Metadata)
	_ = json.Unmarshal(history, &a.StateHistory)
	return a, nil
}

// UpdateAgentWithAudit locks the row with SELECT ... FOR UPDATE before
// comparing the version, so two concurrent callers racing to update the same
// agent serialize on the row lock instead of both reading a stale version.
func (s *Store) UpdateAgentWithAudit(ctx context.Context, agent *v1.Agent, expectedVersion int64, entry *v1.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM state_versions WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`,
		v1.EntityTypeAgent, agent.ID).Scan(&current)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("agent", agent.ID)
	}
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return apperrors.OptimisticLock(expectedVersion, current)
	}

	newVersion := expectedVersion + 1
	agent.Version = newVersion
	metadata, _ := json.Marshal(agent.Metadata)
	history, _ := json.Marshal(agent.StateHistory)

	tag, err := tx.Exec(ctx, `
		UPDATE agent_states SET team_id=$1, parent_id=$2, session_id=$3, status=$4, lifecycle_state=$5, model=$6,
			task=$7, metadata=$8, retry_count=$9, max_retries=$10, last_error=$11, started_at=$12, paused_at=$13,
			resumed_at=$14, completed_at=$15, runtime_ms=$16, version=$17, state_history=$18
		WHERE id = $19
	`, agent.TeamID, agent.ParentID, agent.SessionID, agent.Status, agent.LifecycleState, agent.Model, agent.Task,
		metadata, agent.RetryCount, agent.MaxRetries, agent.LastError, agent.StartedAt, agent.PausedAt,
		agent.ResumedAt, agent.CompletedAt, agent.RuntimeMS, newVersion, history, agent.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("agent", agent.ID)
	}

	if _, err := tx.Exec(ctx, `UPDATE state_versions SET version = $1 WHERE entity_type = $2 AND entity_id = $3`,
		newVersion, v1.EntityTypeAgent, agent.ID); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAgentsByTeam(ctx context.Context, teamID string) ([]*v1.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, team_id, parent_id, session_id, status, lifecycle_state, model, task, metadata,
			retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history
		FROM agent_states WHERE team_id = $1
	`, teamID)
}

func (s *Store) ListNonTerminalAgents(ctx context.Context) ([]*v1.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, team_id, parent_id, session_id, status, lifecycle_state, model, task, metadata,
			retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history
		FROM agent_states WHERE lifecycle_state NOT IN ($1, $2, $3, $4)
	`, v1.LifecycleFailed, v1.LifecycleCompleted, v1.LifecycleKilled, v1.LifecycleStopped)
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*v1.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- Team ---

func (s *Store) CreateTeamWithAudit(ctx context.Context, team *v1.Team, entry *v1.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	team.Version = 0
	if err := insertTeam(ctx, tx, team); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO state_versions (entity_type, entity_id, version) VALUES ($1, $2, $3)`,
		v1.EntityTypeTeam, team.ID, team.Version); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertTeam(ctx context.Context, tx pgx.Tx, t *v1.Team) error {
	config, _ := json.Marshal(t.Config)
	agents, _ := json.Marshal(t.Agents)
	budget, _ := json.Marshal(t.Budget)
	metrics, _ := json.Marshal(t.Metrics)
	_, err := tx.Exec(ctx, `
		INSERT INTO team_states (id, name, status, config, agents, budget, metrics, created_at, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, t.ID, t.Name, t.Status, config, agents, budget, metrics, t.CreatedAt, t.CompletedAt, t.Version)
	return err
}

func (s *Store) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, config, agents, budget, metrics, created_at, completed_at, version
		FROM team_states WHERE id = $1
	`, id)
	team, err := scanTeam(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("team", id)
	}
	return team, err
}

func scanTeam(row rowScanner) (*v1.Team, error) {
	t := &v1.Team{}
	var config, agents, budget, metrics []byte

	err := row.Scan(&t.ID, &t.Name, &t.Status, &config, &agents, &budget, &metrics, &t.CreatedAt, &t.CompletedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(config, &t.Config)
	_ = json.Unmarshal(agents, &t.Agents)
	_ = json.Unmarshal(budget, &t.Budget)
	_ = json.Unmarshal(metrics, &t.Metrics)
	return t, nil
}

// UpdateTeamWithAudit locks the team's version row with FOR UPDATE so
// concurrent scale/destroy/pause calls against the same team serialize on
// Postgres rather than racing on an application-level check.
func (s *Store) UpdateTeamWithAudit(ctx context.Context, team *v1.Team, expectedVersion int64, entry *v1.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM state_versions WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`,
		v1.EntityTypeTeam, team.ID).Scan(&current)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("team", team.ID)
	}
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return apperrors.OptimisticLock(expectedVersion, current)
	}

	newVersion := expectedVersion + 1
	team.Version = newVersion
	config, _ := json.Marshal(team.Config)
	agents, _ := json.Marshal(team.Agents)
	budget, _ := json.Marshal(team.Budget)
	metrics, _ := json.Marshal(team.Metrics)

	tag, err := tx.Exec(ctx, `
		UPDATE team_states SET name=$1, status=$2, config=$3, agents=$4, budget=$5, metrics=$6, completed_at=$7, version=$8
		WHERE id = $9
	`, team.Name, team.Status, config, agents, budget, metrics, team.CompletedAt, newVersion, team.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("team", team.ID)
	}

	if _, err := tx.Exec(ctx, `UPDATE state_versions SET version = $1 WHERE entity_type = $2 AND entity_id = $3`,
		newVersion, v1.EntityTypeTeam, team.ID); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListNonTerminalTeams(ctx context.Context) ([]*v1.Team, error) {
	return s.queryTeams(ctx, `
		SELECT id, name, status, config, agents, budget, metrics, created_at, completed_at, version
		FROM team_states WHERE status NOT IN ($1, $2, $3)
	`, v1.TeamStatusDestroyed, v1.TeamStatusCompleted, v1.TeamStatusFailed)
}

func (s *Store) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	return s.queryTeams(ctx, `
		SELECT id, name, status, config, agents, budget, metrics, created_at, completed_at, version
		FROM team_states ORDER BY created_at DESC
	`)
}

func (s *Store) queryTeams(ctx context.Context, query string, args ...interface{}) ([]*v1.Team, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- Gateway sessions ---

func (s *Store) PutSession(ctx context.Context, session *v1.GatewaySession) error {
	metadata, _ := json.Marshal(session.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_states (session_key, agent_id, status, created_at, started_at, completed_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_key) DO UPDATE SET
			agent_id=excluded.agent_id, status=excluded.status, started_at=excluded.started_at,
			completed_at=excluded.completed_at, metadata=excluded.metadata
	`, session.SessionKey, session.AgentID, session.Status, session.CreatedAt, session.StartedAt,
		session.CompletedAt, metadata)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionKey string) (*v1.GatewaySession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_key, agent_id, status, created_at, started_at, completed_at, metadata
		FROM session_states WHERE session_key = $1
	`, sessionKey)
	sess, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("session", sessionKey)
	}
	return sess, err
}

func scanSession(row rowScanner) (*v1.GatewaySession, error) {
	sess := &v1.GatewaySession{}
	var metadata []byte
	err := row.Scan(&sess.SessionKey, &sess.AgentID, &sess.Status, &sess.CreatedAt, &sess.StartedAt, &sess.CompletedAt, &metadata)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metadata, &sess.Metadata)
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*v1.GatewaySession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_key, agent_id, status, created_at, started_at, completed_at, metadata FROM session_states
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.GatewaySession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, sessionKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session_states WHERE session_key = $1`, sessionKey)
	return err
}

// --- Audit ---

func insertAudit(ctx context.Context, tx pgx.Tx, entry *v1.AuditEntry) error {
	prev, _ := json.Marshal(entry.Prev)
	next, _ := json.Marshal(entry.Next)
	metadata, _ := json.Marshal(entry.Metadata)
	_, err := tx.Exec(ctx, `
		INSERT INTO state_audit_log (id, ts, entity_type, entity_id, action, prev, next, version, triggered_by, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.Timestamp, entry.EntityType, entry.EntityID, entry.Action, prev, next, entry.Version,
		entry.TriggeredBy, metadata)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, entry *v1.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAudit(ctx context.Context, entityType v1.EntityType, entityID string, limit int) ([]*v1.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, entity_type, entity_id, action, prev, next, version, triggered_by, metadata
		FROM state_audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY ts DESC LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) FindAuditByVersion(ctx context.Context, entityType v1.EntityType, entityID string, version int64) (*v1.AuditEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, ts, entity_type, entity_id, action, prev, next, version, triggered_by, metadata
		FROM state_audit_log WHERE entity_type = $1 AND entity_id = $2 AND version = $3 LIMIT 1
	`, entityType, entityID, version)
	e, err := scanAuditEntry(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("audit entry at version", fmt.Sprintf("%s/%d", entityID, version))
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanAuditEntry(row rowScanner) (*v1.AuditEntry, error) {
	e := &v1.AuditEntry{}
	var prev, next, metadata []byte
	if err := row.Scan(&e.ID, &e.Timestamp, &e.EntityType, &e.EntityID, &e.Action, &prev, &next, &e.Version, &e.TriggeredBy, &metadata); err != nil {
		return nil, err
	}
	if len(prev) > 0 {
		_ = json.Unmarshal(prev, &e.Prev)
	}
	if len(next) > 0 {
		_ = json.Unmarshal(next, &e.Next)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	return e, nil
}

// --- Checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, cp *v1.Checkpoint) error {
	snapshot, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recovery_checkpoints (id, ts, entity_type, entity_id, snapshot, reason)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, cp.ID, cp.Timestamp, cp.EntityType, cp.EntityID, snapshot, cp.Reason)
	return err
}

func (s *Store) LatestCheckpoint(ctx context.Context, entityType v1.EntityType, entityID string) (*v1.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, ts, entity_type, entity_id, snapshot, reason FROM recovery_checkpoints
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY ts DESC LIMIT 1
	`, entityType, entityID)

	cp := &v1.Checkpoint{}
	var snapshot []byte
	err := row.Scan(&cp.ID, &cp.Timestamp, &cp.EntityType, &cp.EntityID, &snapshot, &cp.Reason)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("checkpoint", entityID)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(snapshot, &cp.Snapshot)
	return cp, nil
}

func (s *Store) CleanupCheckpoints(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := s.pool.Exec(ctx, `DELETE FROM recovery_checkpoints WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
