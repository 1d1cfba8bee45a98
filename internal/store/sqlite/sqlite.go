// Package sqlite is the default embedded Store backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/store"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Store is a SQLite-backed implementation of store.Store. SQLite supports
// only one writer at a time, so the connection pool is capped at one
// connection and that single connection provides the serialization the
// optimistic-lock protocol needs.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at path and
// initializes its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state_versions (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		version INTEGER NOT NULL,
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
		metadata TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		paused_at DATETIME,
		resumed_at DATETIME,
		completed_at DATETIME,
		runtime_ms INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		state_history TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_agent_states_team_id ON agent_states(team_id);
	CREATE INDEX IF NOT EXISTS idx_agent_states_lifecycle ON agent_states(lifecycle_state);

	CREATE TABLE IF NOT EXISTS team_states (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		agents TEXT NOT NULL DEFAULT '[]',
		budget TEXT NOT NULL DEFAULT '{}',
		metrics TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		completed_at DATETIME,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_team_states_status ON team_states(status);

	CREATE TABLE IF NOT EXISTS session_states (
		session_key TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_session_states_agent_id ON session_states(agent_id);

	CREATE TABLE IF NOT EXISTS state_audit_log (
		id TEXT PRIMARY KEY,
		ts DATETIME NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		prev TEXT,
		next TEXT,
		version INTEGER NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON state_audit_log(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON state_audit_log(ts);

	CREATE TABLE IF NOT EXISTS recovery_checkpoints (
		id TEXT PRIMARY KEY,
		ts DATETIME NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoint_entity ON recovery_checkpoints(entity_type, entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Agent ---

func (s *Store) CreateAgentWithAudit(ctx context.Context, agent *v1.Agent, entry *v1.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	agent.Version = 0
	if err := insertAgent(ctx, tx, agent); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_versions (entity_type, entity_id, version) VALUES (?, ?, ?)`,
		v1.EntityTypeAgent, agent.ID, agent.Version); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAgent(ctx context.Context, tx *sql.Tx, a *v1.Agent) error {
	metadata, _ := json.Marshal(a.Metadata)
	history, _ := json.Marshal(a.StateHistory)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_states (id, team_id, parent_id, session_id, status, lifecycle_state, model, task,
			metadata, retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, a.ID, nullableStr(a.TeamID), nullableStr(a.ParentID), nullableStr(a.SessionID), a.Status, a.LifecycleState,
		a.Model, a.Task, string(metadata), a.RetryCount, a.MaxRetries, a.LastError, a.CreatedAt,
		nullableTime(a.StartedAt), nullableTime(a.PausedAt), nullableTime(a.ResumedAt), nullableTime(a.CompletedAt),
		a.RuntimeMS, a.Version, string(history))
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, parent_id, session_id, status, lifecycle_state, model, task, metadata,
			retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history
		FROM agent_states WHERE id = ?
	`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*v1.Agent, error) {
	a := &v1.Agent{}
	var teamID, parentID, sessionID sql.NullString
	var startedAt, pausedAt, resumedAt, completedAt sql.NullTime
	var metadata, history string

	err := row.Scan(&a.ID, &teamID, &parentID, &sessionID, &a.Status, &a.LifecycleState, &a.Model, &a.Task,
		&metadata, &a.RetryCount, &a.MaxRetries, &a.LastError, &a.CreatedAt, &startedAt, &pausedAt, &resumedAt,
		&completedAt, &a.RuntimeMS, &a.Version, &history)
	if err != nil {
		return nil, err
	}

	a.TeamID = strPtr(teamID)
	a.ParentID = strPtr(parentID)
	a.SessionID = strPtr(sessionID)
	a.StartedAt = timePtr(startedAt)
	a.PausedAt = timePtr(pausedAt)
	a.ResumedAt = timePtr(resumedAt)
	a.CompletedAt = timePtr(completedAt)
	_ = json.Unmarshal([]byte(metadata), &a.Metadata)
	_ = json.Unmarshal([]byte(history), &a.StateHistory)
	return a, nil
}

func (s *Store) UpdateAgentWithAudit(ctx context.Context, agent *v1.Agent, expectedVersion int64, entry *v1.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM state_versions WHERE entity_type = ? AND entity_id = ?`,
		v1.EntityTypeAgent, agent.ID).Scan(&current)
	if err == sql.ErrNoRows {
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

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_states SET team_id=?, parent_id=?, session_id=?, status=?, lifecycle_state=?, model=?, task=?,
			metadata=?, retry_count=?, max_retries=?, last_error=?, started_at=?, paused_at=?, resumed_at=?,
			completed_at=?, runtime_ms=?, version=?, state_history=?
		WHERE id = ?
	`, nullableStr(agent.TeamID), nullableStr(agent.ParentID), nullableStr(agent.SessionID), agent.Status,
		agent.LifecycleState, agent.Model, agent.Task, string(metadata), agent.RetryCount, agent.MaxRetries,
		agent.LastError, nullableTime(agent.StartedAt), nullableTime(agent.PausedAt), nullableTime(agent.ResumedAt),
		nullableTime(agent.CompletedAt), agent.RuntimeMS, newVersion, string(history), agent.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("agent", agent.ID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE state_versions SET version = ? WHERE entity_type = ? AND entity_id = ?`,
		newVersion, v1.EntityTypeAgent, agent.ID); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAgentsByTeam(ctx context.Context, teamID string) ([]*v1.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, team_id, parent_id, session_id, status, lifecycle_state, model, task, metadata,
			retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history
		FROM agent_states WHERE team_id = ?
	`, teamID)
}

func (s *Store) ListNonTerminalAgents(ctx context.Context) ([]*v1.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT id, team_id, parent_id, session_id, status, lifecycle_state, model, task, metadata,
			retry_count, max_retries, last_error, created_at, started_at, paused_at, resumed_at,
			completed_at, runtime_ms, version, state_history
		FROM agent_states WHERE lifecycle_state NOT IN (?, ?, ?, ?)
	`, v1.LifecycleFailed, v1.LifecycleCompleted, v1.LifecycleKilled, v1.LifecycleStopped)
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*v1.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	team.Version = 0
	if err := insertTeam(ctx, tx, team); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO state_versions (entity_type, entity_id, version) VALUES (?, ?, ?)`,
		v1.EntityTypeTeam, team.ID, team.Version); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTeam(ctx context.Context, tx *sql.Tx, t *v1.Team) error {
	config, _ := json.Marshal(t.Config)
	agents, _ := json.Marshal(t.Agents)
	budget, _ := json.Marshal(t.Budget)
	metrics, _ := json.Marshal(t.Metrics)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO team_states (id, name, status, config, agents, budget, metrics, created_at, completed_at, version)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, t.ID, t.Name, t.Status, string(config), string(agents), string(budget), string(metrics), t.CreatedAt,
		nullableTime(t.CompletedAt), t.Version)
	return err
}

func (s *Store) GetTeam(ctx context.Context, id string) (*v1.Team, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, config, agents, budget, metrics, created_at, completed_at, version
		FROM team_states WHERE id = ?
	`, id)
	team, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("team", id)
	}
	return team, err
}

func scanTeam(row rowScanner) (*v1.Team, error) {
	t := &v1.Team{}
	var config, agents, budget, metrics string
	var completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Name, &t.Status, &config, &agents, &budget, &metrics, &t.CreatedAt, &completedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(config), &t.Config)
	_ = json.Unmarshal([]byte(agents), &t.Agents)
	_ = json.Unmarshal([]byte(budget), &t.Budget)
	_ = json.Unmarshal([]byte(metrics), &t.Metrics)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

func (s *Store) UpdateTeamWithAudit(ctx context.Context, team *v1.Team, expectedVersion int64, entry *v1.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM state_versions WHERE entity_type = ? AND entity_id = ?`,
		v1.EntityTypeTeam, team.ID).Scan(&current)
	if err == sql.ErrNoRows {
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

	res, err := tx.ExecContext(ctx, `
		UPDATE team_states SET name=?, status=?, config=?, agents=?, budget=?, metrics=?, completed_at=?, version=?
		WHERE id = ?
	`, team.Name, team.Status, string(config), string(agents), string(budget), string(metrics),
		nullableTime(team.CompletedAt), newVersion, team.ID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.NotFound("team", team.ID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE state_versions SET version = ? WHERE entity_type = ? AND entity_id = ?`,
		newVersion, v1.EntityTypeTeam, team.ID); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListNonTerminalTeams(ctx context.Context) ([]*v1.Team, error) {
	return s.queryTeams(ctx, `
		SELECT id, name, status, config, agents, budget, metrics, created_at, completed_at, version
		FROM team_states WHERE status NOT IN (?, ?, ?)
	`, v1.TeamStatusDestroyed, v1.TeamStatusCompleted, v1.TeamStatusFailed)
}

func (s *Store) ListTeams(ctx context.Context) ([]*v1.Team, error) {
	return s.queryTeams(ctx, `
		SELECT id, name, status, config, agents, budget, metrics, created_at, completed_at, version
		FROM team_states ORDER BY created_at DESC
	`)
}

func (s *Store) queryTeams(ctx context.Context, query string, args ...interface{}) ([]*v1.Team, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_states (session_key, agent_id, status, created_at, started_at, completed_at, metadata)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(session_key) DO UPDATE SET
			agent_id=excluded.agent_id, status=excluded.status, started_at=excluded.started_at,
			completed_at=excluded.completed_at, metadata=excluded.metadata
	`, session.SessionKey, session.AgentID, session.Status, session.CreatedAt,
		nullableTime(session.StartedAt), nullableTime(session.CompletedAt), string(metadata))
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionKey string) (*v1.GatewaySession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, agent_id, status, created_at, started_at, completed_at, metadata
		FROM session_states WHERE session_key = ?
	`, sessionKey)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", sessionKey)
	}
	return sess, err
}

func scanSession(row rowScanner) (*v1.GatewaySession, error) {
	sess := &v1.GatewaySession{}
	var startedAt, completedAt sql.NullTime
	var metadata string
	err := row.Scan(&sess.SessionKey, &sess.AgentID, &sess.Status, &sess.CreatedAt, &startedAt, &completedAt, &metadata)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = timePtr(startedAt)
	sess.CompletedAt = timePtr(completedAt)
	_ = json.Unmarshal([]byte(metadata), &sess.Metadata)
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*v1.GatewaySession, error) {
	rows, err := s.db.QueryContext(ctx, `
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_states WHERE session_key = ?`, sessionKey)
	return err
}

// --- Audit ---

func insertAudit(ctx context.Context, tx *sql.Tx, entry *v1.AuditEntry) error {
	prev, _ := json.Marshal(entry.Prev)
	next, _ := json.Marshal(entry.Next)
	metadata, _ := json.Marshal(entry.Metadata)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_audit_log (id, ts, entity_type, entity_id, action, prev, next, version, triggered_by, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`, entry.ID, entry.Timestamp, entry.EntityType, entry.EntityID, entry.Action,
		nullableJSON(entry.Prev, prev), nullableJSON(entry.Next, next), entry.Version, entry.TriggeredBy, string(metadata))
	return err
}

func (s *Store) AppendAudit(ctx context.Context, entry *v1.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAudit(ctx context.Context, entityType v1.EntityType, entityID string, limit int) ([]*v1.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, entity_type, entity_id, action, prev, next, version, triggered_by, metadata
		FROM state_audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY ts DESC LIMIT ?
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
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, entity_type, entity_id, action, prev, next, version, triggered_by, metadata
		FROM state_audit_log WHERE entity_type = ? AND entity_id = ? AND version = ? LIMIT 1
	`, entityType, entityID, version)
	e, err := scanAuditEntry(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("audit entry at version", fmt.Sprintf("%s/%d", entityID, version))
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanAuditEntry(row rowScanner) (*v1.AuditEntry, error) {
	e := &v1.AuditEntry{}
	var prev, next, metadata sql.NullString
	if err := row.Scan(&e.ID, &e.Timestamp, &e.EntityType, &e.EntityID, &e.Action, &prev, &next, &e.Version, &e.TriggeredBy, &metadata); err != nil {
		return nil, err
	}
	if prev.Valid {
		_ = json.Unmarshal([]byte(prev.String), &e.Prev)
	}
	if next.Valid {
		_ = json.Unmarshal([]byte(next.String), &e.Next)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
	}
	return e, nil
}

// --- Checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, cp *v1.Checkpoint) error {
	snapshot, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_checkpoints (id, ts, entity_type, entity_id, snapshot, reason)
		VALUES (?,?,?,?,?,?)
	`, cp.ID, cp.Timestamp, cp.EntityType, cp.EntityID, string(snapshot), cp.Reason)
	return err
}

func (s *Store) LatestCheckpoint(ctx context.Context, entityType v1.EntityType, entityID string) (*v1.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, entity_type, entity_id, snapshot, reason FROM recovery_checkpoints
		WHERE entity_type = ? AND entity_id = ? ORDER BY ts DESC LIMIT 1
	`, entityType, entityID)

	cp := &v1.Checkpoint{}
	var snapshot string
	err := row.Scan(&cp.ID, &cp.Timestamp, &cp.EntityType, &cp.EntityID, &snapshot, &cp.Reason)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("checkpoint", entityID)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(snapshot), &cp.Snapshot)
	return cp, nil
}

func (s *Store) CleanupCheckpoints(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM recovery_checkpoints WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

// --- helpers ---

func nullableStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullableTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

func nullableJSON(v interface{}, marshaled []byte) interface{} {
	if v == nil {
		return nil
	}
	return string(marshaled)
}
