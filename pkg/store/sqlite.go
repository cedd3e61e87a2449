package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/stewardlabs/steward/pkg/approval"
	"github.com/stewardlabs/steward/pkg/events"
	"github.com/stewardlabs/steward/pkg/risk"
)

// ErrNotFound is returned when a session or plan does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	identity TEXT NOT NULL,
	autonomy INTEGER NOT NULL,
	status TEXT NOT NULL,
	messages TEXT NOT NULL DEFAULT '[]',
	pending_plan_id TEXT NOT NULL DEFAULT '',
	queued_message TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	max_risk INTEGER NOT NULL,
	auto_executing INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	approved_at TIMESTAMP,
	executed_at TIMESTAMP,
	completed_at TIMESTAMP,
	resolved_at TIMESTAMP,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_plans_session ON plans(session_id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	session_id TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_plan ON events(plan_id, timestamp);
`

// SQLiteStore is the authoritative store for sessions, plans, and
// events.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *Session) error {
	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, identity, autonomy, status, messages, pending_plan_id, queued_message, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			identity = excluded.identity,
			autonomy = excluded.autonomy,
			status = excluded.status,
			messages = excluded.messages,
			pending_plan_id = excluded.pending_plan_id,
			queued_message = excluded.queued_message,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		session.ID, session.Identity, int(session.Autonomy), string(session.Status),
		string(messages), session.PendingPlanID, session.QueuedMessage,
		boolToInt(session.Archived), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity, autonomy, status, messages, pending_plan_id, queued_message, archived, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var session Session
	var autonomy, archived int
	var status, messages string
	err := row.Scan(&session.ID, &session.Identity, &autonomy, &status, &messages,
		&session.PendingPlanID, &session.QueuedMessage, &archived,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session.Autonomy = risk.Autonomy(autonomy)
	session.Status = SessionStatus(status)
	session.Archived = archived != 0
	if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return &session, nil
}

// ListSessions returns all sessions, optionally including archived
// ones, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, includeArchived bool) ([]*Session, error) {
	query := `
		SELECT id, identity, autonomy, status, messages, pending_plan_id, queued_message, archived, created_at, updated_at
		FROM sessions`
	if !includeArchived {
		query += " WHERE archived = 0"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var session Session
		var autonomy, archived int
		var status, messages string
		if err := rows.Scan(&session.ID, &session.Identity, &autonomy, &status, &messages,
			&session.PendingPlanID, &session.QueuedMessage, &archived,
			&session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.Autonomy = risk.Autonomy(autonomy)
		session.Status = SessionStatus(status)
		session.Archived = archived != 0
		if err := json.Unmarshal([]byte(messages), &session.Messages); err != nil {
			return nil, fmt.Errorf("failed to decode messages: %w", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// ArchiveSession marks a session archived. Rows are never deleted.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET archived = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SavePlan upserts a plan row.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *approval.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, session_id, purpose, status, max_risk, auto_executing, reason, steps,
			created_at, approved_at, executed_at, completed_at, resolved_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			auto_executing = excluded.auto_executing,
			reason = excluded.reason,
			approved_at = excluded.approved_at,
			executed_at = excluded.executed_at,
			completed_at = excluded.completed_at,
			resolved_at = excluded.resolved_at,
			duration_ms = excluded.duration_ms`,
		plan.ID, plan.SessionID, plan.Purpose, string(plan.Status), int(plan.MaxRisk),
		boolToInt(plan.AutoExecuting), plan.Reason, string(steps),
		plan.CreatedAt, nullableTime(plan.ApprovedAt), nullableTime(plan.ExecutedAt),
		nullableTime(plan.CompletedAt), nullableTime(plan.ResolvedAt),
		plan.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

const planColumns = `id, session_id, purpose, status, max_risk, auto_executing, reason, steps,
	created_at, approved_at, executed_at, completed_at, resolved_at, duration_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*approval.Plan, error) {
	var plan approval.Plan
	var status, steps string
	var maxRisk, autoExecuting int
	var durationMs int64
	var approvedAt, executedAt, completedAt, resolvedAt sql.NullTime
	err := row.Scan(&plan.ID, &plan.SessionID, &plan.Purpose, &status, &maxRisk,
		&autoExecuting, &plan.Reason, &steps, &plan.CreatedAt,
		&approvedAt, &executedAt, &completedAt, &resolvedAt, &durationMs)
	if err != nil {
		return nil, err
	}

	plan.Status = approval.Status(status)
	plan.MaxRisk = risk.Level(maxRisk)
	plan.AutoExecuting = autoExecuting != 0
	plan.ApprovedAt = timePtr(approvedAt)
	plan.ExecutedAt = timePtr(executedAt)
	plan.CompletedAt = timePtr(completedAt)
	plan.ResolvedAt = timePtr(resolvedAt)
	plan.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	return &plan, nil
}

// GetPlan loads a plan by id.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*approval.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+planColumns+" FROM plans WHERE id = ?", id)

	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return plan, nil
}

// PlansBySession returns a session's plans, oldest first.
func (s *SQLiteStore) PlansBySession(ctx context.Context, sessionID string) ([]*approval.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+planColumns+" FROM plans WHERE session_id = ? ORDER BY created_at, rowid", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*approval.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// Append records an event. Implements events.Log.
func (s *SQLiteStore) Append(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, session_id, plan_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), evt.SessionID, evt.PlanID, string(payload), evt.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// BySession returns a session's events in order. Insertion order
// breaks timestamp ties.
func (s *SQLiteStore) BySession(ctx context.Context, sessionID string) ([]events.Event, error) {
	return s.queryEvents(ctx, "session_id", sessionID)
}

// ByPlan returns a plan's events in order.
func (s *SQLiteStore) ByPlan(ctx context.Context, planID string) ([]events.Event, error) {
	return s.queryEvents(ctx, "plan_id", planID)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, column, value string) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, type, session_id, plan_id, payload, timestamp
		FROM events WHERE %s = ? ORDER BY timestamp, rowid`, column), value)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var evt events.Event
		var typ, payload string
		if err := rows.Scan(&evt.ID, &typ, &evt.SessionID, &evt.PlanID, &payload, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Type = events.Type(typ)
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ events.Log = (*SQLiteStore)(nil)
