// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/operator/escalation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers (no SQLITE_BUSY) and keeps
	// :memory: databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			channel           TEXT NOT NULL,
			status            TEXT NOT NULL,
			assigned_operator TEXT,
			escalated_at      TEXT,
			category          TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('active', 'escalated', 'human'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS session_events (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			sender     TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_session
			ON session_events(session_id, created_at);

		CREATE TABLE IF NOT EXISTS operators (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'offline',
			last_seen  TEXT,
			created_at TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE TABLE IF NOT EXISTS escalations (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			user_id    TEXT NOT NULL,
			channel    TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			summary    TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,

			CHECK (status IN ('pending', 'claimed'))
		);

		CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_escalations_session ON escalations(session_id);

		CREATE TABLE IF NOT EXISTS cost_records (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			event_id      TEXT NOT NULL,
			service       TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd      REAL NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cost_records_session ON cost_records(session_id);
		CREATE INDEX IF NOT EXISTS idx_cost_records_created ON cost_records(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession stores a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, user_id, channel, status, assigned_operator, escalated_at, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.Channel,
		session.Status,
		session.AssignedOperator,
		formatNullableTime(session.EscalatedAt),
		session.Category,
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "session_id", session.ID, "channel", session.Channel)
	return nil
}

// GetSession retrieves a session by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, channel, status, assigned_operator, escalated_at, category, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// SetSessionStatus updates the status (and optionally escalation timestamp) of a session.
func (s *SQLiteStore) SetSessionStatus(ctx context.Context, id, status string, escalatedAt *time.Time) error {
	query := `UPDATE sessions SET status = ?, escalated_at = COALESCE(?, escalated_at), updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		status,
		formatNullableTime(escalatedAt),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignOperator atomically assigns an operator to an unassigned session and
// moves it to the "human" status. The WHERE clause makes the assignment a
// compare-and-swap: a second concurrent takeover matches zero rows.
func (s *SQLiteStore) AssignOperator(ctx context.Context, sessionID, operatorID string) error {
	query := `
		UPDATE sessions
		SET assigned_operator = ?, status = 'human', updated_at = ?
		WHERE id = ? AND assigned_operator IS NULL
	`
	result, err := s.db.ExecContext(ctx, query,
		operatorID,
		time.Now().UTC().Format(time.RFC3339),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("assigning operator: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Info("operator assigned to session", "session_id", sessionID, "operator_id", operatorID)
		return nil
	}

	// Zero rows: distinguish unknown session from already-assigned
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return ErrAlreadyAssigned
}

// ListActiveSessions returns sessions that are not yet owned by an operator,
// most recently updated first.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, channel, status, assigned_operator, escalated_at, category, created_at, updated_at
		FROM sessions
		WHERE status IN ('active', 'escalated')
		ORDER BY updated_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// SaveSessionEvent stores a message event for a session.
func (s *SQLiteStore) SaveSessionEvent(ctx context.Context, event *SessionEvent) error {
	query := `
		INSERT INTO session_events (id, session_id, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		event.Sender,
		event.Content,
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// GetSessionEvents returns the most recent events for a session in
// chronological order, limited to the given count.
func (s *SQLiteStore) GetSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, sender, content, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Sender, &ev.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	// Query returned newest-first; reverse to chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// UpsertOperator creates an operator record or updates its name.
func (s *SQLiteStore) UpsertOperator(ctx context.Context, op *Operator) error {
	query := `
		INSERT INTO operators (id, name, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		op.Name,
		op.Status,
		formatNullableTime(op.LastSeen),
		op.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting operator: %w", err)
	}
	return nil
}

// GetOperator retrieves an operator by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	query := `SELECT id, name, status, last_seen, created_at FROM operators WHERE id = ?`

	var op Operator
	var lastSeen sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&op.ID, &op.Name, &op.Status, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}

	if op.LastSeen, err = parseNullableTime(lastSeen); err != nil {
		return nil, err
	}
	if op.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &op, nil
}

// ListOperators returns all operators ordered by name.
func (s *SQLiteStore) ListOperators(ctx context.Context) ([]*Operator, error) {
	query := `SELECT id, name, status, last_seen, created_at FROM operators ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*Operator
	for rows.Next() {
		var op Operator
		var lastSeen sql.NullString
		var createdAt string
		if err := rows.Scan(&op.ID, &op.Name, &op.Status, &lastSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning operator row: %w", err)
		}
		if op.LastSeen, err = parseNullableTime(lastSeen); err != nil {
			return nil, err
		}
		if op.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operator rows: %w", err)
	}
	return ops, nil
}

// SetOperatorStatus records an operator going online or offline.
func (s *SQLiteStore) SetOperatorStatus(ctx context.Context, id, status string) error {
	query := `UPDATE operators SET status = ?, last_seen = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating operator status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEscalation stores an escalation record for later replay.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, esc *Escalation) error {
	query := `
		INSERT INTO escalations (id, session_id, user_id, channel, category, reason, summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		esc.ID,
		esc.SessionID,
		esc.UserID,
		esc.Channel,
		esc.Category,
		esc.Reason,
		esc.Summary,
		esc.Status,
		esc.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting escalation: %w", err)
	}
	return nil
}

// ListPendingEscalations returns unclaimed escalations, oldest first.
func (s *SQLiteStore) ListPendingEscalations(ctx context.Context, limit int) ([]*Escalation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, user_id, channel, category, reason, summary, status, created_at
		FROM escalations
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var escs []*Escalation
	for rows.Next() {
		var esc Escalation
		var createdAt string
		if err := rows.Scan(&esc.ID, &esc.SessionID, &esc.UserID, &esc.Channel,
			&esc.Category, &esc.Reason, &esc.Summary, &esc.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning escalation row: %w", err)
		}
		if esc.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		escs = append(escs, &esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalation rows: %w", err)
	}
	return escs, nil
}

// ClaimEscalation marks all pending escalations for a session as claimed.
func (s *SQLiteStore) ClaimEscalation(ctx context.Context, sessionID, operatorID string) error {
	query := `UPDATE escalations SET status = 'claimed' WHERE session_id = ? AND status = 'pending'`

	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("claiming escalation: %w", err)
	}

	s.logger.Debug("escalations claimed", "session_id", sessionID, "operator_id", operatorID)
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

// scanSession scans a single session row.
func scanSession(row scanner) (*Session, error) {
	var session Session
	var assignedOperator sql.NullString
	var escalatedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Channel,
		&session.Status,
		&assignedOperator,
		&escalatedAt,
		&session.Category,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if assignedOperator.Valid {
		session.AssignedOperator = &assignedOperator.String
	}
	if session.EscalatedAt, err = parseNullableTime(escalatedAt); err != nil {
		return nil, err
	}
	if session.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &session, nil
}

// formatNullableTime renders an optional time as RFC3339 or NULL.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullableTime parses an optional RFC3339 column.
func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ Store     = (*SQLiteStore)(nil)
	_ CostStore = (*SQLiteStore)(nil)
)
