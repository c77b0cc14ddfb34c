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

	"github.com/ashureev/simpa/internal/domain"
	"github.com/ashureev/simpa/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the monitor read while the recorder writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		trial_count INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS trials (
		session_id TEXT NOT NULL,
		trial_index INTEGER NOT NULL,
		interval_s REAL NOT NULL,
		pulse_index INTEGER,
		timing TEXT,
		PRIMARY KEY (session_id, trial_index)
	);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		phase INTEGER NOT NULL,
		code INTEGER NOT NULL,
		source TEXT,
		elapsed_s REAL NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new running session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, subject, trial_count, outcome, started_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Subject, session.TrialCount,
		string(session.Outcome), session.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FinishSession records the outcome and end time of a session.
func (s *SQLiteStore) FinishSession(ctx context.Context, sessionID string, outcome domain.Outcome, endedAt time.Time) error {
	query := `UPDATE sessions SET outcome = ?, ended_at = ? WHERE session_id = ?`

	var result sql.Result
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query, string(outcome), endedAt.UnixMilli(), sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("FinishSession affected 0 rows", "session_id", sessionID)
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

const sessionColumns = `session_id, subject, trial_count, outcome, started_at, ended_at`

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var (
		session   domain.Session
		outcome   string
		startedAt int64
		endedAt   sql.NullInt64
	)
	if err := scan(&session.ID, &session.Subject, &session.TrialCount, &outcome, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	session.Outcome = domain.Outcome(outcome)
	session.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		ts := time.UnixMilli(endedAt.Int64)
		session.EndedAt = &ts
	}
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)

	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns the most recent sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveTrials stores the planned trials of a session in one transaction.
func (s *SQLiteStore) SaveTrials(ctx context.Context, sessionID string, trials []domain.TrialRecord) error {
	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		return s.saveTrialsOnce(ctx, sessionID, trials)
	})
}

func (s *SQLiteStore) saveTrialsOnce(ctx context.Context, sessionID string, trials []domain.TrialRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trials transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO trials (session_id, trial_index, interval_s, pulse_index, timing)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id, trial_index) DO UPDATE SET
		interval_s = excluded.interval_s,
		pulse_index = excluded.pulse_index,
		timing = excluded.timing`)
	if err != nil {
		return fmt.Errorf("prepare trial insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trials {
		var pulse, timing any
		if t.PulseIndex != nil {
			pulse = *t.PulseIndex
			timing = t.Timing
		}
		if _, err := stmt.ExecContext(ctx, sessionID, t.Index, t.Interval, pulse, timing); err != nil {
			return fmt.Errorf("insert trial %d: %w", t.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trials: %w", err)
	}
	return nil
}

// ListTrials returns the planned trials of a session in trial order.
func (s *SQLiteStore) ListTrials(ctx context.Context, sessionID string) ([]domain.TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_index, interval_s, pulse_index, timing
		FROM trials WHERE session_id = ? ORDER BY trial_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close trial rows", "error", closeErr)
		}
	}()

	var trials []domain.TrialRecord
	for rows.Next() {
		var (
			t      domain.TrialRecord
			pulse  sql.NullInt64
			timing sql.NullString
		)
		if err := rows.Scan(&t.Index, &t.Interval, &pulse, &timing); err != nil {
			return nil, fmt.Errorf("scan trial row: %w", err)
		}
		if pulse.Valid {
			p := int(pulse.Int64)
			t.PulseIndex = &p
			t.Timing = timing.String
		}
		trials = append(trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return trials, nil
}

// AppendEvent appends one row to the event log of a session. Busy errors are
// retried so a concurrent reader cannot drop a row.
func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID string, row domain.Row) error {
	query := `
	INSERT INTO events (session_id, seq, event_id, kind, phase, code, source, elapsed_s)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			sessionID, row.Seq, row.EventID, int(row.Kind), int(row.Phase),
			row.Code, row.Source, row.Elapsed,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append event %d: %w", row.Seq, err)
	}
	return nil
}

// ListEvents returns the rows of a session with Seq > afterSeq, in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, kind, phase, code, source, elapsed_s
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var out []domain.Row
	for rows.Next() {
		var (
			r           domain.Row
			kind, phase int
			source      sql.NullString
		)
		if err := rows.Scan(&r.Seq, &r.EventID, &kind, &phase, &r.Code, &source, &r.Elapsed); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		r.Kind = domain.Kind(kind)
		r.Phase = domain.Phase(phase)
		r.Source = source.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
