// Package postgres provides PostgreSQL-backed implementations of the session
// state and checkpoint stores.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/designflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS designflow_sessions (
	session_id  TEXT PRIMARY KEY,
	owner       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	stage       TEXT NOT NULL,
	paused_from TEXT NOT NULL DEFAULT '',
	history     JSONB NOT NULL DEFAULT '[]',
	results     JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS designflow_checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	owner         TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	stage         TEXT NOT NULL,
	results       JSONB NOT NULL DEFAULT '{}',
	history       JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS designflow_checkpoints_session_idx
	ON designflow_checkpoints (session_id, created_at);
`

// Options configures a Store.
type Options struct {
	// DSN is a lib/pq connection string.
	DSN string

	// DB may be supplied instead of DSN to reuse an existing pool.
	DB *sql.DB

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements both designflow.StateStore and designflow.CheckpointStore
// on a PostgreSQL database. Histories and results are stored as JSONB.
type Store struct {
	db    *sql.DB
	owned bool
}

var (
	_ designflow.StateStore      = (*Store)(nil)
	_ designflow.CheckpointStore = (*Store)(nil)
)

// New opens a store and creates its schema if needed.
func New(ctx context.Context, opts Options) (*Store, error) {
	db := opts.DB
	owned := false
	if db == nil {
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres: dsn or db required")
		}
		var err error
		db, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to open database: %w", err)
		}
		owned = true
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		if owned {
			db.Close()
		}
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		if owned {
			db.Close()
		}
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return &Store{db: db, owned: owned}, nil
}

// Close closes the underlying pool if the store owns it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// SaveState upserts a session record.
func (s *Store) SaveState(ctx context.Context, record *designflow.SessionRecord) error {
	history, err := json.Marshal(record.History)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal history: %w", err)
	}
	results, err := json.Marshal(record.Results)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO designflow_sessions
			(session_id, owner, created_at, updated_at, stage, paused_from, history, results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			stage = EXCLUDED.stage,
			paused_from = EXCLUDED.paused_from,
			history = EXCLUDED.history,
			results = EXCLUDED.results`,
		record.SessionID, record.Owner, record.CreatedAt, record.UpdatedAt,
		string(record.Stage), string(record.PausedFrom), history, results)
	if err != nil {
		return fmt.Errorf("postgres: failed to save session %s: %w", record.SessionID, err)
	}
	return nil
}

// LoadState returns the stored record, or nil if the session is unknown.
func (s *Store) LoadState(ctx context.Context, sessionID string) (*designflow.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, owner, created_at, updated_at, stage, paused_from, history, results
		FROM designflow_sessions WHERE session_id = $1`, sessionID)
	record, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load session %s: %w", sessionID, err)
	}
	return record, nil
}

// DeleteState removes a session record. Deleting an unknown session is not
// an error.
func (s *Store) DeleteState(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM designflow_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres: failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns all stored session records ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*designflow.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, owner, created_at, updated_at, stage, paused_from, history, results
		FROM designflow_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*designflow.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan session: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*designflow.SessionRecord, error) {
	var (
		record             designflow.SessionRecord
		stage, pausedFrom  string
		historyB, resultsB []byte
	)
	if err := row.Scan(&record.SessionID, &record.Owner, &record.CreatedAt,
		&record.UpdatedAt, &stage, &pausedFrom, &historyB, &resultsB); err != nil {
		return nil, err
	}
	record.Stage = designflow.Stage(stage)
	record.PausedFrom = designflow.Stage(pausedFrom)
	if err := json.Unmarshal(historyB, &record.History); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resultsB, &record.Results); err != nil {
		return nil, err
	}
	return &record, nil
}

// SaveCheckpoint stores a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *designflow.Checkpoint) error {
	results, err := json.Marshal(checkpoint.Results)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal checkpoint results: %w", err)
	}
	history, err := json.Marshal(checkpoint.History)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal checkpoint history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO designflow_checkpoints
			(checkpoint_id, session_id, owner, name, stage, results, history, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (checkpoint_id) DO NOTHING`,
		checkpoint.ID, checkpoint.SessionID, checkpoint.Owner, checkpoint.Name,
		string(checkpoint.Stage), results, history, checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save checkpoint %s: %w", checkpoint.ID, err)
	}
	return nil
}

// LoadCheckpoint returns a checkpoint by id, or nil if unknown.
func (s *Store) LoadCheckpoint(ctx context.Context, checkpointID string) (*designflow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, session_id, owner, name, stage, results, history, created_at
		FROM designflow_checkpoints WHERE checkpoint_id = $1`, checkpointID)
	checkpoint, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load checkpoint %s: %w", checkpointID, err)
	}
	return checkpoint, nil
}

// ListCheckpoints returns a session's checkpoints ordered by creation time.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*designflow.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, session_id, owner, name, stage, results, history, created_at
		FROM designflow_checkpoints WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*designflow.Checkpoint
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpoints removes all checkpoints for a session.
func (s *Store) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM designflow_checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres: failed to delete checkpoints for %s: %w", sessionID, err)
	}
	return nil
}

func scanCheckpoint(row scanner) (*designflow.Checkpoint, error) {
	var (
		checkpoint         designflow.Checkpoint
		stage              string
		resultsB, historyB []byte
	)
	if err := row.Scan(&checkpoint.ID, &checkpoint.SessionID, &checkpoint.Owner,
		&checkpoint.Name, &stage, &resultsB, &historyB, &checkpoint.CreatedAt); err != nil {
		return nil, err
	}
	checkpoint.Stage = designflow.Stage(stage)
	if err := json.Unmarshal(resultsB, &checkpoint.Results); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(historyB, &checkpoint.History); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}
