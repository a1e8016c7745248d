package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite via the pure Go
// modernc.org/sqlite driver. Timestamps are stored as Unix milliseconds so
// expiry comparisons stay exact regardless of text formatting.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite session store. The database file is created
// if it doesn't exist.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS deferlink_sessions (
		session_id       TEXT PRIMARY KEY,
		bucket_key       TEXT NOT NULL,
		state            TEXT NOT NULL DEFAULT 'pending',
		promo_id         TEXT NOT NULL DEFAULT '',
		domain           TEXT NOT NULL DEFAULT '',
		destination_url  TEXT NOT NULL DEFAULT '',
		custom_data      TEXT NOT NULL DEFAULT '',
		platform         TEXT NOT NULL DEFAULT '',
		language         TEXT NOT NULL DEFAULT '',
		timezone         TEXT NOT NULL DEFAULT '',
		screen_width     INTEGER NOT NULL DEFAULT 0,
		screen_height    INTEGER NOT NULL DEFAULT 0,
		device_model     TEXT NOT NULL DEFAULT '',
		user_agent       TEXT NOT NULL DEFAULT '',
		custom_attrs     TEXT NOT NULL DEFAULT '',
		created_at_ms    INTEGER NOT NULL,
		expires_at_ms    INTEGER NOT NULL,
		resolved_at_ms   INTEGER,
		match_confidence REAL NOT NULL DEFAULT 0,
		resolved_attrs   TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_bucket_pending
		ON deferlink_sessions (bucket_key, state, expires_at_ms, created_at_ms);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return nil
}

// Create persists a new pending session.
func (s *SQLiteStore) Create(ctx context.Context, session *Session) error {
	query := `
	INSERT INTO deferlink_sessions (
		session_id, bucket_key, state, promo_id, domain, destination_url,
		custom_data, platform, language, timezone, screen_width,
		screen_height, device_model, user_agent, custom_attrs,
		created_at_ms, expires_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID,
		session.BucketKey,
		StatePending,
		session.PromoID,
		session.Domain,
		session.DestinationURL,
		session.CustomData,
		session.Platform,
		session.Language,
		session.Timezone,
		session.ScreenWidth,
		session.ScreenHeight,
		session.DeviceModel,
		session.UserAgent,
		session.CustomAttrs,
		session.CreatedAt.UnixMilli(),
		session.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create session: %w", err)
	}
	return nil
}

const sqliteSessionColumns = `
	session_id, bucket_key, state, promo_id, domain, destination_url,
	custom_data, platform, language, timezone, screen_width, screen_height,
	device_model, user_agent, custom_attrs, created_at_ms, expires_at_ms,
	resolved_at_ms, match_confidence, resolved_attrs`

// Get returns a session by id regardless of state.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+sqliteSessionColumns+" FROM deferlink_sessions WHERE session_id = ?",
		sessionID,
	)
	session, err := scanSQLiteSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Candidates returns up to limit pending, unexpired sessions in the bucket,
// newest first.
func (s *SQLiteStore) Candidates(ctx context.Context, bucketKey string, now time.Time, limit int) ([]*Session, error) {
	query := `
	SELECT` + sqliteSessionColumns + `
	FROM deferlink_sessions
	WHERE bucket_key = ? AND state = ? AND expires_at_ms > ?
	ORDER BY created_at_ms DESC, session_id ASC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, bucketKey, StatePending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query candidates: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating candidates: %w", err)
	}
	return sessions, nil
}

// TryConsume transitions a pending, unexpired session to resolved via a
// single conditional UPDATE; the row count tells whether this caller won.
func (s *SQLiteStore) TryConsume(ctx context.Context, sessionID string, res Resolution) error {
	query := `
	UPDATE deferlink_sessions
	SET state = ?, resolved_at_ms = ?, match_confidence = ?, resolved_attrs = ?
	WHERE session_id = ? AND state = ? AND expires_at_ms > ?
	`

	result, err := s.db.ExecContext(ctx, query,
		StateResolved,
		res.ResolvedAt.UnixMilli(),
		res.Confidence,
		res.Attrs,
		sessionID,
		StatePending,
		res.ResolvedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to consume session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read consume result: %w", err)
	}
	if affected == 1 {
		return nil
	}
	return s.classifyConsumeFailure(ctx, sessionID, res.ResolvedAt)
}

// classifyConsumeFailure distinguishes why a conditional consume matched no
// row. The session may have changed again since the UPDATE ran; any answer
// here is a benign race outcome either way.
func (s *SQLiteStore) classifyConsumeFailure(ctx context.Context, sessionID string, now time.Time) error {
	var state string
	var expiresAtMs int64
	err := s.db.QueryRowContext(ctx,
		"SELECT state, expires_at_ms FROM deferlink_sessions WHERE session_id = ?",
		sessionID,
	).Scan(&state, &expiresAtMs)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to inspect session: %w", err)
	}
	if state == StateResolved {
		return ErrAlreadyConsumed
	}
	if expiresAtMs <= now.UnixMilli() {
		return ErrExpired
	}
	return ErrNotFound
}

// Delete hard-deletes a session in any state.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM deferlink_sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSweep removes pending sessions past expiry and resolved sessions past
// expiry plus the retention window.
func (s *SQLiteStore) ExpireSweep(ctx context.Context, now time.Time, resolvedRetention time.Duration) (int, error) {
	query := `
	DELETE FROM deferlink_sessions
	WHERE (state = ? AND expires_at_ms <= ?)
	   OR (state = ? AND expires_at_ms <= ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		StatePending, now.UnixMilli(),
		StateResolved, now.Add(-resolvedRetention).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to sweep sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read sweep result: %w", err)
	}
	return int(affected), nil
}

// PendingCount returns the number of pending sessions.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deferlink_sessions WHERE state = ?",
		StatePending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count sessions: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*Session, error) {
	var session Session
	var createdMs, expiresMs int64
	var resolvedMs sql.NullInt64

	err := row.Scan(
		&session.SessionID,
		&session.BucketKey,
		&session.State,
		&session.PromoID,
		&session.Domain,
		&session.DestinationURL,
		&session.CustomData,
		&session.Platform,
		&session.Language,
		&session.Timezone,
		&session.ScreenWidth,
		&session.ScreenHeight,
		&session.DeviceModel,
		&session.UserAgent,
		&session.CustomAttrs,
		&createdMs,
		&expiresMs,
		&resolvedMs,
		&session.MatchConfidence,
		&session.ResolvedAttrs,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan session: %w", err)
	}

	session.CreatedAt = time.UnixMilli(createdMs)
	session.ExpiresAt = time.UnixMilli(expiresMs)
	if resolvedMs.Valid {
		t := time.UnixMilli(resolvedMs.Int64)
		session.ResolvedAt = &t
	}
	return &session, nil
}
