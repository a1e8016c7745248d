package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements SessionStore using MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQL creates a new MySQL session store on an existing connection.
func NewMySQL(db *sql.DB) (*MySQLStore, error) {
	if err := createMySQLSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLFromDSN creates a new MySQL session store from a DSN.
// The DSN format is: user:password@tcp(host:port)/database
func NewMySQLFromDSN(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	return NewMySQL(db)
}

func createMySQLSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS deferlink_sessions (
		session_id       VARCHAR(64) PRIMARY KEY,
		bucket_key       VARCHAR(128) NOT NULL,
		state            VARCHAR(16) NOT NULL DEFAULT 'pending',
		promo_id         VARCHAR(128) NOT NULL DEFAULT '',
		domain           VARCHAR(255) NOT NULL DEFAULT '',
		destination_url  TEXT,
		custom_data      TEXT,
		platform         VARCHAR(32) NOT NULL DEFAULT '',
		language         VARCHAR(16) NOT NULL DEFAULT '',
		timezone         VARCHAR(64) NOT NULL DEFAULT '',
		screen_width     INT NOT NULL DEFAULT 0,
		screen_height    INT NOT NULL DEFAULT 0,
		device_model     VARCHAR(64) NOT NULL DEFAULT '',
		user_agent       TEXT,
		custom_attrs     TEXT,
		created_at_ms    BIGINT NOT NULL,
		expires_at_ms    BIGINT NOT NULL,
		resolved_at_ms   BIGINT NULL DEFAULT NULL,
		match_confidence DOUBLE NOT NULL DEFAULT 0,
		resolved_attrs   TEXT,

		INDEX idx_sessions_bucket_pending (bucket_key, state, expires_at_ms, created_at_ms)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("mysql: failed to create schema: %w", err)
	}
	return nil
}

// Create persists a new pending session.
func (s *MySQLStore) Create(ctx context.Context, session *Session) error {
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
		return fmt.Errorf("mysql: failed to create session: %w", err)
	}
	return nil
}

const mysqlSessionColumns = `
	session_id, bucket_key, state, promo_id, domain, destination_url,
	custom_data, platform, language, timezone, screen_width, screen_height,
	device_model, user_agent, custom_attrs, created_at_ms, expires_at_ms,
	resolved_at_ms, match_confidence, resolved_attrs`

// Get returns a session by id regardless of state.
func (s *MySQLStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+mysqlSessionColumns+" FROM deferlink_sessions WHERE session_id = ?",
		sessionID,
	)
	session, err := scanMySQLSession(row)
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
func (s *MySQLStore) Candidates(ctx context.Context, bucketKey string, now time.Time, limit int) ([]*Session, error) {
	query := `
	SELECT` + mysqlSessionColumns + `
	FROM deferlink_sessions
	WHERE bucket_key = ? AND state = ? AND expires_at_ms > ?
	ORDER BY created_at_ms DESC, session_id ASC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, bucketKey, StatePending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to query candidates: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanMySQLSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: error iterating candidates: %w", err)
	}
	return sessions, nil
}

// TryConsume transitions a pending, unexpired session to resolved via a
// single conditional UPDATE. InnoDB row locking makes the transition
// linearizable per session id.
func (s *MySQLStore) TryConsume(ctx context.Context, sessionID string, res Resolution) error {
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
		return fmt.Errorf("mysql: failed to consume session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: failed to read consume result: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var state string
	var expiresAtMs int64
	err = s.db.QueryRowContext(ctx,
		"SELECT state, expires_at_ms FROM deferlink_sessions WHERE session_id = ?",
		sessionID,
	).Scan(&state, &expiresAtMs)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mysql: failed to inspect session: %w", err)
	}
	if state == StateResolved {
		return ErrAlreadyConsumed
	}
	if expiresAtMs <= res.ResolvedAt.UnixMilli() {
		return ErrExpired
	}
	return ErrNotFound
}

// Delete hard-deletes a session in any state.
func (s *MySQLStore) Delete(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM deferlink_sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("mysql: failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mysql: failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireSweep removes pending sessions past expiry and resolved sessions past
// expiry plus the retention window.
func (s *MySQLStore) ExpireSweep(ctx context.Context, now time.Time, resolvedRetention time.Duration) (int, error) {
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
		return 0, fmt.Errorf("mysql: failed to sweep sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mysql: failed to read sweep result: %w", err)
	}
	return int(affected), nil
}

// PendingCount returns the number of pending sessions.
func (s *MySQLStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM deferlink_sessions WHERE state = ?",
		StatePending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("mysql: failed to count sessions: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func scanMySQLSession(row rowScanner) (*Session, error) {
	var session Session
	var createdMs, expiresMs int64
	var resolvedMs sql.NullInt64
	var destinationURL, customData, userAgent, customAttrs, resolvedAttrs sql.NullString

	err := row.Scan(
		&session.SessionID,
		&session.BucketKey,
		&session.State,
		&session.PromoID,
		&session.Domain,
		&destinationURL,
		&customData,
		&session.Platform,
		&session.Language,
		&session.Timezone,
		&session.ScreenWidth,
		&session.ScreenHeight,
		&session.DeviceModel,
		&userAgent,
		&customAttrs,
		&createdMs,
		&expiresMs,
		&resolvedMs,
		&session.MatchConfidence,
		&resolvedAttrs,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to scan session: %w", err)
	}

	session.DestinationURL = destinationURL.String
	session.CustomData = customData.String
	session.UserAgent = userAgent.String
	session.CustomAttrs = customAttrs.String
	session.ResolvedAttrs = resolvedAttrs.String
	session.CreatedAt = time.UnixMilli(createdMs)
	session.ExpiresAt = time.UnixMilli(expiresMs)
	if resolvedMs.Valid {
		t := time.UnixMilli(resolvedMs.Int64)
		session.ResolvedAt = &t
	}
	return &session, nil
}
