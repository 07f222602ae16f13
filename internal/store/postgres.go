// Package store is the Postgres persistence layer. It owns the schema and
// every query; services above it never see database/sql directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Postgres wraps the connection pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the pool and verifies connectivity.
func NewPostgres(dsn string, poolSize int, timeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	slog.Info("Postgres connected", "pool_size", poolSize)
	return &Postgres{db: db}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping reports pool health.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Bootstrap creates the schema when absent. Migration tooling is deliberately
// out of scope; the DDL matches what such tooling would manage.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			phone VARCHAR(20) UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash VARCHAR(100) NOT NULL,
			refresh_token_hash VARCHAR(100),
			user_agent TEXT,
			ip_address VARCHAR(45),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions(token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_refresh_token_hash ON sessions(refresh_token_hash)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			fa_name VARCHAR(100) NOT NULL,
			eng_name VARCHAR(100) NOT NULL UNIQUE,
			"order" INT NOT NULL,
			"group" VARCHAR(2) NOT NULL,
			flag TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			predict JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_predict ON predictions USING GIN (predict)`,
		`CREATE TABLE IF NOT EXISTS results (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			prediction_id UUID NOT NULL UNIQUE REFERENCES predictions(id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			total_score INT NOT NULL,
			details JSONB NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_user_id ON results(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_results_total_score ON results(total_score DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			event_type VARCHAR(64) NOT NULL,
			user_id UUID,
			phone VARCHAR(20),
			ip_address VARCHAR(45),
			user_agent TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Users
// ----------------------------------------------------------------------------

// UpsertUserByPhone creates the user on first login and refreshes
// last_login_at on every subsequent one.
func (p *Postgres) UpsertUserByPhone(ctx context.Context, phone string) (*User, error) {
	const q = `
		INSERT INTO users (phone, last_login_at)
		VALUES ($1, now())
		ON CONFLICT (phone)
		DO UPDATE SET last_login_at = now(), updated_at = now()
		RETURNING id, phone, created_at, updated_at, last_login_at`
	var u User
	err := p.db.QueryRowContext(ctx, q, phone).
		Scan(&u.ID, &u.Phone, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

// GetUser loads a user by id.
func (p *Postgres) GetUser(ctx context.Context, id string) (*User, error) {
	const q = `SELECT id, phone, created_at, updated_at, last_login_at FROM users WHERE id = $1`
	var u User
	err := p.db.QueryRowContext(ctx, q, id).
		Scan(&u.ID, &u.Phone, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ----------------------------------------------------------------------------
// Sessions
// ----------------------------------------------------------------------------

const sessionCols = `id, user_id, token_hash, COALESCE(refresh_token_hash, ''), COALESCE(user_agent, ''), COALESCE(ip_address, ''), created_at, expires_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.AccessHash, &s.RefreshHash,
		&s.UserAgent, &s.IPAddress, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSession persists a new session row and fills the generated id.
func (p *Postgres) InsertSession(ctx context.Context, s *Session) error {
	const q = `
		INSERT INTO sessions (user_id, token_hash, refresh_token_hash, user_agent, ip_address, expires_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)
		RETURNING id, created_at`
	err := p.db.QueryRowContext(ctx, q,
		s.UserID, s.AccessHash, s.RefreshHash, s.UserAgent, s.IPAddress, s.ExpiresAt).
		Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (p *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// RecentValidSessions returns the newest non-expired sessions, bounding the
// bcrypt comparisons the cache-miss validation path may perform.
func (p *Postgres) RecentValidSessions(ctx context.Context, limit int) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE expires_at > now() ORDER BY created_at DESC LIMIT $1`,
		limit)
}

// RecentSessionsWithRefresh returns the newest non-expired sessions that hold
// a refresh hash, for the refresh-token fallback scan.
func (p *Postgres) RecentSessionsWithRefresh(ctx context.Context, limit int) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE expires_at > now() AND refresh_token_hash IS NOT NULL
		 ORDER BY created_at DESC LIMIT $1`,
		limit)
}

// SessionsByUser lists a user's non-expired sessions, newest first.
func (p *Postgres) SessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE user_id = $1 AND expires_at > now()
		 ORDER BY created_at DESC`,
		userID)
}

// SessionsByUserSince lists a user's sessions created within the concurrency
// check window.
func (p *Postgres) SessionsByUserSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Session, error) {
	return p.querySessions(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`,
		userID, since, limit)
}

func (p *Postgres) querySessions(ctx context.Context, q string, args ...interface{}) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateAccessHash rewrites the access hash in place; the session identity
// persists across refreshes.
func (p *Postgres) UpdateAccessHash(ctx context.Context, sessionID, hash string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET token_hash = $2 WHERE id = $1`, sessionID, hash)
	if err != nil {
		return fmt.Errorf("update access hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes one session, scoped to its owner.
func (p *Postgres) DeleteSession(ctx context.Context, sessionID, userID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUserSessions removes every session a user owns.
func (p *Postgres) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredSessions is the scheduled cleanup.
func (p *Postgres) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ----------------------------------------------------------------------------
// Teams
// ----------------------------------------------------------------------------

// ListTeams returns all teams in display order.
func (p *Postgres) ListTeams(ctx context.Context) ([]*Team, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, fa_name, eng_name, "order", "group", COALESCE(flag, ''), created_at
		 FROM teams ORDER BY "order" ASC`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []*Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.LocalName, &t.EnglishName, &t.Order, &t.Group, &t.Flag, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpsertTeam inserts or refreshes a team keyed by its english name.
func (p *Postgres) UpsertTeam(ctx context.Context, t *Team) error {
	const q = `
		INSERT INTO teams (fa_name, eng_name, "order", "group", flag)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (eng_name)
		DO UPDATE SET fa_name = $1, "order" = $3, "group" = $4, flag = $5
		RETURNING id, created_at`
	err := p.db.QueryRowContext(ctx, q, t.LocalName, t.EnglishName, t.Order, t.Group, t.Flag).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert team: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Predictions
// ----------------------------------------------------------------------------

// InsertPrediction stores a submission payload as-is.
func (p *Postgres) InsertPrediction(ctx context.Context, userID string, payload json.RawMessage) (*Prediction, error) {
	const q = `
		INSERT INTO predictions (user_id, predict) VALUES ($1, $2)
		RETURNING id, created_at`
	pr := &Prediction{UserID: userID, Payload: payload}
	if err := p.db.QueryRowContext(ctx, q, userID, []byte(payload)).Scan(&pr.ID, &pr.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert prediction: %w", err)
	}
	return pr, nil
}

// GetPrediction loads one submission.
func (p *Postgres) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	const q = `SELECT id, user_id, predict, created_at FROM predictions WHERE id = $1`
	var pr Prediction
	var payload []byte
	err := p.db.QueryRowContext(ctx, q, id).Scan(&pr.ID, &pr.UserID, &payload, &pr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	pr.Payload = payload
	return &pr, nil
}

// UnscoredPredictions finds every submission with no result row yet
// (anti-join on results).
func (p *Postgres) UnscoredPredictions(ctx context.Context) ([]PredictionRef, error) {
	const q = `
		SELECT p.id, p.user_id
		FROM predictions p
		LEFT JOIN results r ON r.prediction_id = p.id
		WHERE r.id IS NULL
		ORDER BY p.created_at ASC`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("unscored predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRef
	for rows.Next() {
		var ref PredictionRef
		if err := rows.Scan(&ref.ID, &ref.UserID); err != nil {
			return nil, fmt.Errorf("scan prediction ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Results
// ----------------------------------------------------------------------------

// ResultExists is the worker's pre-insert idempotence check.
func (p *Postgres) ResultExists(ctx context.Context, predictionID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM results WHERE prediction_id = $1)`, predictionID).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("result exists: %w", err)
	}
	return exists, nil
}

// InsertResult writes the scored row inside a transaction. The unique
// prediction_id constraint serializes racing workers; a conflicting insert
// becomes a no-op so redelivered jobs stay idempotent.
func (p *Postgres) InsertResult(ctx context.Context, r *Result) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO results (prediction_id, user_id, total_score, details)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (prediction_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, q, r.PredictionID, r.UserID, r.TotalScore, []byte(r.Details)); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit result: %w", err)
	}
	return nil
}

// ResultsByUser lists a user's scored results, newest first.
func (p *Postgres) ResultsByUser(ctx context.Context, userID string) ([]*Result, error) {
	const q = `
		SELECT id, prediction_id, user_id, total_score, details, processed_at
		FROM results WHERE user_id = $1 ORDER BY processed_at DESC`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("results by user: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		var r Result
		var details []byte
		if err := rows.Scan(&r.ID, &r.PredictionID, &r.UserID, &r.TotalScore, &details, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Details = details
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Leaderboard returns the top scored results.
func (p *Postgres) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	const q = `
		SELECT user_id, total_score, processed_at
		FROM results ORDER BY total_score DESC, processed_at ASC LIMIT $1`
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardEntry
	rank := 1
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.TotalScore, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		e.Rank = rank
		rank++
		out = append(out, e)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Audit
// ----------------------------------------------------------------------------

// InsertAuditLog persists one audit entry.
func (p *Postgres) InsertAuditLog(ctx context.Context, e *AuditLog) error {
	const q = `
		INSERT INTO audit_logs (event_type, user_id, phone, ip_address, user_agent, metadata)
		VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)`
	var meta interface{}
	if len(e.Metadata) > 0 {
		meta = []byte(e.Metadata)
	}
	if _, err := p.db.ExecContext(ctx, q,
		e.EventType, e.UserID, e.Phone, e.IPAddress, e.UserAgent, meta); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
