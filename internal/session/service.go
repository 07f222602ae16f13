// Package session issues, validates, refreshes and revokes bearer sessions.
//
// Both tokens of a session are stored only as bcrypt hashes. The cache keeps
// a prefix-to-id pointer so the common validation path costs one cache read,
// one row fetch and one bcrypt comparison; on a cache miss the service falls
// back to comparing against the newest live sessions in the database. The
// fallback window is deliberately small — bcrypt is the expensive step, and
// a client that lets its cache entry lapse only has to re-authenticate in the
// worst case.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grouppick/backend/internal/audit"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/fraud"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/store"
	"github.com/grouppick/backend/internal/token"
)

const (
	// RecentLookupLimit bounds the database fallback during validation.
	// Each candidate costs one bcrypt comparison.
	RecentLookupLimit = 3

	// BulkRefreshLimit bounds the refresh-token scan. Refreshes are rare
	// relative to validations, so a wider scan is acceptable here.
	BulkRefreshLimit = 100

	// refreshFrequencyThreshold is the hourly per-user refresh count that
	// triggers an audit signal.
	refreshFrequencyThreshold = 10
)

// ErrInvalidToken is returned for any token that does not resolve to a live
// session. Callers must not distinguish malformed, unknown and expired
// tokens to the client.
var ErrInvalidToken = errors.New("session: invalid or expired token")

// Store is the persistence surface the session service needs.
type Store interface {
	InsertSession(ctx context.Context, s *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	RecentValidSessions(ctx context.Context, limit int) ([]*store.Session, error)
	RecentSessionsWithRefresh(ctx context.Context, limit int) ([]*store.Session, error)
	SessionsByUser(ctx context.Context, userID string) ([]*store.Session, error)
	UpdateAccessHash(ctx context.Context, sessionID, hash string) error
	DeleteSession(ctx context.Context, sessionID, userID string) error
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Options carries the tunables the service needs from configuration.
type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	TokenBytes int
	BcryptCost int
}

// TokenPair is what a client receives on login or verification. The plaintext
// tokens exist only in this value; they are not recoverable afterwards.
type TokenPair struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	Session      *store.Session `json:"session"`
}

// Service implements the session lifecycle.
type Service struct {
	store   Store
	tokens  tokenCache
	gen     *token.Generator
	auditor *audit.Auditor
	fraud   *fraud.Detector
	metrics *metrics.Metrics

	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

// NewService wires the session service. auditor and fraud may be nil-safe
// collaborators created over a nil store; metrics must be non-nil.
func NewService(s Store, c cache.Cache, auditor *audit.Auditor, detector *fraud.Detector, m *metrics.Metrics, opts Options) *Service {
	return &Service{
		store:      s,
		tokens:     tokenCache{cache: c},
		gen:        token.NewGenerator(opts.TokenBytes, opts.BcryptCost),
		auditor:    auditor,
		fraud:      detector,
		metrics:    m,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        time.Now,
	}
}

// Create issues a fresh session for the user: two independent tokens, one row
// bounded by the refresh lifetime, and cache pointers for both prefixes.
func (s *Service) Create(ctx context.Context, userID, ipAddress, userAgent string) (*TokenPair, error) {
	accessTok, accessHash, err := s.gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	refreshTok, refreshHash, err := s.gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	sess := &store.Session{
		UserID:      userID,
		AccessHash:  accessHash,
		RefreshHash: refreshHash,
		UserAgent:   userAgent,
		IPAddress:   ipAddress,
		ExpiresAt:   s.now().Add(s.refreshTTL),
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	// Cache writes are best-effort: validation falls back to the database.
	if err := s.tokens.PutAccess(ctx, token.Prefix(accessTok), sess.ID, s.accessTTL); err != nil {
		slog.Warn("access prefix cache write failed", "session_id", sess.ID, "error", err)
	}
	if err := s.tokens.PutRefresh(ctx, token.Prefix(refreshTok), sess.ID, s.refreshTTL); err != nil {
		slog.Warn("refresh prefix cache write failed", "session_id", sess.ID, "error", err)
	}

	s.metrics.SessionsCreated.Inc()
	s.auditor.Record(audit.Entry{
		EventType: audit.EventSessionCreated,
		UserID:    userID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Metadata:  map[string]interface{}{"session_id": sess.ID},
	})
	if s.fraud != nil {
		s.fraud.CheckConcurrentSessions(ctx, userID, ipAddress, userAgent)
	}

	return &TokenPair{AccessToken: accessTok, RefreshToken: refreshTok, Session: sess}, nil
}

// Validate resolves an access token to its live session.
//
// Fast path: prefix pointer in cache, fetch the row, one bcrypt comparison.
// A pointer whose hash no longer matches (the token was rotated away) is
// purged before falling through. Slow path: compare against the newest
// RecentLookupLimit unexpired sessions, then repopulate the pointer.
func (s *Service) Validate(ctx context.Context, accessToken string) (*store.Session, error) {
	if !s.gen.ValidFormat(accessToken) {
		return nil, ErrInvalidToken
	}
	prefix := token.Prefix(accessToken)

	sessionID, err := s.tokens.GetAccess(ctx, prefix)
	if err == nil {
		sess, err := s.store.GetSession(ctx, sessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			_ = s.tokens.DelAccess(ctx, prefix)
		case err != nil:
			return nil, fmt.Errorf("fetch session: %w", err)
		case sess.Expired(s.now()):
			_ = s.tokens.DelAccess(ctx, prefix)
		case token.Verify(accessToken, sess.AccessHash):
			s.metrics.SessionValidate.WithLabelValues("cache", "hit").Inc()
			return sess, nil
		default:
			// Stale pointer from a rotated token.
			_ = s.tokens.DelAccess(ctx, prefix)
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("access prefix cache read failed", "error", err)
	}

	recent, err := s.store.RecentValidSessions(ctx, RecentLookupLimit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	for _, sess := range recent {
		if !token.Verify(accessToken, sess.AccessHash) {
			continue
		}
		if err := s.tokens.PutAccess(ctx, prefix, sess.ID, s.recacheTTL(sess)); err != nil {
			slog.Warn("access prefix re-cache failed", "session_id", sess.ID, "error", err)
		}
		s.metrics.SessionValidate.WithLabelValues("db", "hit").Inc()
		return sess, nil
	}

	s.metrics.SessionValidate.WithLabelValues("db", "miss").Inc()
	return nil, ErrInvalidToken
}

// recacheTTL caps the repopulated pointer at both the configured access TTL
// and the session's remaining lifetime.
func (s *Service) recacheTTL(sess *store.Session) time.Duration {
	ttl := s.accessTTL
	if remaining := sess.ExpiresAt.Sub(s.now()); remaining < ttl {
		ttl = remaining
	}
	return ttl
}

// Refresh exchanges a refresh token for a new access token. The session row
// and the refresh token itself are untouched; only the access hash rotates.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if !s.gen.ValidFormat(refreshToken) {
		s.metrics.SessionRefresh.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidToken
	}
	prefix := token.Prefix(refreshToken)

	sess, err := s.resolveRefresh(ctx, prefix, refreshToken)
	if err != nil {
		s.metrics.SessionRefresh.WithLabelValues("invalid").Inc()
		return nil, err
	}

	s.trackRefreshFrequency(ctx, sess.UserID)

	accessTok, accessHash, err := s.gen.Generate()
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	if err := s.store.UpdateAccessHash(ctx, sess.ID, accessHash); err != nil {
		return nil, fmt.Errorf("rotate access hash: %w", err)
	}
	sess.AccessHash = accessHash

	if err := s.tokens.PutAccess(ctx, token.Prefix(accessTok), sess.ID, s.recacheTTL(sess)); err != nil {
		slog.Warn("access prefix cache write failed", "session_id", sess.ID, "error", err)
	}
	if err := s.tokens.PutRefresh(ctx, prefix, sess.ID, s.recacheTTL(sess)); err != nil {
		slog.Warn("refresh prefix cache refresh failed", "session_id", sess.ID, "error", err)
	}

	s.metrics.SessionRefresh.WithLabelValues("success").Inc()
	return &TokenPair{AccessToken: accessTok, RefreshToken: refreshToken, Session: sess}, nil
}

func (s *Service) resolveRefresh(ctx context.Context, prefix, refreshToken string) (*store.Session, error) {
	sessionID, err := s.tokens.GetRefresh(ctx, prefix)
	if err == nil {
		sess, err := s.store.GetSession(ctx, sessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			_ = s.tokens.DelRefresh(ctx, prefix)
		case err != nil:
			return nil, fmt.Errorf("fetch session: %w", err)
		case sess.Expired(s.now()):
			_ = s.tokens.DelRefresh(ctx, prefix)
		case token.Verify(refreshToken, sess.RefreshHash):
			return sess, nil
		default:
			_ = s.tokens.DelRefresh(ctx, prefix)
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("refresh prefix cache read failed", "error", err)
	}

	recent, err := s.store.RecentSessionsWithRefresh(ctx, BulkRefreshLimit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	for _, sess := range recent {
		if token.Verify(refreshToken, sess.RefreshHash) {
			return sess, nil
		}
	}
	return nil, ErrInvalidToken
}

// trackRefreshFrequency bumps the hourly counter and audits on the crossing
// increment. Audit-only; the refresh proceeds regardless.
func (s *Service) trackRefreshFrequency(ctx context.Context, userID string) {
	count, err := s.tokens.BumpRefreshFrequency(ctx, userID)
	if err != nil {
		slog.Warn("refresh frequency counter unavailable", "user_id", userID, "error", err)
		return
	}
	if count == refreshFrequencyThreshold {
		s.auditor.Record(audit.Entry{
			EventType: audit.EventRefreshFrequency,
			UserID:    userID,
			Metadata:  map[string]interface{}{"count": count, "window_minutes": refreshFrequencyWindow.Minutes()},
		})
	}
}

// List returns every session belonging to the user, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Session, error) {
	return s.store.SessionsByUser(ctx, userID)
}

// Delete revokes a single session owned by the user. Cache pointers are left
// to expire; without them the tokens no longer resolve to a row.
func (s *Service) Delete(ctx context.Context, sessionID, userID string) error {
	if err := s.store.DeleteSession(ctx, sessionID, userID); err != nil {
		return err
	}
	s.metrics.SessionsRevoked.Inc()
	s.auditor.Record(audit.Entry{
		EventType: audit.EventSessionRevoked,
		UserID:    userID,
		Metadata:  map[string]interface{}{"session_id": sessionID},
	})
	return nil
}

// DeleteAll revokes every session of the user and returns how many rows went.
func (s *Service) DeleteAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.SessionsRevoked.Add(float64(n))
		s.auditor.Record(audit.Entry{
			EventType: audit.EventSessionRevoked,
			UserID:    userID,
			Metadata:  map[string]interface{}{"count": n, "scope": "all"},
		})
	}
	return n, nil
}

// CleanupExpired removes expired session rows and reports the count.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	if n > 0 {
		s.metrics.SessionsCleaned.Add(float64(n))
		slog.Info("expired sessions removed", "count", n)
	}
	return n, nil
}

// StartCleanup schedules CleanupExpired on the given cron expression and
// returns the started scheduler. The caller stops it on shutdown.
func (s *Service) StartCleanup(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.CleanupExpired(ctx); err != nil {
			slog.Error("session cleanup failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule session cleanup %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
