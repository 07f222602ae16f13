package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grouppick/backend/internal/audit"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/session"
	"github.com/grouppick/backend/internal/store"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated identity attached to the request context.
type Principal struct {
	UserID    string
	SessionID string
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// clientAddr returns the request's client IP, honoring X-Forwarded-For when
// the proxy sets it.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthOptions gates the optional client-binding checks.
type AuthOptions struct {
	ValidateIP        bool
	ValidateUserAgent bool
}

// Authenticate validates the bearer token and attaches the principal.
//
// A bound session address mismatching the request is rejected when IP
// validation is enabled; a mismatched user agent is only logged.
func Authenticate(sessions *session.Service, auditor *audit.Auditor, opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tok, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tok == "" {
				writeMessage(w, http.StatusUnauthorized, msgMissingToken)
				return
			}

			sess, err := sessions.Validate(r.Context(), tok)
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, msgInvalidToken)
				return
			}

			addr := clientAddr(r)
			agent := r.UserAgent()
			if opts.ValidateIP && sess.IPAddress != "" && addr != sess.IPAddress {
				auditor.Record(audit.Entry{
					EventType: audit.EventIPMismatch,
					UserID:    sess.UserID,
					IPAddress: addr,
					Metadata:  map[string]interface{}{"session_id": sess.ID, "bound_address": sess.IPAddress},
				})
				writeMessage(w, http.StatusUnauthorized, msgIPMismatch)
				return
			}
			if opts.ValidateUserAgent && sess.UserAgent != "" && agent != sess.UserAgent {
				slog.Warn("user agent changed mid-session", "session_id", sess.ID, "user_id", sess.UserID)
				auditor.Record(audit.Entry{
					EventType: audit.EventAgentMismatch,
					UserID:    sess.UserID,
					IPAddress: addr,
					UserAgent: agent,
					Metadata:  map[string]interface{}{"session_id": sess.ID},
				})
			}

			ctx := context.WithValue(r.Context(), principalKey, Principal{
				UserID:    sess.UserID,
				SessionID: sess.ID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserReader is the store slice the admin gate needs.
type UserReader interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// RequireAdmin allows only users whose phone is in the allowlist. Runs after
// Authenticate.
func RequireAdmin(users UserReader, adminPhones []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(adminPhones))
	for _, p := range adminPhones {
		allowed[strings.TrimSpace(p)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeMessage(w, http.StatusUnauthorized, msgInvalidToken)
				return
			}
			user, err := users.GetUser(r.Context(), p.UserID)
			if err != nil || !allowed[user.Phone] {
				writeMessage(w, http.StatusForbidden, msgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces a fixed-window per-address counter in the cache. The
// cache being down fails open: losing rate limiting is preferable to losing
// the API.
func RateLimit(c cache.Cache, maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("ratelimit:%s:%s", r.URL.Path, clientAddr(r))
			count, err := c.Incr(r.Context(), key)
			if err != nil {
				slog.Warn("rate limit counter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := c.Expire(r.Context(), key, window); err != nil {
					slog.Warn("rate limit expire failed", "error", err)
				}
			}
			if count > int64(maxRequests) {
				writeMessage(w, http.StatusTooManyRequests, msgRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS allows browser clients from any origin and answers preflights.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLog emits one structured line per request.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
			"addr", clientAddr(r),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
