// Package fraud implements the non-blocking fraud signals: phone-pattern
// heuristics, the concurrent-session anomaly check, and the hourly OTP
// failure counters. Every detector is side-effect only — it emits audit
// entries and metrics but never fails or blocks the calling flow.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/grouppick/backend/internal/audit"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/store"
)

const (
	// failureWindow bounds the per-phone / per-address failure counters.
	failureWindow = time.Hour

	// DefaultFailureThreshold is the counter value that triggers an audit signal.
	DefaultFailureThreshold = 10

	// DefaultConcurrentWindow is how far back the concurrent-session check looks.
	DefaultConcurrentWindow = 5 * time.Minute

	// DefaultConcurrentLimit bounds the sessions fetched per check.
	DefaultConcurrentLimit = 10
)

// SessionReader is the slice of the store the concurrency check needs.
type SessionReader interface {
	SessionsByUserSince(ctx context.Context, userID string, since time.Time, limit int) ([]*store.Session, error)
}

// Detector holds the fraud-signal state and collaborators.
type Detector struct {
	cache    cache.Cache
	sessions SessionReader
	auditor  *audit.Auditor

	failureThreshold int
	window           time.Duration
	limit            int
}

// NewDetector wires a detector. Zero-value knobs fall back to defaults.
func NewDetector(c cache.Cache, sessions SessionReader, auditor *audit.Auditor) *Detector {
	return &Detector{
		cache:            c,
		sessions:         sessions,
		auditor:          auditor,
		failureThreshold: DefaultFailureThreshold,
		window:           DefaultConcurrentWindow,
		limit:            DefaultConcurrentLimit,
	}
}

// SuspiciousPhone reports whether a normalized phone matches a known abuse
// pattern: a run of 6+ repeated digits, a monotone run of 6 digits, or a
// well-known test number. Pure predicate; the caller decides whether to audit.
func SuspiciousPhone(phone string) bool {
	digits := digitsOf(phone)
	if len(digits) < 6 {
		return false
	}
	return hasRepeatRun(digits, 6) || hasMonotoneRun(digits, 6) || isTestPattern(digits)
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasRepeatRun(digits string, n int) bool {
	run := 1
	for i := 1; i < len(digits); i++ {
		if digits[i] == digits[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func hasMonotoneRun(digits string, n int) bool {
	asc, desc := 1, 1
	for i := 1; i < len(digits); i++ {
		if digits[i] == digits[i-1]+1 {
			asc++
			desc = 1
		} else if digits[i] == digits[i-1]-1 {
			desc++
			asc = 1
		} else {
			asc, desc = 1, 1
		}
		if asc >= n || desc >= n {
			return true
		}
	}
	return false
}

func isTestPattern(digits string) bool {
	for _, p := range []string{"1234567", "7654321", "0000000", "1111111"} {
		if strings.Contains(digits, p) {
			return true
		}
	}
	return false
}

// FlagPhoneIfSuspicious emits an audit entry for abusive-looking phones.
// Audit-only: callers proceed regardless.
func (d *Detector) FlagPhoneIfSuspicious(phone, addr, agent string) {
	if !SuspiciousPhone(phone) {
		return
	}
	d.auditor.Record(audit.Entry{
		EventType: audit.EventSuspiciousPhone,
		Phone:     phone,
		IPAddress: addr,
		UserAgent: agent,
	})
}

// CheckConcurrentSessions looks for recent sessions of the same user created
// from a different address. Never returns an error and never blocks session
// creation; failures are logged and dropped.
func (d *Detector) CheckConcurrentSessions(ctx context.Context, userID, currentAddr, agent string) {
	if d.sessions == nil {
		return
	}
	since := time.Now().Add(-d.window)
	sessions, err := d.sessions.SessionsByUserSince(ctx, userID, since, d.limit)
	if err != nil {
		slog.Warn("concurrent session check failed", "user_id", userID, "error", err)
		return
	}
	for _, s := range sessions {
		if s.IPAddress != "" && currentAddr != "" && s.IPAddress != currentAddr {
			d.auditor.Record(audit.Entry{
				EventType: audit.EventConcurrentSessions,
				UserID:    userID,
				IPAddress: currentAddr,
				UserAgent: agent,
				Metadata: map[string]interface{}{
					"conflicting_session": s.ID,
					"conflicting_address": s.IPAddress,
					"window_minutes":      d.window.Minutes(),
				},
			})
			return
		}
	}
}

// TrackOTPFailureByPhone bumps the hourly per-phone failure counter and
// audits when it crosses the threshold.
func (d *Detector) TrackOTPFailureByPhone(ctx context.Context, phone string) {
	d.trackFailure(ctx, fmt.Sprintf("otp:failures:%s", phone), audit.Entry{
		EventType: audit.EventOTPFailureSpike,
		Phone:     phone,
		Metadata:  map[string]interface{}{"counter": "phone"},
	})
}

// TrackOTPFailureByAddress bumps the hourly per-address failure counter and
// audits when it crosses the threshold.
func (d *Detector) TrackOTPFailureByAddress(ctx context.Context, addr string) {
	d.trackFailure(ctx, fmt.Sprintf("otp:ip:failures:%s", addr), audit.Entry{
		EventType: audit.EventOTPFailureSpike,
		IPAddress: addr,
		Metadata:  map[string]interface{}{"counter": "address"},
	})
}

func (d *Detector) trackFailure(ctx context.Context, key string, entry audit.Entry) {
	count, err := d.cache.Incr(ctx, key)
	if err != nil {
		slog.Warn("otp failure counter unavailable", "key", key, "error", err)
		return
	}
	if count == 1 {
		if err := d.cache.Expire(ctx, key, failureWindow); err != nil {
			slog.Warn("otp failure counter expire failed", "key", key, "error", err)
		}
	}
	// Signal exactly once per window, on the crossing increment.
	if count == int64(d.failureThreshold) {
		entry.Metadata["count"] = count
		d.auditor.Record(entry)
	}
}
