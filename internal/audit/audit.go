// Package audit records security and fraud signals. Entries are persisted
// asynchronously and failures are swallowed after logging: an audit write
// must never block or fail a request.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/grouppick/backend/internal/store"
)

// Event types emitted across the auth and OTP paths.
const (
	EventSuspiciousPhone    = "SUSPICIOUS_PHONE_PATTERN"
	EventConcurrentSessions = "CONCURRENT_SESSION_ANOMALY"
	EventOTPFailureSpike    = "OTP_FAILURE_THRESHOLD"
	EventRefreshFrequency   = "REFRESH_FREQUENCY_EXCEEDED"
	EventSessionCreated     = "SESSION_CREATED"
	EventSessionRevoked     = "SESSION_REVOKED"
	EventIPMismatch         = "SESSION_IP_MISMATCH"
	EventAgentMismatch      = "SESSION_AGENT_MISMATCH"
)

// Store is the persistence surface the auditor needs.
type Store interface {
	InsertAuditLog(ctx context.Context, e *store.AuditLog) error
}

// Entry is a single audit signal before persistence.
type Entry struct {
	EventType string
	UserID    string
	Phone     string
	IPAddress string
	UserAgent string
	Metadata  map[string]interface{}
}

// Auditor persists entries without blocking the caller.
type Auditor struct {
	store   Store
	timeout time.Duration

	// submit is swappable in tests to make the async write observable.
	submit func(e *store.AuditLog)
}

// New creates an auditor over the given store. A nil store produces a
// log-only auditor.
func New(s Store) *Auditor {
	a := &Auditor{store: s, timeout: 5 * time.Second}
	a.submit = a.persist
	return a
}

// Record persists the entry in the background. It never returns an error and
// never blocks on I/O.
func (a *Auditor) Record(e Entry) {
	row := &store.AuditLog{
		ID:        uuid.NewString(),
		EventType: e.EventType,
		UserID:    e.UserID,
		Phone:     e.Phone,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
	}
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = raw
		}
	}

	slog.Info("audit signal",
		"event_type", e.EventType,
		"user_id", e.UserID,
		"phone", e.Phone,
	)

	if a.store == nil {
		return
	}
	go a.submit(row)
}

func (a *Auditor) persist(row *store.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.InsertAuditLog(ctx, row); err != nil {
		slog.Error("audit persist failed", "event_type", row.EventType, "error", err)
	}
}
