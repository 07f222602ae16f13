package store

import (
	"encoding/json"
	"time"
)

// User is a contest participant, keyed by normalized phone number.
type User struct {
	ID          string     `json:"id"`
	Phone       string     `json:"phone"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// Session binds a user to a pair of bcrypt token hashes plus client metadata.
// The plaintext tokens are never stored.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	AccessHash  string    `json:"-"`
	RefreshHash string    `json:"-"`
	UserAgent   string    `json:"userAgent,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the session's lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Team is one of the 48 tournament entities. Group is the ground-truth label
// (A..L) and is immutable at runtime.
type Team struct {
	ID          string    `json:"id"`
	LocalName   string    `json:"faName"`
	EnglishName string    `json:"engName"`
	Order       int       `json:"order"`
	Group       string    `json:"group"`
	Flag        string    `json:"flag"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Prediction is a stored submission: an opaque JSON mapping from group label
// to four team ids. It is validated for shape at the edge and normalized only
// at scoring time.
type Prediction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"predict"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PredictionRef is the minimal projection the dispatcher queues.
type PredictionRef struct {
	ID     string
	UserID string
}

// Result is the scored outcome of one prediction. The unique prediction_id
// constraint guarantees at most one row per prediction.
type Result struct {
	ID           string          `json:"id"`
	PredictionID string          `json:"predictionId"`
	UserID       string          `json:"userId"`
	TotalScore   int             `json:"totalScore"`
	Details      json.RawMessage `json:"details"`
	ProcessedAt  time.Time       `json:"processedAt"`
}

// LeaderboardEntry is one row of the public leaderboard.
type LeaderboardEntry struct {
	Rank        int       `json:"rank"`
	UserID      string    `json:"userId"`
	TotalScore  int       `json:"totalScore"`
	ProcessedAt time.Time `json:"processedAt"`
}

// AuditLog records a security or fraud signal. Writes are best-effort and
// never block the request path.
type AuditLog struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	IPAddress string          `json:"ipAddress,omitempty"`
	UserAgent string          `json:"userAgent,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
