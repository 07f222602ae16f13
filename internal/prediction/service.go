// Package prediction is the submission-side domain service: intake of group
// predictions, the public team list and leaderboard, per-user results, and
// the cached ground-truth partition the scoring side consumes.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/scoring"
	"github.com/grouppick/backend/internal/store"
)

const (
	// GroundTruthKey caches the serialized truth partition.
	GroundTruthKey = "correct-groups"

	// StatsTotalKey / StatsProcessedKey are the global scoring progress
	// counters. Total is first-write-wins; processed is monotonic.
	StatsTotalKey     = "prediction:stats:total"
	StatsProcessedKey = "prediction:stats:processed"

	groundTruthTTL = time.Hour
)

// ErrInvalidFormat is the wire constant for a malformed submission payload.
var ErrInvalidFormat = errors.New("INVALID_PREDICTION_FORMAT")

// Job is one scoring unit on the queue. The wire names are part of the
// broker protocol and must not change.
type Job struct {
	SubmissionID string `json:"submissionId"`
	UserID       string `json:"userId"`
}

// Store is the persistence surface the prediction service needs.
type Store interface {
	InsertPrediction(ctx context.Context, userID string, payload json.RawMessage) (*store.Prediction, error)
	ListTeams(ctx context.Context) ([]*store.Team, error)
	ResultsByUser(ctx context.Context, userID string) ([]*store.Result, error)
	Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardEntry, error)
}

// Truth is the authoritative partition plus the designated entity's id, if
// that entity exists in the team table.
type Truth struct {
	Groups       scoring.Groups `json:"groups"`
	DesignatedID string         `json:"designatedId,omitempty"`
}

// Service implements intake and the read surface.
type Service struct {
	store          Store
	cache          cache.Cache
	designatedName string
}

// NewService wires the prediction service. designatedName is the English
// team name whose group the fourth scoring rule singles out.
func NewService(s Store, c cache.Cache, designatedName string) *Service {
	return &Service{store: s, cache: c, designatedName: designatedName}
}

// ValidatePayload checks the submission's shape: a non-empty JSON object
// whose values are arrays. Content (group labels, team ids, duplicates) is
// deliberately not judged here; the scorer treats groups as sets.
func ValidatePayload(raw json.RawMessage) error {
	var groups map[string]json.RawMessage
	if err := json.Unmarshal(raw, &groups); err != nil {
		return ErrInvalidFormat
	}
	if len(groups) == 0 {
		return ErrInvalidFormat
	}
	for _, v := range groups {
		var arr []json.RawMessage
		if err := json.Unmarshal(v, &arr); err != nil {
			return ErrInvalidFormat
		}
	}
	return nil
}

// Submit validates and persists one submission. Multiple submissions per
// user are allowed; each is scored independently.
func (s *Service) Submit(ctx context.Context, userID string, payload json.RawMessage) (*store.Prediction, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	p, err := s.store.InsertPrediction(ctx, userID, payload)
	if err != nil {
		return nil, fmt.Errorf("insert prediction: %w", err)
	}
	slog.Info("prediction stored", "prediction_id", p.ID, "user_id", userID)
	return p, nil
}

// Teams returns the full team list.
func (s *Service) Teams(ctx context.Context) ([]*store.Team, error) {
	return s.store.ListTeams(ctx)
}

// Results returns the user's scored results, newest first.
func (s *Service) Results(ctx context.Context, userID string) ([]*store.Result, error) {
	return s.store.ResultsByUser(ctx, userID)
}

// Leaderboard returns the top entries by total score.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardEntry, error) {
	return s.store.Leaderboard(ctx, limit)
}

// GroundTruth returns the truth partition, serving from cache when possible
// and repopulating it from the team table otherwise. Cache loss is harmless:
// the team table is the authority.
func (s *Service) GroundTruth(ctx context.Context) (*Truth, error) {
	raw, err := s.cache.Get(ctx, GroundTruthKey)
	if err == nil {
		var t Truth
		if err := json.Unmarshal([]byte(raw), &t); err == nil && len(t.Groups) > 0 {
			return &t, nil
		}
		slog.Warn("cached ground truth unreadable, rebuilding")
	} else if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("ground truth cache read failed", "error", err)
	}

	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	if len(teams) == 0 {
		return nil, errors.New("team table is empty")
	}

	t := &Truth{Groups: scoring.Groups{}}
	for _, team := range teams {
		t.Groups[team.Group] = append(t.Groups[team.Group], team.ID)
		if team.EnglishName == s.designatedName {
			t.DesignatedID = team.ID
		}
	}

	if encoded, err := json.Marshal(t); err == nil {
		if err := s.cache.SetEx(ctx, GroundTruthKey, string(encoded), groundTruthTTL); err != nil {
			slog.Warn("ground truth cache write failed", "error", err)
		}
	}
	return t, nil
}
