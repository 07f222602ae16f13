// Package worker consumes scoring jobs: look up the submission, score it
// against the cached ground truth, persist exactly one result row, and bump
// the global progress counter.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/grouppick/backend/internal/broker"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/scoring"
	"github.com/grouppick/backend/internal/store"
)

// jobTimeout is the soft wall-clock bound per job. An expired job is not
// acked and re-enters through broker redelivery.
const jobTimeout = 30 * time.Second

// Store is the persistence surface the worker needs.
type Store interface {
	GetPrediction(ctx context.Context, id string) (*store.Prediction, error)
	ResultExists(ctx context.Context, predictionID string) (bool, error)
	InsertResult(ctx context.Context, r *store.Result) error
}

// TruthSource serves the ground-truth partition, cache-backed.
type TruthSource interface {
	GroundTruth(ctx context.Context) (*prediction.Truth, error)
}

// Consumer is the broker surface the worker needs.
type Consumer interface {
	AssertQueue(name string) error
	Consume(ctx context.Context, queue string, handler broker.Handler) error
}

// Worker scores jobs one at a time per consumer.
type Worker struct {
	store   Store
	truth   TruthSource
	cache   cache.Cache
	metrics *metrics.Metrics
	queue   string
}

// New wires a worker.
func New(s Store, truth TruthSource, c cache.Cache, m *metrics.Metrics, queue string) *Worker {
	return &Worker{store: s, truth: truth, cache: c, metrics: m, queue: queue}
}

// Run asserts the queue topology and consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, consumer Consumer) error {
	if err := consumer.AssertQueue(w.queue); err != nil {
		return fmt.Errorf("assert queue: %w", err)
	}
	slog.Info("worker consuming", "queue", w.queue)
	return consumer.Consume(ctx, w.queue, w.HandleJob)
}

// details is the persisted result breakdown. The field names are a legacy
// wire format consumed by existing clients and must not change.
type details struct {
	CorrectGroups    int       `json:"correctGroups"`
	CorrectTeams     int       `json:"correctTeams"`
	IranGroupCorrect bool      `json:"iranGroupCorrect"`
	PerfectGroups    []string  `json:"perfectGroups"`
	MisplacedTeams   []string  `json:"misplacedTeams,omitempty"`
	GroupName        string    `json:"groupName,omitempty"`
	Teams            []string  `json:"teams,omitempty"`
	ScoringBreakdown breakdown `json:"scoringBreakdown"`
}

type breakdown struct {
	Rule   int    `json:"rule"`
	RuleID string `json:"ruleId"`
	Score  int    `json:"score"`
}

// HandleJob processes one message body. A returned error routes the message
// through the broker's retry policy and, eventually, the DLQ.
func (w *Worker) HandleJob(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	started := time.Now()

	var job prediction.Job
	if err := json.Unmarshal(body, &job); err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("decode job: %w", err)
	}
	if job.SubmissionID == "" || job.UserID == "" {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("job missing ids: %q", body)
	}

	exists, err := w.store.ResultExists(ctx, job.SubmissionID)
	if err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("idempotence check: %w", err)
	}
	if exists {
		w.metrics.ScoringJobs.WithLabelValues("duplicate").Inc()
		slog.Info("submission already scored", "submission_id", job.SubmissionID)
		return nil
	}

	pred, err := w.store.GetPrediction(ctx, job.SubmissionID)
	if errors.Is(err, store.ErrNotFound) {
		w.metrics.ScoringJobs.WithLabelValues("missing").Inc()
		slog.Warn("submission gone, dropping job", "submission_id", job.SubmissionID)
		return nil
	} else if err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("load submission: %w", err)
	}

	truth, err := w.truth.GroundTruth(ctx)
	if err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("ground truth: %w", err)
	}

	outcome, err := w.score(pred, truth)
	if err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return err
	}

	raw, err := json.Marshal(detailsOf(outcome))
	if err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal details: %w", err)
	}

	result := &store.Result{
		PredictionID: pred.ID,
		UserID:       pred.UserID,
		TotalScore:   outcome.Score,
		Details:      raw,
	}
	if err := w.store.InsertResult(ctx, result); err != nil {
		w.metrics.ScoringJobs.WithLabelValues("error").Inc()
		return fmt.Errorf("insert result: %w", err)
	}

	if _, err := w.cache.Incr(ctx, prediction.StatsProcessedKey); err != nil {
		slog.Warn("progress counter bump failed", "error", err)
	}

	w.metrics.ScoringJobs.WithLabelValues("scored").Inc()
	w.metrics.ScoringJobDuration.Observe(time.Since(started).Seconds())
	slog.Info("submission scored",
		"submission_id", pred.ID,
		"user_id", pred.UserID,
		"rule", outcome.RuleID,
		"score", outcome.Score,
	)
	return nil
}

func (w *Worker) score(pred *store.Prediction, truth *prediction.Truth) (scoring.Outcome, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(pred.Payload, &payload); err != nil {
		return scoring.Outcome{}, fmt.Errorf("decode submission %s: %w", pred.ID, err)
	}
	user, err := scoring.Normalize(payload)
	if err != nil {
		return scoring.Outcome{}, fmt.Errorf("normalize submission %s: %w", pred.ID, err)
	}
	return scoring.Score(user, truth.Groups, truth.DesignatedID), nil
}

func detailsOf(o scoring.Outcome) details {
	perfect := o.PerfectGroups
	if perfect == nil {
		perfect = []string{}
	}
	return details{
		CorrectGroups:    len(o.PerfectGroups),
		CorrectTeams:     o.CorrectTeams,
		IranGroupCorrect: o.DesignatedGroupCorrect,
		PerfectGroups:    perfect,
		MisplacedTeams:   o.MisplacedTeams,
		GroupName:        o.GroupName,
		Teams:            o.Teams,
		ScoringBreakdown: breakdown{Rule: o.Rule, RuleID: o.RuleID, Score: o.Score},
	}
}
