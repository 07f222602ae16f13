package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/scoring"
	"github.com/grouppick/backend/internal/store"
)

type fakeWorkerStore struct {
	predictions map[string]*store.Prediction
	results     map[string]*store.Result
	failInsert  bool
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		predictions: map[string]*store.Prediction{},
		results:     map[string]*store.Result{},
	}
}

func (f *fakeWorkerStore) GetPrediction(_ context.Context, id string) (*store.Prediction, error) {
	p, ok := f.predictions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeWorkerStore) ResultExists(_ context.Context, predictionID string) (bool, error) {
	_, ok := f.results[predictionID]
	return ok, nil
}

func (f *fakeWorkerStore) InsertResult(_ context.Context, r *store.Result) error {
	if f.failInsert {
		return fmt.Errorf("db down")
	}
	if _, ok := f.results[r.PredictionID]; ok {
		return nil // unique constraint: conflicting insert is a no-op
	}
	f.results[r.PredictionID] = r
	return nil
}

type fixedTruth struct {
	truth *prediction.Truth
}

func (f *fixedTruth) GroundTruth(context.Context) (*prediction.Truth, error) {
	return f.truth, nil
}

// groundTruth builds A..L over ids 1..48, with "17" designated in group E.
func groundTruth() *prediction.Truth {
	labels := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}
	groups := scoring.Groups{}
	id := 0
	for _, g := range labels {
		for i := 0; i < 4; i++ {
			id++
			groups[g] = append(groups[g], fmt.Sprintf("%d", id))
		}
	}
	return &prediction.Truth{Groups: groups, DesignatedID: "17"}
}

func newWorker(fs *fakeWorkerStore, mem *cache.Memory) *Worker {
	return New(fs, &fixedTruth{truth: groundTruth()}, mem, metrics.New(prometheus.NewRegistry()), "prediction.process")
}

func jobBody(t *testing.T, submissionID, userID string) []byte {
	t.Helper()
	raw, err := json.Marshal(prediction.Job{SubmissionID: submissionID, UserID: userID})
	require.NoError(t, err)
	return raw
}

func perfectPayload() json.RawMessage {
	groups := groundTruth().Groups
	raw, _ := json.Marshal(groups)
	return raw
}

func TestHandleJob_ScoresAndPersists(t *testing.T) {
	fs := newFakeWorkerStore()
	fs.predictions["p1"] = &store.Prediction{ID: "p1", UserID: "u1", Payload: perfectPayload()}
	mem := cache.NewMemory()
	w := newWorker(fs, mem)

	require.NoError(t, w.HandleJob(context.Background(), jobBody(t, "p1", "u1")))

	r, ok := fs.results["p1"]
	require.True(t, ok)
	assert.Equal(t, 100, r.TotalScore)

	var d details
	require.NoError(t, json.Unmarshal(r.Details, &d))
	assert.Equal(t, 12, d.CorrectGroups)
	assert.Equal(t, 48, d.CorrectTeams)
	assert.True(t, d.IranGroupCorrect)
	assert.Equal(t, 1, d.ScoringBreakdown.Rule)
	assert.Equal(t, "ALL_CORRECT", d.ScoringBreakdown.RuleID)

	// Progress counter moved.
	v, err := mem.Get(context.Background(), prediction.StatsProcessedKey)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestHandleJob_DuplicateIsAcked(t *testing.T) {
	fs := newFakeWorkerStore()
	fs.results["p1"] = &store.Result{PredictionID: "p1"}
	mem := cache.NewMemory()
	w := newWorker(fs, mem)

	require.NoError(t, w.HandleJob(context.Background(), jobBody(t, "p1", "u1")))

	// No double count.
	_, err := mem.Get(context.Background(), prediction.StatsProcessedKey)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestHandleJob_MissingSubmissionIsDropped(t *testing.T) {
	w := newWorker(newFakeWorkerStore(), cache.NewMemory())

	assert.NoError(t, w.HandleJob(context.Background(), jobBody(t, "gone", "u1")))
}

func TestHandleJob_MalformedJobFailsForRetry(t *testing.T) {
	w := newWorker(newFakeWorkerStore(), cache.NewMemory())

	assert.Error(t, w.HandleJob(context.Background(), []byte(`not json`)))
	assert.Error(t, w.HandleJob(context.Background(), []byte(`{}`)), "missing ids are fatal")
	assert.Error(t, w.HandleJob(context.Background(), []byte(`{"submissionId":"p1"}`)))
}

func TestHandleJob_InsertFailurePropagates(t *testing.T) {
	fs := newFakeWorkerStore()
	fs.predictions["p1"] = &store.Prediction{ID: "p1", UserID: "u1", Payload: perfectPayload()}
	fs.failInsert = true
	mem := cache.NewMemory()
	w := newWorker(fs, mem)

	assert.Error(t, w.HandleJob(context.Background(), jobBody(t, "p1", "u1")))

	// Counter untouched on failure.
	_, err := mem.Get(context.Background(), prediction.StatsProcessedKey)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestHandleJob_NestedWrapperPayload(t *testing.T) {
	fs := newFakeWorkerStore()
	// Ground truth arrangement but every entry wrapped in a single-element array.
	wrapped := map[string][]interface{}{}
	for label, ids := range groundTruth().Groups {
		for _, id := range ids {
			wrapped[label] = append(wrapped[label], []string{id})
		}
	}
	raw, err := json.Marshal(wrapped)
	require.NoError(t, err)
	fs.predictions["p1"] = &store.Prediction{ID: "p1", UserID: "u1", Payload: raw}
	w := newWorker(fs, cache.NewMemory())

	require.NoError(t, w.HandleJob(context.Background(), jobBody(t, "p1", "u1")))
	assert.Equal(t, 100, fs.results["p1"].TotalScore)
}
