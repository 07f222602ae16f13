package prediction

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/store"
)

type fakeStore struct {
	teams       []*store.Team
	predictions []*store.Prediction
	listCalls   int
}

func (f *fakeStore) InsertPrediction(_ context.Context, userID string, payload json.RawMessage) (*store.Prediction, error) {
	p := &store.Prediction{
		ID:      fmt.Sprintf("pred-%d", len(f.predictions)+1),
		UserID:  userID,
		Payload: payload,
	}
	f.predictions = append(f.predictions, p)
	return p, nil
}

func (f *fakeStore) ListTeams(_ context.Context) ([]*store.Team, error) {
	f.listCalls++
	return f.teams, nil
}

func (f *fakeStore) ResultsByUser(context.Context, string) ([]*store.Result, error) {
	return nil, nil
}

func (f *fakeStore) Leaderboard(context.Context, int) ([]store.LeaderboardEntry, error) {
	return nil, nil
}

func seededTeams() []*store.Team {
	labels := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}
	teams := make([]*store.Team, 0, 48)
	id := 0
	for _, g := range labels {
		for i := 0; i < 4; i++ {
			id++
			t := &store.Team{ID: fmt.Sprintf("%d", id), EnglishName: fmt.Sprintf("Team %d", id), Group: g}
			teams = append(teams, t)
		}
	}
	teams[16].EnglishName = "Iran" // id 17, group E
	return teams
}

func TestValidatePayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"well formed", `{"A":["1","2","3","4"],"B":["5","6","7","8"]}`, true},
		{"nested wrappers tolerated", `{"A":[["1"],["2"],["3"],["4"]]}`, true},
		{"numeric ids tolerated", `{"A":[1,2,3,4]}`, true},
		{"empty object", `{}`, false},
		{"array root", `["1","2"]`, false},
		{"scalar group", `{"A":"1"}`, false},
		{"not json", `hello`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(json.RawMessage(tc.payload))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFormat)
			}
		})
	}
}

func TestSubmit_PersistsValidPayload(t *testing.T) {
	fs := &fakeStore{}
	svc := NewService(fs, cache.NewMemory(), "Iran")

	p, err := svc.Submit(context.Background(), "user-1", json.RawMessage(`{"A":["1","2","3","4"]}`))
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Len(t, fs.predictions, 1)

	_, err = svc.Submit(context.Background(), "user-1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Len(t, fs.predictions, 1)
}

func TestGroundTruth_BuildsFromTeamsAndCaches(t *testing.T) {
	fs := &fakeStore{teams: seededTeams()}
	mem := cache.NewMemory()
	svc := NewService(fs, mem, "Iran")
	ctx := context.Background()

	truth, err := svc.GroundTruth(ctx)
	require.NoError(t, err)
	assert.Len(t, truth.Groups, 12)
	assert.Len(t, truth.Groups["E"], 4)
	assert.Equal(t, "17", truth.DesignatedID)
	assert.Equal(t, 1, fs.listCalls)

	// Second call is served from cache.
	again, err := svc.GroundTruth(ctx)
	require.NoError(t, err)
	assert.Equal(t, truth.Groups, again.Groups)
	assert.Equal(t, 1, fs.listCalls)

	_, err = mem.Get(ctx, GroundTruthKey)
	require.NoError(t, err)
}

func TestGroundTruth_MissingDesignatedTeam(t *testing.T) {
	teams := seededTeams()
	teams[16].EnglishName = "Team 17"
	fs := &fakeStore{teams: teams}
	svc := NewService(fs, cache.NewMemory(), "Iran")

	truth, err := svc.GroundTruth(context.Background())
	require.NoError(t, err)
	assert.Empty(t, truth.DesignatedID)
}

func TestGroundTruth_EmptyTeamTableFails(t *testing.T) {
	svc := NewService(&fakeStore{}, cache.NewMemory(), "Iran")

	_, err := svc.GroundTruth(context.Background())
	assert.Error(t, err)
}
