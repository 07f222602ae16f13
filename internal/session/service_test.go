package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouppick/backend/internal/audit"
	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/store"
	"github.com/grouppick/backend/internal/token"
)

// bcryptTestCost keeps token generation fast in tests.
const bcryptTestCost = 4

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	seq      int
	now      func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{sessions: map[string]*store.Session{}, now: now}
}

func (f *fakeStore) InsertSession(_ context.Context, s *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	s.ID = fmt.Sprintf("sess-%d", f.seq)
	s.CreatedAt = f.now().Add(time.Duration(f.seq) * time.Millisecond)
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) recent(limit int) []*store.Session {
	out := make([]*store.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		if !s.Expired(f.now()) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) RecentValidSessions(_ context.Context, limit int) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent(limit), nil
}

func (f *fakeStore) RecentSessionsWithRefresh(_ context.Context, limit int) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent(limit), nil
}

func (f *fakeStore) SessionsByUser(_ context.Context, userID string) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Session
	for _, s := range f.recent(len(f.sessions)) {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateAccessHash(_ context.Context, sessionID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	s.AccessHash = hash
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return store.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeStore) DeleteUserSessions(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteExpiredSessions(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.sessions {
		if s.Expired(f.now()) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

type fixture struct {
	svc   *Service
	store *fakeStore
	cache *cache.Memory
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	fs := newFakeStore(func() time.Time { return *clock })
	mem := cache.NewMemory()

	svc := NewService(fs, mem, audit.New(nil), nil, metrics.New(prometheus.NewRegistry()), Options{
		AccessTTL:  time.Hour,
		RefreshTTL: 720 * time.Hour,
		TokenBytes: token.DefaultTokenBytes,
		BcryptCost: bcryptTestCost,
	})
	svc.now = func() time.Time { return *clock }
	return &fixture{svc: svc, store: fs, cache: mem, clock: clock}
}

func TestCreate_IssuesIndependentTokens(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "10.0.0.1", "test-agent")
	require.NoError(t, err)

	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.True(t, fx.svc.gen.ValidFormat(pair.AccessToken))
	assert.True(t, fx.svc.gen.ValidFormat(pair.RefreshToken))
	assert.NotEmpty(t, pair.Session.ID)
	assert.Equal(t, fx.clock.Add(720*time.Hour), pair.Session.ExpiresAt)

	// Both prefixes must point at the session row.
	id, err := fx.cache.Get(ctx, accessKey(token.Prefix(pair.AccessToken)))
	require.NoError(t, err)
	assert.Equal(t, pair.Session.ID, id)
	id, err = fx.cache.Get(ctx, refreshKey(token.Prefix(pair.RefreshToken)))
	require.NoError(t, err)
	assert.Equal(t, pair.Session.ID, id)
}

func TestValidate_CachePath(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	sess, err := fx.svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, pair.Session.ID, sess.ID)
}

func TestValidate_DatabaseFallbackRepopulatesCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	prefix := token.Prefix(pair.AccessToken)
	require.NoError(t, fx.cache.Del(ctx, accessKey(prefix)))

	sess, err := fx.svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, pair.Session.ID, sess.ID)

	// The pointer came back.
	id, err := fx.cache.Get(ctx, accessKey(prefix))
	require.NoError(t, err)
	assert.Equal(t, pair.Session.ID, id)
}

func TestValidate_RejectsMalformedAndUnknownTokens(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Validate(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = fx.svc.Validate(ctx, "Bearer abc")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Well-formed but never issued.
	unknown := make([]byte, 64)
	for i := range unknown {
		unknown[i] = 'a'
	}
	_, err = fx.svc.Validate(ctx, string(unknown))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate_ExpiredSessionFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	*fx.clock = fx.clock.Add(721 * time.Hour)

	_, err = fx.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_RotatesOnlyAccessToken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	refreshed, err := fx.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, refreshed.AccessToken)
	assert.Equal(t, pair.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, pair.Session.ID, refreshed.Session.ID)

	// New access token is live, the rotated-away one is dead.
	_, err = fx.svc.Validate(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	_, err = fx.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Refresh token still works after rotation.
	_, err = fx.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_CacheMissFallsBackToScan(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, fx.cache.Del(ctx, refreshKey(token.Prefix(pair.RefreshToken))))

	refreshed, err := fx.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.Session.ID, refreshed.Session.ID)
}

func TestRefresh_RejectsBadToken(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Refresh(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDelete_RevokesSingleSession(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	require.NoError(t, fx.svc.Delete(ctx, pair.Session.ID, "user-1"))

	_, err = fx.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDelete_WrongOwnerFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	pair, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	err = fx.svc.Delete(ctx, pair.Session.ID, "user-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Owner's session survives.
	_, err = fx.svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
}

func TestDeleteAll_CountsRevokedSessions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.svc.Create(ctx, "user-1", "", "")
		require.NoError(t, err)
	}
	_, err := fx.svc.Create(ctx, "user-2", "", "")
	require.NoError(t, err)

	n, err := fx.svc.DeleteAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCleanupExpired_RemovesOnlyExpiredRows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	old, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	*fx.clock = fx.clock.Add(719 * time.Hour)
	fresh, err := fx.svc.Create(ctx, "user-1", "", "")
	require.NoError(t, err)

	*fx.clock = fx.clock.Add(2 * time.Hour) // old session past its 720h lifetime

	n, err := fx.svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = fx.store.GetSession(ctx, old.Session.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = fx.store.GetSession(ctx, fresh.Session.ID)
	require.NoError(t, err)
}
