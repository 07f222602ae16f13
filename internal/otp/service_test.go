package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/store"
)

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*store.User
	seq   int
}

func (f *fakeUserStore) UpsertUserByPhone(_ context.Context, phone string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == nil {
		f.users = map[string]*store.User{}
	}
	if u, ok := f.users[phone]; ok {
		now := time.Now()
		u.LastLoginAt = &now
		return u, nil
	}
	f.seq++
	u := &store.User{ID: string(rune('a' + f.seq)), Phone: phone}
	f.users[phone] = u
	return u, nil
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	codes []string
}

func (r *recordingSender) Send(_ context.Context, phone, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, phone)
	r.codes = append(r.codes, code)
	return nil
}

func newService(t *testing.T) (*Service, *cache.Memory, *recordingSender, *fakeUserStore) {
	t.Helper()
	mem := cache.NewMemory()
	sender := &recordingSender{}
	users := &fakeUserStore{}
	svc := NewService(mem, users, sender, nil, metrics.New(prometheus.NewRegistry()), Options{
		Length:       5,
		TTL:          2 * time.Minute,
		SendCooldown: 2 * time.Minute,
		MaxAttempts:  5,
		VerifyWindow: 10 * time.Minute,
		Sandbox:      true,
	})
	return svc, mem, sender, users
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"09123456789", "+989123456789", false},
		{"+989123456789", "+989123456789", false},
		{"989123456789", "+989123456789", false},
		{"00989123456789", "+989123456789", false},
		{"9123456789", "+989123456789", false},
		{"0912 345-6789", "+989123456789", false},
		{"0812345678", "", true},  // not a mobile prefix
		{"0912345678", "", true},  // too short
		{"091234567890", "", true}, // too long
		{"", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizePhone(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSend_StoresCodeAndCooldowns(t *testing.T) {
	svc, mem, sender, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "09123456789", "10.0.0.1", "ua")
	require.NoError(t, err)
	assert.Equal(t, "+989123456789", res.Phone)
	assert.Len(t, res.Code, 5, "sandbox mode returns the code")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "+989123456789", sender.sent[0])
	assert.Equal(t, res.Code, sender.codes[0])

	_, err = mem.Get(ctx, "otp:phone:+989123456789")
	require.NoError(t, err)
	_, err = mem.Get(ctx, "otp:send:limit:+989123456789")
	require.NoError(t, err)
	_, err = mem.Get(ctx, "otp:last_request:+989123456789")
	require.NoError(t, err)
}

func TestSend_SecondRequestThrottled(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "09123456789", "", "")
	require.NoError(t, err)

	_, err = svc.Send(ctx, "09123456789", "", "")
	assert.ErrorIs(t, err, ErrExceededSendLimit)
}

func TestSend_RejectsBadPhone(t *testing.T) {
	svc, _, sender, _ := newService(t)

	_, err := svc.Send(context.Background(), "12345", "", "")
	assert.ErrorIs(t, err, ErrInvalidPhone)
	assert.Empty(t, sender.sent)
}

func TestVerify_HappyPath(t *testing.T) {
	svc, mem, _, users := newService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "09123456789", "", "")
	require.NoError(t, err)

	user, err := svc.Verify(ctx, "09123456789", res.Code, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "+989123456789", user.Phone)
	assert.Len(t, users.users, 1)

	// OTP state is gone; a replay of the same code fails.
	_, err = mem.Get(ctx, "otp:phone:+989123456789")
	assert.ErrorIs(t, err, cache.ErrMiss)
	_, err = svc.Verify(ctx, "09123456789", res.Code, "")
	assert.ErrorIs(t, err, ErrNotFoundOrExpired)
}

func TestVerify_WrongCode(t *testing.T) {
	svc, mem, _, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "09123456789", "", "")
	require.NoError(t, err)

	wrong := "00000"
	if res.Code == wrong {
		wrong = "00001"
	}
	_, err = svc.Verify(ctx, "09123456789", wrong, "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCode)

	// The right code still works afterwards.
	_, err = svc.Verify(ctx, "09123456789", res.Code, "10.0.0.1")
	require.NoError(t, err)

	// Failed attempt left a counter behind.
	_, err = mem.Get(ctx, "otp:ip:failures:10.0.0.1")
	assert.ErrorIs(t, err, cache.ErrMiss, "no fraud detector wired, no counter expected")
}

func TestVerify_AttemptCap(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "09123456789", "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = svc.Verify(ctx, "09123456789", "99999x", "")
		assert.ErrorIs(t, err, ErrInvalidCode)
	}

	// Sixth attempt crosses the cap even with the right code.
	_, err = svc.Verify(ctx, "09123456789", res.Code, "")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerify_ExpiredCode(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "09123456789", "", "")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	_, err = svc.Verify(ctx, "09123456789", res.Code, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_UnknownPhone(t *testing.T) {
	svc, _, _, _ := newService(t)

	_, err := svc.Verify(context.Background(), "09123456789", "12345", "")
	assert.ErrorIs(t, err, ErrNotFoundOrExpired)
}
