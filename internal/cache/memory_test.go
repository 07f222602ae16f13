package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetDel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, "k", "v"))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	require.NoError(t, m.Del(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, m.SetEx(ctx, "otp", "12345", 90*time.Second))

	got, err := m.Get(ctx, "otp")
	require.NoError(t, err)
	assert.Equal(t, "12345", got)

	m.now = func() time.Time { return base.Add(91 * time.Second) }
	_, err = m.Get(ctx, "otp")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemory_IncrAndExpire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		n, err := m.Incr(ctx, "attempts")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	base := time.Now()
	m.now = func() time.Time { return base }
	require.NoError(t, m.Expire(ctx, "attempts", time.Minute))

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err := m.Incr(ctx, "attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter restarts after expiry")
}
