package sms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySender struct {
	err   error
	calls int
}

func (f *flakySender) Send(context.Context, string, string) error {
	f.calls++
	return f.err
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	inner := &flakySender{err: errors.New("provider down")}
	b := NewBreaker(inner, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Send(ctx, "+989123456789", "12345"))
	}
	assert.Equal(t, 3, inner.calls)

	// Open: the provider is no longer reached.
	err := b.Send(ctx, "+989123456789", "12345")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	inner := &flakySender{err: errors.New("provider down")}
	b := NewBreaker(inner, 1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Send(ctx, "+989123456789", "12345")) // trips

	now = now.Add(2 * time.Minute)
	inner.err = nil

	require.NoError(t, b.Send(ctx, "+989123456789", "12345")) // probe succeeds
	require.NoError(t, b.Send(ctx, "+989123456789", "12345")) // closed again
	assert.Equal(t, 3, inner.calls)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	inner := &flakySender{err: errors.New("provider down")}
	b := NewBreaker(inner, 1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Send(ctx, "+989123456789", "12345")) // trips

	now = now.Add(2 * time.Minute)
	require.Error(t, b.Send(ctx, "+989123456789", "12345")) // probe fails

	err := b.Send(ctx, "+989123456789", "12345")
	assert.ErrorIs(t, err, ErrProviderUnavailable, "reopened after failed probe")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	inner := &flakySender{err: errors.New("flaky")}
	b := NewBreaker(inner, 3, time.Minute)
	ctx := context.Background()

	require.Error(t, b.Send(ctx, "+989123456789", "12345"))
	require.Error(t, b.Send(ctx, "+989123456789", "12345"))
	inner.err = nil
	require.NoError(t, b.Send(ctx, "+989123456789", "12345"))
	inner.err = errors.New("flaky")
	require.Error(t, b.Send(ctx, "+989123456789", "12345"))
	require.Error(t, b.Send(ctx, "+989123456789", "12345"))

	// Still closed: the success in between reset the streak.
	require.Error(t, b.Send(ctx, "+989123456789", "12345"))
	assert.Equal(t, 6, inner.calls)
}
