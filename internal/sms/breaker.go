package sms

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrProviderUnavailable is returned while the breaker is open.
var ErrProviderUnavailable = errors.New("sms provider temporarily unavailable")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateOpen:
		return "OPEN"
	default:
		return "HALF_OPEN"
	}
}

// Breaker wraps a Sender with a circuit breaker so a dead SMS provider fails
// fast instead of holding every login request for the full HTTP timeout.
//
// Closed: sends pass through; consecutive failures trip it open. Open: sends
// fail immediately until the cooldown elapses. Half-open: one probe send is
// allowed; success closes the breaker, failure reopens it.
type Breaker struct {
	next Sender

	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration

	now func() time.Time
}

// NewBreaker wraps next. Zero-value knobs fall back to 5 consecutive
// failures and a 30-second cooldown.
func NewBreaker(next Sender, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{next: next, threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *Breaker) Send(ctx context.Context, phone, code string) error {
	if !b.allow() {
		return ErrProviderUnavailable
	}

	err := b.next.Send(ctx, phone, code)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(stateHalfOpen)
			return true
		}
		return false
	default: // half-open: a probe is already in flight
		return false
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		if b.state != stateClosed {
			b.transition(stateClosed)
		}
		return
	}

	switch b.state {
	case stateHalfOpen:
		b.openedAt = b.now()
		b.transition(stateOpen)
	case stateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(stateOpen)
		}
	}
}

func (b *Breaker) transition(to breakerState) {
	slog.Warn("sms breaker state change", "from", b.state.String(), "to", to.String())
	b.state = to
}

var _ Sender = (*Breaker)(nil)
