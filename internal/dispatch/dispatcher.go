// Package dispatch publishes one scoring job per unscored submission and
// exposes the admin-facing progress view.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/prediction"
	"github.com/grouppick/backend/internal/store"
)

// progressLogEvery is the publish interval between progress log lines.
const progressLogEvery = 100

// Publisher is the broker surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg interface{}) error
	QueueMessageCount(queue string) int
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	UnscoredPredictions(ctx context.Context) ([]store.PredictionRef, error)
}

// Status is the admin progress view.
type Status struct {
	Total      int64 `json:"total"`
	Processed  int64 `json:"processed"`
	Pending    int64 `json:"pending"`
	QueueDepth int   `json:"queueDepth"`
}

// InlinePublisher scores jobs synchronously in place of a broker. Used when
// async processing is disabled: the dispatcher's scan and counters behave
// identically, but each "publish" runs the handler before returning.
type InlinePublisher struct {
	Handler func(ctx context.Context, body []byte) error
}

func (p *InlinePublisher) Publish(ctx context.Context, _ string, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return p.Handler(ctx, body)
}

func (p *InlinePublisher) QueueMessageCount(string) int { return 0 }

// Dispatcher scans for unscored submissions and enqueues them.
type Dispatcher struct {
	store   Store
	cache   cache.Cache
	pub     Publisher
	metrics *metrics.Metrics
	queue   string
	limiter *rate.Limiter
}

// Options carries the dispatcher tunables. PublishRate of zero means
// unthrottled.
type Options struct {
	Queue       string
	PublishRate float64
	Burst       int
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(s Store, c cache.Cache, pub Publisher, m *metrics.Metrics, opts Options) *Dispatcher {
	limit := rate.Inf
	burst := 1
	if opts.PublishRate > 0 {
		limit = rate.Limit(opts.PublishRate)
		burst = opts.Burst
		if burst < 1 {
			burst = 1
		}
	}
	return &Dispatcher{
		store:   s,
		cache:   c,
		pub:     pub,
		metrics: m,
		queue:   opts.Queue,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Dispatch scans for unscored submissions, seeds the progress counters and
// publishes one job per submission. It returns how many jobs were queued and
// the scan size.
//
// The total counter is first-write-wins: a re-trigger while workers are
// draining the queue must not shrink or reset progress. Operators reset the
// counters explicitly when they want a fresh run.
func (d *Dispatcher) Dispatch(ctx context.Context) (queued, total int, err error) {
	refs, err := d.store.UnscoredPredictions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("scan unscored submissions: %w", err)
	}
	total = len(refs)

	if err := d.initCounters(ctx, total); err != nil {
		return 0, total, err
	}

	for _, ref := range refs {
		if err := d.limiter.Wait(ctx); err != nil {
			return queued, total, err
		}
		job := prediction.Job{SubmissionID: ref.ID, UserID: ref.UserID}
		if err := d.pub.Publish(ctx, d.queue, job); err != nil {
			return queued, total, fmt.Errorf("publish job %s: %w", ref.ID, err)
		}
		d.metrics.JobsDispatched.Inc()
		queued++
		if queued%progressLogEvery == 0 {
			slog.Info("dispatch progress", "queued", queued, "total", total)
		}
	}

	slog.Info("dispatch complete", "queued", queued, "total", total, "queue", d.queue)
	return queued, total, nil
}

func (d *Dispatcher) initCounters(ctx context.Context, total int) error {
	_, err := d.cache.Get(ctx, prediction.StatsTotalKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return fmt.Errorf("read progress counter: %w", err)
	}
	if err := d.cache.Set(ctx, prediction.StatsTotalKey, strconv.Itoa(total)); err != nil {
		return fmt.Errorf("seed total counter: %w", err)
	}
	if err := d.cache.Set(ctx, prediction.StatsProcessedKey, "0"); err != nil {
		return fmt.Errorf("seed processed counter: %w", err)
	}
	return nil
}

// ProcessingStatus reads the progress counters and probes queue depth.
// Absent counters read as zero.
func (d *Dispatcher) ProcessingStatus(ctx context.Context) (*Status, error) {
	total, err := d.counter(ctx, prediction.StatsTotalKey)
	if err != nil {
		return nil, err
	}
	processed, err := d.counter(ctx, prediction.StatsProcessedKey)
	if err != nil {
		return nil, err
	}

	pending := total - processed
	if pending < 0 {
		pending = 0
	}

	depth := d.pub.QueueMessageCount(d.queue)
	d.metrics.QueueDepth.Set(float64(depth))

	return &Status{Total: total, Processed: processed, Pending: pending, QueueDepth: depth}, nil
}

func (d *Dispatcher) counter(ctx context.Context, key string) (int64, error) {
	raw, err := d.cache.Get(ctx, key)
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
