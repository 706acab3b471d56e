// Package mutation_queue implements the durable outbox of state-changing
// requests that could not be sent while offline. The queue is one JSON array
// under a single store key: whole-array read-modify-write, re-reading the
// latest persisted state under the lock before every write. That is
// acceptable only because a single process owns the store.
package mutation_queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/getlockinnn/proven-sync/pkg/kvstore"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

const queueKey = "proven_mutation_queue.v1"

const (
	// DefaultCapacity is the hard cap on queued mutations.
	DefaultCapacity = 50
	// DefaultMaxRetries is how many sync passes may fail an entry before
	// it stops being retried. Exhausted entries stay visible.
	DefaultMaxRetries = 3
)

var nopLogger = zap.NewNop()

// ErrQueueFull is returned by Enqueue at capacity. Callers surface it as a
// "try again later" condition.
var ErrQueueFull = errors.New("mutation queue is full")

// QueuedRequest is one deferred mutation.
type QueuedRequest struct {
	ID           string            `json:"id"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"` // POST, PUT or DELETE
	Body         json.RawMessage   `json:"body,omitempty"`
	Timestamp    int64             `json:"timestamp"` // unix milli, enqueue time
	RetryCount   int               `json:"retryCount"`
	Type         string            `json:"type"` // caller-defined category
	RequiresAuth bool              `json:"requiresAuth"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Status is a point-in-time queue summary.
type Status struct {
	PendingCount    int
	FailedCount     int
	Processing      bool
	LastProcessedAt time.Time
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Succeeded int // removed after a 2xx
	Dropped   int // removed on a terminal 4xx
	Retried   int // kept with an incremented retry count
}

type Opts struct {
	// Store cannot be nil.
	Store kvstore.Store

	// Capacity is the hard cap. Default DefaultCapacity.
	Capacity int

	// MaxRetries per entry. Default DefaultMaxRetries.
	MaxRetries int

	// Logger is optional.
	Logger *zap.Logger

	// TimeNow is the clock. Defaults to time.Now.
	TimeNow func() time.Time
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	return nil
}

type Queue struct {
	opts Opts

	mu              sync.Mutex
	processing      bool
	lastProcessedAt time.Time

	pendingGauge prometheus.Gauge
	failedGauge  prometheus.Gauge
}

func NewQueue(opts Opts) (*Queue, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Queue{opts: opts}, nil
}

// WithMetrics registers queue depth gauges on reg.
func (q *Queue) WithMetrics(reg prometheus.Registerer) *Queue {
	q.pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proven_queue_pending",
		Help: "Queued mutations still eligible for retry.",
	})
	q.failedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proven_queue_failed",
		Help: "Queued mutations that exhausted their retries.",
	})
	reg.MustRegister(q.pendingGauge, q.failedGauge)
	return q
}

// Enqueue appends req to the queue, assigning an id and timestamp if unset.
func (q *Queue) Enqueue(ctx context.Context, req QueuedRequest) (QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	if len(entries) >= q.opts.Capacity {
		return QueuedRequest{}, ErrQueueFull
	}
	if len(req.ID) == 0 {
		req.ID = newID()
	}
	if req.Timestamp == 0 {
		req.Timestamp = q.opts.TimeNow().UnixMilli()
	}
	entries = append(entries, req)
	if err := q.save(ctx, entries); err != nil {
		return QueuedRequest{}, err
	}
	q.opts.Logger.Info("mutation queued",
		zap.String("id", req.ID), zap.String("method", req.Method), zap.String("endpoint", req.Endpoint))
	return req, nil
}

// DequeueAll returns entries still eligible for retry, in FIFO order.
func (q *Queue) DequeueAll(ctx context.Context) []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	out := make([]QueuedRequest, 0, len(entries))
	for _, e := range entries {
		if e.RetryCount < q.opts.MaxRetries {
			out = append(out, e)
		}
	}
	return out
}

// Remove deletes the entry with the given id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

func (q *Queue) removeLocked(ctx context.Context, id string) error {
	entries := q.load(ctx)
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return q.save(ctx, kept)
}

// UpdateRetryCount sets the retry count of the entry with the given id.
// Retry counts only increase; a lower n is ignored.
func (q *Queue) UpdateRetryCount(ctx context.Context, id string, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	for i := range entries {
		if entries[i].ID == id && n > entries[i].RetryCount {
			entries[i].RetryCount = n
		}
	}
	return q.save(ctx, entries)
}

// Clear drops every entry, including exhausted ones.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(ctx, nil)
}

// Status reports current counts. Entries that exhausted their retries are
// never silently purged; they show up in FailedCount until cleared.
func (q *Queue) Status(ctx context.Context) Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.load(ctx)
	s := Status{Processing: q.processing, LastProcessedAt: q.lastProcessedAt}
	for _, e := range entries {
		if e.RetryCount < q.opts.MaxRetries {
			s.PendingCount++
		} else {
			s.FailedCount++
		}
	}
	return s
}

// Process drains pending entries sequentially in FIFO order through t,
// preserving dependency ordering between related mutations. Only one pass
// runs at a time; a concurrent call is a no-op.
//
// Per entry: 2xx removes it; a 4xx other than 408/429 removes it
// permanently (terminal, logged); anything else increments its retry count
// and keeps it queued.
func (q *Queue) Process(ctx context.Context, t transport.Transport) (ProcessResult, error) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return ProcessResult{}, nil
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.lastProcessedAt = q.opts.TimeNow()
		q.mu.Unlock()
	}()

	var res ProcessResult
	for _, e := range q.DequeueAll(ctx) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		_, err := t.Do(ctx, transport.Request{
			Endpoint:     e.Endpoint,
			Method:       e.Method,
			Body:         e.Body,
			RequiresAuth: e.RequiresAuth,
		})
		switch {
		case err == nil:
			res.Succeeded++
			q.mu.Lock()
			if err := q.removeLocked(ctx, e.ID); err != nil {
				q.opts.Logger.Warn("failed to remove processed mutation", zap.String("id", e.ID), zap.Error(err))
			}
			q.mu.Unlock()

		case terminal(err):
			res.Dropped++
			q.opts.Logger.Warn("dropping mutation after terminal response",
				zap.String("id", e.ID), zap.String("endpoint", e.Endpoint), zap.Error(err))
			q.mu.Lock()
			if err := q.removeLocked(ctx, e.ID); err != nil {
				q.opts.Logger.Warn("failed to remove dropped mutation", zap.String("id", e.ID), zap.Error(err))
			}
			q.mu.Unlock()

		default:
			res.Retried++
			if err := q.UpdateRetryCount(ctx, e.ID, e.RetryCount+1); err != nil {
				q.opts.Logger.Warn("failed to update retry count", zap.String("id", e.ID), zap.Error(err))
			}
			q.opts.Logger.Info("mutation kept for retry",
				zap.String("id", e.ID), zap.Int("retry_count", e.RetryCount+1), zap.Error(err))
		}
	}
	return res, nil
}

// terminal reports whether err is a domain/validation rejection that must
// not be retried.
func terminal(err error) bool {
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return !transport.IsRetryableStatus(se.Status)
}

// load must be called with q.mu held. Corrupt state is logged and treated
// as an empty queue.
func (q *Queue) load(ctx context.Context) []QueuedRequest {
	raw, err := q.opts.Store.Get(ctx, queueKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			q.opts.Logger.Warn("failed to read mutation queue", zap.Error(err))
		}
		return nil
	}
	var entries []QueuedRequest
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.opts.Logger.Warn("corrupt mutation queue, treating as empty", zap.Error(err))
		return nil
	}
	return entries
}

// save must be called with q.mu held.
func (q *Queue) save(ctx context.Context, entries []QueuedRequest) error {
	if entries == nil {
		entries = []QueuedRequest{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation queue, %w", err)
	}
	if err := q.opts.Store.Set(ctx, queueKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist mutation queue, %w", err)
	}
	q.updateGauges(entries)
	return nil
}

func (q *Queue) updateGauges(entries []QueuedRequest) {
	if q.pendingGauge == nil {
		return
	}
	var pending, failed int
	for _, e := range entries {
		if e.RetryCount < q.opts.MaxRetries {
			pending++
		} else {
			failed++
		}
	}
	q.pendingGauge.Set(float64(pending))
	q.failedGauge.Set(float64(failed))
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
