// Package orchestrator unifies the request machinery of the sync layer:
// cache read-through, retry with backoff, offline mutation queueing and
// stale fallback. UI code talks to this package and to nothing below it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/getlockinnn/proven-sync/pkg/cachestore"
	"github.com/getlockinnn/proven-sync/pkg/mutation_queue"
	"github.com/getlockinnn/proven-sync/pkg/netmon"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

var nopLogger = zap.NewNop()

// ErrOfflineQueued signals that a mutation was accepted and durably queued
// for a later sync pass. It is a deferred success, not a failure.
var ErrOfflineQueued = errors.New("offline: mutation queued for sync")

const (
	// DefaultMaxAttempts is the total attempt budget per request.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is the first inter-attempt delay.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap bounds a single inter-attempt delay.
	DefaultBackoffCap = time.Second * 10
	// backoffJitter is the ± fraction applied to each delay.
	backoffJitter = 0.2
)

type Opts struct {
	// Transport cannot be nil.
	Transport transport.Transport

	// Cache enables the read-through and stale-fallback paths. Optional.
	Cache *cachestore.CacheStore

	// Queue enables offline queueing of queueable mutations. Optional.
	Queue *mutation_queue.Queue

	// Monitor supplies the offline belief and receives request outcomes.
	// Optional; without it the orchestrator assumes online.
	Monitor *netmon.Monitor

	// MaxAttempts, BackoffBase and BackoffCap tune the retry policy.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Logger is optional.
	Logger *zap.Logger

	// Sleep is the backoff sleeper. Defaults to a context-aware
	// time.Sleep. Tests override it.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand yields jitter in [0,1). Defaults to math/rand.
	Rand func() float64
}

func (opts *Opts) Init() error {
	if opts.Transport == nil {
		return errors.New("nil transport")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return nil
}

// GetOpts tunes a read.
type GetOpts struct {
	// CacheType/CacheID select the cache slot. Empty CacheType disables
	// caching for this call.
	CacheType string
	CacheID   string

	// ForceRefresh skips the fresh-cache short-circuit (the result is
	// still written through).
	ForceRefresh bool

	RequiresAuth bool
}

// MutateOpts tunes a mutation.
type MutateOpts struct {
	// Queueable marks the mutation safe to defer and replay when the
	// device is offline.
	Queueable bool

	// QueueType categorizes the queued entry.
	QueueType string

	// InvalidateTypes lists cache types to invalidate after success.
	InvalidateTypes []string

	RequiresAuth bool

	// Metadata is carried on the queued entry.
	Metadata map[string]string
}

type Orchestrator struct {
	opts Opts
	sf   singleflight.Group
}

func NewOrchestrator(opts Opts) (*Orchestrator, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Orchestrator{opts: opts}, nil
}

func (o *Orchestrator) online() bool {
	return o.opts.Monitor == nil || o.opts.Monitor.Online()
}

func (o *Orchestrator) reportOutcome(err error) {
	if o.opts.Monitor == nil {
		return
	}
	if err == nil {
		o.opts.Monitor.SetOnline(true)
		return
	}
	var ne *transport.NetworkError
	if errors.As(err, &ne) && ne.IsOffline {
		o.opts.Monitor.SetOnline(false)
	}
}

// Get performs an idempotent read. A fresh cache hit short-circuits the
// network entirely; while offline a stale entry is served instead of
// failing; after retry exhaustion the stale entry is the last resort.
// Identical concurrent reads collapse into one network call.
func (o *Orchestrator) Get(ctx context.Context, endpoint string, dst any, opts *GetOpts) error {
	if opts == nil {
		opts = &GetOpts{}
	}
	cached := o.opts.Cache != nil && len(opts.CacheType) > 0

	if cached && !opts.ForceRefresh {
		if o.opts.Cache.GetFresh(ctx, opts.CacheType, dst, opts.CacheID) {
			return nil
		}
	}

	if !o.online() {
		if cached && o.serveStale(ctx, dst, opts) {
			return nil
		}
		return &transport.NetworkError{IsOffline: true, Err: errors.New("device is offline")}
	}

	v, err, _ := o.sf.Do(endpoint, func() (any, error) {
		return o.attempt(ctx, transport.Request{
			Endpoint:     endpoint,
			Method:       http.MethodGet,
			RequiresAuth: opts.RequiresAuth,
		})
	})
	if err != nil {
		if cached && o.serveStale(ctx, dst, opts) {
			return nil
		}
		return err
	}
	resp := v.(*transport.Response)
	if err := resp.Decode(dst); err != nil {
		return err
	}

	if cached {
		// Best-effort write-through; a caching failure never fails
		// the read.
		var raw json.RawMessage = resp.Body
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		if err := o.opts.Cache.Save(ctx, opts.CacheType, raw, opts.CacheID); err != nil {
			o.opts.Logger.Warn("cache write-through failed",
				zap.String("type", opts.CacheType), zap.Error(err))
		}
	}
	return nil
}

// Post sends a POST mutation. See Mutate for queueing semantics.
func (o *Orchestrator) Post(ctx context.Context, endpoint string, body, dst any, opts *MutateOpts) error {
	return o.mutate(ctx, http.MethodPost, endpoint, body, dst, opts)
}

// Put sends a PUT mutation.
func (o *Orchestrator) Put(ctx context.Context, endpoint string, body, dst any, opts *MutateOpts) error {
	return o.mutate(ctx, http.MethodPut, endpoint, body, dst, opts)
}

// Delete sends a DELETE mutation.
func (o *Orchestrator) Delete(ctx context.Context, endpoint string, dst any, opts *MutateOpts) error {
	return o.mutate(ctx, http.MethodDelete, endpoint, nil, dst, opts)
}

func (o *Orchestrator) mutate(ctx context.Context, method, endpoint string, body, dst any, opts *MutateOpts) error {
	if opts == nil {
		opts = &MutateOpts{}
	}

	if !o.online() {
		if opts.Queueable && o.opts.Queue != nil {
			return o.enqueue(ctx, method, endpoint, body, opts)
		}
		return &transport.NetworkError{IsOffline: true, Err: errors.New("device is offline")}
	}

	resp, err := o.attempt(ctx, transport.Request{
		Endpoint:     endpoint,
		Method:       method,
		Body:         body,
		RequiresAuth: opts.RequiresAuth,
	})
	if err != nil {
		// The attempt itself may have revealed that we are offline.
		// A queueable mutation is recorded instead of dropped.
		var ne *transport.NetworkError
		if errors.As(err, &ne) && opts.Queueable && o.opts.Queue != nil && !o.online() {
			return o.enqueue(ctx, method, endpoint, body, opts)
		}
		return err
	}

	for _, typ := range opts.InvalidateTypes {
		if o.opts.Cache == nil {
			break
		}
		if err := o.opts.Cache.InvalidateType(ctx, typ); err != nil {
			o.opts.Logger.Warn("cache invalidation failed", zap.String("type", typ), zap.Error(err))
		}
	}
	return resp.Decode(dst)
}

func (o *Orchestrator) enqueue(ctx context.Context, method, endpoint string, body any, opts *MutateOpts) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation body, %w", err)
		}
		raw = b
	}
	req, err := o.opts.Queue.Enqueue(ctx, mutation_queue.QueuedRequest{
		Endpoint:     endpoint,
		Method:       method,
		Body:         raw,
		Type:         opts.QueueType,
		RequiresAuth: opts.RequiresAuth,
		Metadata:     opts.Metadata,
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("%w (id %s)", ErrOfflineQueued, req.ID)
}

// attempt runs the retry loop: up to MaxAttempts total attempts, retrying
// only transport-level failures and the retryable status whitelist, with
// exponential backoff and jitter between attempts. Anything else propagates
// immediately so an ambiguous partial success is never blindly replayed.
func (o *Orchestrator) attempt(ctx context.Context, req transport.Request) (*transport.Response, error) {
	var lastErr error
	for i := 1; ; i++ {
		resp, err := o.opts.Transport.Do(ctx, req)
		o.reportOutcome(err)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !transport.Retryable(err) || i >= o.opts.MaxAttempts {
			return nil, lastErr
		}

		delay := o.backoff(i)
		o.opts.Logger.Debug("retrying request",
			zap.String("endpoint", req.Endpoint), zap.Int("attempt", i),
			zap.Duration("delay", delay), zap.Error(err))
		if err := o.opts.Sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
}

// backoff returns the delay after the n-th failed attempt (1-based):
// base doubled per attempt, capped, with ±20% jitter.
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.opts.BackoffBase << (n - 1)
	if d > o.opts.BackoffCap || d <= 0 {
		d = o.opts.BackoffCap
	}
	f := 1 - backoffJitter + 2*backoffJitter*o.opts.Rand()
	return time.Duration(float64(d) * f)
}

func (o *Orchestrator) serveStale(ctx context.Context, dst any, opts *GetOpts) bool {
	info, ok := o.opts.Cache.GetStale(ctx, opts.CacheType, dst, opts.CacheID)
	if !ok {
		return false
	}
	o.opts.Logger.Info("serving stale cache",
		zap.String("type", opts.CacheType), zap.String("id", opts.CacheID),
		zap.Bool("is_stale", info.IsStale), zap.Time("cached_at", info.CachedAt))
	return true
}

// Transport exposes the underlying transport for collaborators (the sync
// controller hands it to the queue's processing pass).
func (o *Orchestrator) Transport() transport.Transport {
	return o.opts.Transport
}
