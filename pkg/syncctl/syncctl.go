// Package syncctl drives sync passes: draining the mutation queue and
// retrying pending proofs whenever connectivity returns or a caller asks.
// The controller exclusively owns the "pass in flight" state; overlapping
// triggers collapse into one pass.
package syncctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/getlockinnn/proven-sync/pkg/mutation_queue"
	"github.com/getlockinnn/proven-sync/pkg/netmon"
	"github.com/getlockinnn/proven-sync/pkg/orchestrator"
	"github.com/getlockinnn/proven-sync/pkg/proof"
	"github.com/getlockinnn/proven-sync/pkg/safe_close"
)

var nopLogger = zap.NewNop()

const (
	// DefaultDebounce lets a reconnect stabilize before syncing.
	DefaultDebounce = time.Second * 2
	// DefaultRefreshInterval recomputes pending counts without forcing
	// a pass.
	DefaultRefreshInterval = time.Second * 30
	// autoPassBurst bounds how often flapping connectivity may fire
	// automatic passes: one per DefaultDebounce*2 on average.
	autoPassBurst = 1
)

type Opts struct {
	// Queue cannot be nil.
	Queue *mutation_queue.Queue

	// Orchestrator cannot be nil; its transport processes the queue.
	Orchestrator *orchestrator.Orchestrator

	// Proofs is the upload pipeline swept after the queue. Optional.
	Proofs *proof.Pipeline

	// Monitor feeds reconnect triggers. Optional; without it only
	// manual and periodic triggers exist.
	Monitor *netmon.Monitor

	// Debounce and RefreshInterval default to the constants above.
	Debounce        time.Duration
	RefreshInterval time.Duration

	// AutoPassLimit paces automatic (reconnect-driven) passes. Default
	// allows one pass per 2*Debounce.
	AutoPassLimit *rate.Limiter

	// Logger is optional.
	Logger *zap.Logger

	// TimeNow is the clock. Defaults to time.Now.
	TimeNow func() time.Time
}

func (opts *Opts) Init() error {
	if opts.Queue == nil {
		return errors.New("nil queue")
	}
	if opts.Orchestrator == nil {
		return errors.New("nil orchestrator")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.AutoPassLimit == nil {
		opts.AutoPassLimit = rate.NewLimiter(rate.Every(opts.Debounce*2), autoPassBurst)
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	return nil
}

type Controller struct {
	opts Opts
	sc   *safe_close.SafeClose

	mu           sync.Mutex
	syncing      bool
	lastSyncedAt time.Time
	pendingCount int

	passes prometheus.Counter
}

func NewController(opts Opts) (*Controller, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Controller{
		opts: opts,
		sc:   safe_close.NewSafeClose(),
	}, nil
}

// WithMetrics registers a sync-pass counter on reg.
func (c *Controller) WithMetrics(reg prometheus.Registerer) *Controller {
	c.passes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proven_sync_passes_total",
		Help: "Completed sync passes.",
	})
	reg.MustRegister(c.passes)
	return c
}

// Start launches the background triggers: the reconnect watcher and the
// periodic status refresh. Close stops them.
func (c *Controller) Start() {
	if c.opts.Monitor != nil {
		transitions := c.opts.Monitor.Subscribe()
		c.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			c.watchReconnect(transitions, closeSignal)
		})
	}

	c.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		ticker := time.NewTicker(c.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-closeSignal:
				return
			case <-ticker.C:
				c.RefreshStatus(context.Background())
			}
		}
	})
}

// watchReconnect debounces offline->online transitions and fires one pass
// per stabilized reconnect. Another flap within the debounce window resets
// the timer.
func (c *Controller) watchReconnect(transitions <-chan bool, closeSignal <-chan struct{}) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-closeSignal:
			if timer != nil {
				timer.Stop()
			}
			return
		case online := <-transitions:
			if !online {
				if timer != nil {
					timer.Stop()
					fire = nil
				}
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.opts.Debounce)
			} else {
				timer.Stop()
				timer.Reset(c.opts.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if !c.opts.AutoPassLimit.Allow() {
				c.opts.Logger.Debug("automatic sync pass rate-limited")
				continue
			}
			if err := c.TriggerSync(context.Background()); err != nil {
				c.opts.Logger.Warn("automatic sync pass failed", zap.Error(err))
			}
		}
	}
}

// TriggerSync runs one sync pass: drain the mutation queue, then sweep
// pending proofs, then record the pass time. A call while a pass is
// already in flight is a no-op.
func (c *Controller) TriggerSync(ctx context.Context) error {
	c.mu.Lock()
	if c.syncing {
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		c.lastSyncedAt = c.opts.TimeNow()
		c.mu.Unlock()
		if c.passes != nil {
			c.passes.Inc()
		}
	}()

	qres, err := c.opts.Queue.Process(ctx, c.opts.Orchestrator.Transport())
	if err != nil {
		return err
	}

	var pres proof.RetryResult
	if c.opts.Proofs != nil {
		pres = c.opts.Proofs.RetryAll(ctx)
	}

	c.RefreshStatus(ctx)
	c.opts.Logger.Info("sync pass finished",
		zap.Int("mutations_succeeded", qres.Succeeded),
		zap.Int("mutations_dropped", qres.Dropped),
		zap.Int("mutations_retried", qres.Retried),
		zap.Int("proofs_uploaded", pres.Success),
		zap.Int("proofs_failed", pres.Failed))
	return nil
}

// RefreshStatus recomputes the aggregate pending count without forcing a
// pass.
func (c *Controller) RefreshStatus(ctx context.Context) {
	count := c.opts.Queue.Status(ctx).PendingCount
	if c.opts.Proofs != nil {
		count += c.opts.Proofs.PendingCount(ctx)
	}
	c.mu.Lock()
	c.pendingCount = count
	c.mu.Unlock()
}

// PendingCount is the queue's pending entries plus pending proofs, as of
// the last refresh or pass.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCount
}

// IsSyncing reports whether a pass is in flight.
func (c *Controller) IsSyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// LastSyncedAt is the completion time of the most recent pass.
func (c *Controller) LastSyncedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncedAt
}

// Close stops the background triggers and waits for them to exit.
func (c *Controller) Close() error {
	c.sc.CloseWait()
	return nil
}
