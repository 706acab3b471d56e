// Package netmon tracks the device's online/offline state. The probe is a
// hint only: the authoritative signal is the outcome of the most recent
// attempted request, which the orchestrator reports back into the monitor.
package netmon

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// Probe answers a point-in-time connectivity question. It may be a stub
// that always reports true; real failures are detected reactively.
type Probe interface {
	IsOnline(ctx context.Context) bool
}

// AlwaysOnline is the stub probe used when the host app provides no
// platform connectivity signal.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline(context.Context) bool { return true }

// Monitor holds the current connectivity belief and notifies subscribers of
// transitions.
type Monitor struct {
	logger *zap.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewMonitor creates a Monitor seeded from probe (nil probe means online).
func NewMonitor(probe Probe, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = nopLogger
	}
	online := true
	if probe != nil {
		online = probe.IsOnline(context.Background())
	}
	return &Monitor{logger: logger, online: online}
}

// Online returns the current belief.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation. Subscribers are notified
// only on transitions. Sends never block; a slow subscriber misses
// intermediate flips, which is fine because only the latest state matters.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel receiving transition notifications. The
// channel has a small buffer and is never closed.
func (m *Monitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 4)
	m.subs = append(m.subs, ch)
	return ch
}
