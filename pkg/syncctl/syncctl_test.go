package syncctl

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/getlockinnn/proven-sync/pkg/kvstore/mem_store"
	"github.com/getlockinnn/proven-sync/pkg/mutation_queue"
	"github.com/getlockinnn/proven-sync/pkg/netmon"
	"github.com/getlockinnn/proven-sync/pkg/orchestrator"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []transport.Request
	gate  chan struct{}
}

func (t *fakeTransport) Do(_ context.Context, req transport.Request) (*transport.Response, error) {
	if t.gate != nil {
		<-t.gate
	}
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	return &transport.Response{Status: 200}, nil
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type offlineProbe struct{}

func (offlineProbe) IsOnline(context.Context) bool { return false }

type env struct {
	tr      *fakeTransport
	queue   *mutation_queue.Queue
	monitor *netmon.Monitor
	orch    *orchestrator.Orchestrator
	ctl     *Controller
}

func newEnv(t *testing.T, opts Opts) *env {
	t.Helper()
	e := &env{tr: &fakeTransport{}}

	var err error
	e.queue, err = mutation_queue.NewQueue(mutation_queue.Opts{Store: mem_store.NewMemStore()})
	require.NoError(t, err)
	e.monitor = netmon.NewMonitor(offlineProbe{}, nil)

	e.orch, err = orchestrator.NewOrchestrator(orchestrator.Opts{
		Transport: e.tr,
		Queue:     e.queue,
		Monitor:   e.monitor,
	})
	require.NoError(t, err)

	opts.Queue = e.queue
	opts.Orchestrator = e.orch
	opts.Monitor = e.monitor
	e.ctl, err = NewController(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.ctl.Close() })
	return e
}

func (e *env) enqueue(t *testing.T, endpoint string) {
	t.Helper()
	_, err := e.queue.Enqueue(context.Background(), mutation_queue.QueuedRequest{
		Endpoint: endpoint,
		Method:   "POST",
	})
	require.NoError(t, err)
}

func TestTriggerSyncDrainsQueue(t *testing.T) {
	e := newEnv(t, Opts{})
	ctx := context.Background()

	e.enqueue(t, "/api/checkins")
	require.NoError(t, e.ctl.TriggerSync(ctx))

	require.Equal(t, 1, e.tr.callCount())
	require.Equal(t, "/api/checkins", e.tr.calls[0].Endpoint)
	require.Equal(t, 0, e.queue.Status(ctx).PendingCount)
	require.Equal(t, 0, e.ctl.PendingCount())
	require.False(t, e.ctl.LastSyncedAt().IsZero())
}

func TestTriggerSyncCollapsesConcurrentCalls(t *testing.T) {
	e := newEnv(t, Opts{})
	e.tr.gate = make(chan struct{})
	ctx := context.Background()

	e.enqueue(t, "/api/checkins")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.ctl.TriggerSync(ctx)
	}()
	for !e.ctl.IsSyncing() {
		time.Sleep(time.Millisecond)
	}

	// A second trigger while a pass is in flight is a no-op.
	require.NoError(t, e.ctl.TriggerSync(ctx))
	close(e.tr.gate)
	wg.Wait()

	require.Equal(t, 1, e.tr.callCount())
	require.False(t, e.ctl.IsSyncing())
}

func TestReconnectTriggersDebouncedPass(t *testing.T) {
	e := newEnv(t, Opts{
		Debounce:        time.Millisecond * 30,
		RefreshInterval: time.Hour,
	})
	e.enqueue(t, "/api/checkins")
	e.ctl.Start()

	e.monitor.SetOnline(true)
	require.Eventually(t, func() bool { return e.tr.callCount() == 1 },
		time.Second, time.Millisecond*5)
	require.Equal(t, 0, e.queue.Status(context.Background()).PendingCount)
}

func TestFlappingConnectionResetsDebounce(t *testing.T) {
	e := newEnv(t, Opts{
		Debounce:        time.Millisecond * 60,
		RefreshInterval: time.Hour,
		AutoPassLimit:   rate.NewLimiter(rate.Inf, 1),
	})
	e.enqueue(t, "/api/checkins")
	e.ctl.Start()

	// Going offline inside the debounce window cancels the pending pass.
	e.monitor.SetOnline(true)
	time.Sleep(time.Millisecond * 20)
	e.monitor.SetOnline(false)
	time.Sleep(time.Millisecond * 100)
	require.Equal(t, 0, e.tr.callCount())

	// A reconnect that stabilizes fires exactly one pass.
	e.monitor.SetOnline(true)
	require.Eventually(t, func() bool { return e.tr.callCount() == 1 },
		time.Second, time.Millisecond*5)
}

func TestQueuedMutationReplaysOriginalBody(t *testing.T) {
	e := newEnv(t, Opts{})
	ctx := context.Background()

	// Offline: the mutation is accepted and queued, not sent.
	err := e.orch.Post(ctx, "/api/checkins", map[string]string{"userChallengeId": "uc1"}, nil,
		&orchestrator.MutateOpts{Queueable: true})
	require.ErrorIs(t, err, orchestrator.ErrOfflineQueued)
	require.Equal(t, 0, e.tr.callCount())

	// Back online, one pass replays it exactly once with the original
	// body.
	e.monitor.SetOnline(true)
	require.NoError(t, e.ctl.TriggerSync(ctx))
	require.Equal(t, 1, e.tr.callCount())
	call := e.tr.calls[0]
	require.Equal(t, "/api/checkins", call.Endpoint)
	require.Equal(t, "POST", call.Method)
	body, ok := call.Body.(json.RawMessage)
	require.True(t, ok)
	require.JSONEq(t, `{"userChallengeId":"uc1"}`, string(body))
	require.Equal(t, 0, e.queue.Status(ctx).PendingCount)
}

func TestRefreshStatusCountsWithoutSyncing(t *testing.T) {
	e := newEnv(t, Opts{})
	ctx := context.Background()

	e.enqueue(t, "/api/a")
	e.enqueue(t, "/api/b")
	e.ctl.RefreshStatus(ctx)

	require.Equal(t, 2, e.ctl.PendingCount())
	require.Equal(t, 0, e.tr.callCount())
}
