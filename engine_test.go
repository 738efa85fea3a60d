package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *Engine
	dialer   *fakeDialer
	remote   *fakeRemote
	network  *StaticNetwork
	store    *MemoryStore
	registry *prometheus.Registry
}

func newEngineFixture(t *testing.T, online bool, store *MemoryStore) *engineFixture {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	f := &engineFixture{
		dialer:   &fakeDialer{},
		remote:   newFakeRemote(),
		network:  NewStaticNetwork(online),
		store:    store,
		registry: prometheus.NewRegistry(),
	}
	cfg := testConfig()
	cfg.NetworkPollInterval = time.Hour
	e, err := New(cfg,
		WithDialer(f.dialer),
		WithRemote(f.remote),
		WithNetwork(f.network),
		WithStore(f.store),
		WithRegisterer(f.registry),
		WithTokenSource(StaticToken("tok")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	f.engine = e
	return f
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{Enabled: true})
	require.Error(t, err)
}

func TestEngineStartConnectsWhenOnline(t *testing.T) {
	f := newEngineFixture(t, true, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))
	require.Equal(t, StateConnected, f.engine.Connection().State())
	require.Equal(t, "Bearer tok", f.dialer.header(0).Get("Authorization"))

	// A second Start is a no-op.
	require.NoError(t, f.engine.Start(ctx))
	require.Equal(t, 1, f.dialer.dials())
}

func TestEngineStaysOfflineUntilNetworkReturns(t *testing.T) {
	f := newEngineFixture(t, false, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))
	require.Equal(t, StateDisconnected, f.engine.Connection().State())
	require.Zero(t, f.dialer.dials())

	_, err := f.engine.Queue().Enqueue(ctx, QueuedOperation{ID: "op", Target: "ratings/1"})
	require.NoError(t, err)
	res, err := f.engine.StartSync(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Successful+res.Failed)

	f.network.SetOnline(true)
	f.engine.checkNetwork(ctx)

	require.Eventually(t, func() bool {
		e, err := f.engine.Status().Get(ctx, "op")
		return err == nil && e.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnected, f.engine.Connection().State())
	require.Equal(t, []string{"op"}, f.remote.sentIDs())
	require.Zero(t, f.engine.Queue().Len())
}

func TestEngineSyncsAfterReconnect(t *testing.T) {
	f := newEngineFixture(t, true, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	_, err := f.engine.Queue().Enqueue(ctx, QueuedOperation{ID: "op", Target: "ratings/1"})
	require.NoError(t, err)

	// Drop the socket and reconnect by hand; the reconnect triggers a pass.
	require.NoError(t, f.engine.Connection().Disconnect())
	require.NoError(t, f.engine.Connection().Connect(ctx))

	require.Eventually(t, func() bool {
		return len(f.remote.sentIDs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngineRestoresPersistedState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newEngineFixture(t, false, store)
	require.NoError(t, first.engine.Start(ctx))
	_, err := first.engine.Queue().Enqueue(ctx, QueuedOperation{ID: "op", Target: "ratings/1", Priority: PriorityHigh})
	require.NoError(t, err)
	require.NoError(t, first.engine.Connection().Send(ctx, Subscribe{Channel: "lobby"}))
	require.NoError(t, first.engine.Close())

	second := newEngineFixture(t, false, store)
	require.NoError(t, second.engine.Start(ctx))
	require.Equal(t, 1, second.engine.Queue().Len())
	require.Equal(t, 1, second.engine.Connection().QueuedFrames())

	e, err := second.engine.Status().Get(ctx, "op")
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)
}

func TestEngineExportsMetrics(t *testing.T) {
	f := newEngineFixture(t, true, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))
	_, err := f.engine.Queue().Enqueue(ctx, QueuedOperation{ID: "op", Target: "ratings/1"})
	require.NoError(t, err)
	m := f.engine.opts.metrics
	// The pass triggered by the initial connect may still be running.
	require.Eventually(t, func() bool {
		_, _ = f.engine.StartSync(ctx)
		return testutil.ToFloat64(m.syncOperations.WithLabelValues("success")) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, float64(StateConnected), testutil.ToFloat64(m.connectionState))
	require.Zero(t, testutil.ToFloat64(m.queueDepth))

	n, err := testutil.GatherAndCount(f.registry, "syncengine_queue_sync_operations_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEngineSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	_, err := New(cfg, WithRegisterer(reg), WithDialer(&fakeDialer{}))
	require.NoError(t, err)
	_, err = New(cfg, WithRegisterer(reg), WithDialer(&fakeDialer{}))
	require.NoError(t, err)
}

func TestEngineLogsThroughHandler(t *testing.T) {
	var mu sync.Mutex
	var entries []LogEntry
	cfg := testConfig()
	cfg.LogLevel = LogLevelInfo
	dialer := &fakeDialer{}
	dialer.setErr(context.DeadlineExceeded)
	e, err := New(cfg,
		WithDialer(dialer),
		withAfterFunc((&fakeTimers{}).afterFunc),
		WithLogHandler(func(entry LogEntry) {
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	var warned bool
	for _, entry := range entries {
		require.GreaterOrEqual(t, entry.Level, LogLevelInfo)
		if entry.Message == "initial connect failed" {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestParseLogLevel(t *testing.T) {
	for _, l := range []LogLevel{LogLevelNone, LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError} {
		require.Equal(t, l, ParseLogLevel(LogLevelToString(l)))
	}
	require.Equal(t, LogLevelInfo, ParseLogLevel("loud"))
}
