package syncengine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Transport
// ============================================================================

type readResult struct {
	data []byte
	err  error
}

type fakeTransport struct {
	reads chan readResult
	done  chan struct{}

	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	closed    bool
	closeCode CloseCode
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads: make(chan readResult, 64),
		done:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-t.reads:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.New("use of closed transport")
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close(code CloseCode, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeCode = code
		close(t.done)
	}
	return nil
}

func (t *fakeTransport) push(env Envelope) {
	data, _ := json.Marshal(env)
	t.reads <- readResult{data: data}
}

func (t *fakeTransport) pushRaw(data string) {
	t.reads <- readResult{data: []byte(data)}
}

func (t *fakeTransport) closeWith(code CloseCode) {
	t.reads <- readResult{err: &CloseError{Code: code, Reason: "test"}}
}

func (t *fakeTransport) frames() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, 0, len(t.written))
	for _, data := range t.written {
		var env Envelope
		_ = json.Unmarshal(data, &env)
		out = append(out, env)
	}
	return out
}

func (t *fakeTransport) framesOfType(typ string) []Envelope {
	var out []Envelope
	for _, env := range t.frames() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) isClosed() (bool, CloseCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

// ============================================================================
// Dialer
// ============================================================================

type fakeDialer struct {
	mu         sync.Mutex
	err        error
	writeErr   error
	headers    []http.Header
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header.Clone())
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	t.writeErr = d.writeErr
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.headers)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// ============================================================================
// Timers and clock
// ============================================================================

type fakeTimer struct {
	owner   *fakeTimers
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{owner: ft, d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// delays lists the durations of every timer armed so far.
func (ft *fakeTimers) delays() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]time.Duration, 0, len(ft.timers))
	for _, t := range ft.timers {
		out = append(out, t.d)
	}
	return out
}

// pending returns armed timers that neither fired nor were stopped.
func (ft *fakeTimers) pending() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (ft *fakeTimers) fire(t *fakeTimer) {
	ft.mu.Lock()
	if t.stopped || t.fired {
		ft.mu.Unlock()
		return
	}
	t.fired = true
	ft.mu.Unlock()
	t.f()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// Remote
// ============================================================================

type fakeRemote struct {
	mu      sync.Mutex
	calls   []QueuedOperation
	batches [][]string
	fail    map[string]error
	failAll error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{fail: make(map[string]error)}
}

func (r *fakeRemote) Send(_ context.Context, op QueuedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op)
	if r.failAll != nil {
		return r.failAll
	}
	return r.fail[op.ID]
}

func (r *fakeRemote) setFail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, id)
		return
	}
	r.fail[id] = err
}

func (r *fakeRemote) sentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for _, op := range r.calls {
		ids = append(ids, op.ID)
	}
	return ids
}

// fakeBatchRemote adds batch support to fakeRemote.
type fakeBatchRemote struct {
	*fakeRemote
}

func (r fakeBatchRemote) SendBatch(ctx context.Context, ops []QueuedOperation) ([]error, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	errs := make([]error, len(ops))
	for i, op := range ops {
		errs[i] = r.Send(ctx, op)
	}
	return errs, nil
}

// ============================================================================
// Helpers
// ============================================================================

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(_, new ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, new)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func testConfig() Config {
	return Config{
		URL:               "ws://example.test/ws",
		Enabled:           true,
		HeartbeatInterval: time.Hour,
		DrainInterval:     time.Millisecond,
		SyncInterval:      -1,
	}
}

type connFixture struct {
	conn    *Connection
	dialer  *fakeDialer
	timers  *fakeTimers
	clock   *fakeClock
	store   *MemoryStore
	network *StaticNetwork
	states  *stateRecorder
}

func newConnFixture(t *testing.T, cfg Config, opts ...Option) *connFixture {
	t.Helper()
	f := &connFixture{
		dialer:  &fakeDialer{},
		timers:  &fakeTimers{},
		clock:   newFakeClock(),
		store:   NewMemoryStore(),
		network: NewStaticNetwork(true),
		states:  &stateRecorder{},
	}
	all := append([]Option{
		WithDialer(f.dialer),
		WithStore(f.store),
		WithNetwork(f.network),
		WithClock(f.clock.Now),
		withAfterFunc(f.timers.afterFunc),
	}, opts...)
	conn, err := NewConnection(cfg, all...)
	require.NoError(t, err)
	conn.OnStateChange(f.states.record)
	f.conn = conn
	t.Cleanup(func() { _ = conn.Close() })
	return f
}

func (f *connFixture) currentGen() uint64 {
	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	return f.conn.gen
}
