// Package syncengine keeps a client connected to its backend in real time
// and delivers state changes made while offline once connectivity returns.
//
// Usage:
//
//	engine, err := syncengine.New(syncengine.Config{
//		URL:     "wss://api.example.com/ws",
//		Enabled: true,
//	},
//		syncengine.WithTokenSource(syncengine.StaticToken(token)),
//		syncengine.WithRemote(syncengine.NewHTTPRemote("https://api.example.com/v1", syncengine.StaticToken(token))),
//	)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//	_ = engine.Start(ctx)
//
//	sub, _ := engine.Channels().Subscribe(ctx, "game:1", func(env syncengine.Envelope) {
//		fmt.Println(string(env.Data))
//	})
//	defer sub.Unsubscribe(ctx)
//
//	op, err := engine.Queue().Enqueue(ctx, syncengine.QueuedOperation{Kind: syncengine.KindUpdate, Target: "ratings/42"})
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Options
// ============================================================================

type options struct {
	store      Store
	network    NetworkProvider
	tokens     TokenSource
	remote     Remote
	dialer     Dialer
	logHandler LogHandler
	registerer prometheus.Registerer
	resolver   Resolver
	now        func() time.Time
	afterFunc  func(time.Duration, func()) timer

	logger  *logger
	metrics *metrics
}

type Option func(*options)

// WithStore sets the durable store. Values above Config.StoreChunkSize are chunked.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

func WithNetwork(p NetworkProvider) Option {
	return func(o *options) { o.network = p }
}

func WithTokenSource(t TokenSource) Option {
	return func(o *options) { o.tokens = t }
}

// WithRemote sets the remote write endpoint used by the queue.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = r }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogHandler(h LogHandler) Option {
	return func(o *options) { o.logHandler = h }
}

// WithRegisterer sets where metrics are registered. By default a private
// registry is used and nothing is exported.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithResolver sets the conflict resolver. The default is LastWriteWins.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func withAfterFunc(f func(time.Duration, func()) timer) Option {
	return func(o *options) { o.afterFunc = f }
}

func resolveOptions(cfg *Config, opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if cfg.StoreChunkSize > 0 {
		if _, ok := o.store.(*ChunkedStore); !ok {
			o.store = NewChunkedStore(o.store, cfg.StoreChunkSize)
		}
	}
	if o.dialer == nil {
		o.dialer = &WebSocketDialer{HTTPClient: cfg.HTTPClient}
	}
	if o.resolver == nil {
		o.resolver = LastWriteWins()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.afterFunc == nil {
		o.afterFunc = realAfterFunc
	}
	o.logger = newLogger(cfg.LogLevel, o.logHandler)
	m, err := initMetricsRegistry(o.registerer, cfg.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	o.metrics = m
	return o, nil
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the one Connection and the components layered on it.
type Engine struct {
	cfg     *Config
	opts    *options
	conn    *Connection
	chans   *Channels
	queue   *Queue
	status  *StatusCache
	network NetworkProvider
	logger  *logger

	mu       sync.Mutex
	restored bool
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	online   bool
}

// New wires an Engine. Nothing connects until Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.defaults()
	if cfg.URL == "" {
		return nil, errors.New("syncengine: config URL is required")
	}
	o, err := resolveOptions(&cfg, opts)
	if err != nil {
		return nil, err
	}
	conn := newConnection(&cfg, o)
	queue := newQueue(&cfg, conn, o)
	status, err := newStatusCache(&cfg, queue, o)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     &cfg,
		opts:    o,
		conn:    conn,
		chans:   NewChannels(conn),
		queue:   queue,
		status:  status,
		network: o.network,
		logger:  o.logger,
	}
	conn.OnStateChange(e.onStateChange)
	return e, nil
}

func (e *Engine) Connection() *Connection { return e.conn }

func (e *Engine) Channels() *Channels { return e.chans }

func (e *Engine) Queue() *Queue { return e.queue }

func (e *Engine) Status() *StatusCache { return e.status }

// Store returns the durable store in use, wrapped for chunking when enabled.
func (e *Engine) Store() Store { return e.opts.store }

// Restore loads persisted state without starting any background work. Only
// the first call has an effect.
func (e *Engine) Restore(ctx context.Context) error {
	e.mu.Lock()
	if e.restored {
		e.mu.Unlock()
		return nil
	}
	e.restored = true
	e.mu.Unlock()
	if err := e.queue.Restore(ctx); err != nil {
		return err
	}
	if err := e.conn.Restore(ctx); err != nil {
		return err
	}
	return e.status.Restore(ctx)
}

// Start restores persisted state, starts the periodic sync, network poller
// and status sweep, then connects if the network is up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.Restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.online = isOnline(ctx, e.network)
	online := e.online
	e.mu.Unlock()

	if e.cfg.SyncInterval > 0 {
		e.goRun(func() { e.syncLoop(runCtx) })
	}
	if e.network != nil && e.cfg.NetworkPollInterval > 0 {
		e.goRun(func() { e.pollNetwork(runCtx) })
	}
	e.goRun(func() { e.status.runSweeper(runCtx) })

	if online {
		if err := e.conn.Connect(ctx); err != nil && !errors.Is(err, ErrDisabled) {
			e.logger.log(newLogEntry(LogLevelWarn, "initial connect failed", map[string]any{"error": err.Error()}))
		}
	}
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Close stops every background loop and disconnects.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	err := e.conn.Close()
	e.status.Close()
	return err
}

// HandleAppState forwards foreground/background transitions to the connection.
func (e *Engine) HandleAppState(ctx context.Context, s AppState) error {
	return e.conn.HandleAppState(ctx, s)
}

// StartSync runs one sync pass now, regardless of Pause.
func (e *Engine) StartSync(ctx context.Context) (SyncResult, error) {
	return e.queue.StartSync(ctx)
}

func (e *Engine) onStateChange(old, new ConnectionState) {
	if new != StateConnected || old == StateConnected {
		return
	}
	e.mu.Lock()
	running := e.cancel != nil
	e.mu.Unlock()
	if running {
		go e.queue.autoSync(context.Background(), "reconnect")
	}
}

func (e *Engine) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.queue.autoSync(ctx, "timer")
		}
	}
}

// pollNetwork watches for offline to online edges, which reconnect the
// socket and trigger a sync pass.
func (e *Engine) pollNetwork(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.NetworkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkNetwork(ctx)
		}
	}
}

func (e *Engine) checkNetwork(ctx context.Context) {
	online := isOnline(ctx, e.network)
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()
	if online == was {
		return
	}
	e.logger.log(newLogEntry(LogLevelInfo, "network state changed", map[string]any{"online": online}))
	if !online {
		return
	}
	if e.conn.State() == StateDisconnected {
		if err := e.conn.Connect(ctx); err != nil && !errors.Is(err, ErrDisabled) {
			e.logger.log(newLogEntry(LogLevelWarn, "connect after network change failed", map[string]any{"error": err.Error()}))
		}
	}
	e.queue.autoSync(ctx, "network")
}
