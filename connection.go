package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// ============================================================================
// Close codes
// ============================================================================

// CloseCode is a WebSocket close status code.
type CloseCode int

const (
	CloseNormal           CloseCode = 1000
	CloseGoingAway        CloseCode = 1001
	CloseNoStatus         CloseCode = 1005
	CloseAbnormal         CloseCode = 1006
	ClosePolicyViolation  CloseCode = 1008
	CloseHeartbeatTimeout CloseCode = 4000
	CloseAuthRejected     CloseCode = 4001
	CloseForbidden        CloseCode = 4003
	CloseSessionReplaced  CloseCode = 4009
)

// defaultNoReconnectCodes are close codes after which the client must not retry.
var defaultNoReconnectCodes = []CloseCode{
	CloseNormal,
	CloseGoingAway,
	CloseNoStatus,
	ClosePolicyViolation,
	CloseAuthRejected,
	CloseForbidden,
	CloseSessionReplaced,
}

// ============================================================================
// Transport
// ============================================================================

// Transport is one open socket. Read returns *CloseError when the peer
// closed the socket with a status code.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code CloseCode, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	noReconnect map[CloseCode]struct{}
}

func newReconnector(cfg *Config) *reconnector {
	r := &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		noReconnect: make(map[CloseCode]struct{}),
	}
	for _, code := range defaultNoReconnectCodes {
		r.noReconnect[code] = struct{}{}
	}
	for _, code := range cfg.NoReconnectCodes {
		r.noReconnect[code] = struct{}{}
	}
	return r
}

func (r *reconnector) shouldReconnect(code CloseCode, attempts int) bool {
	if _, ok := r.noReconnect[code]; ok {
		return false
	}
	return attempts < r.maxAttempts
}

func (r *reconnector) delay(attempts int) time.Duration {
	return ReconnectDelay(attempts, r.baseDelay, r.maxDelay)
}

// ReconnectDelay is min(base * 2^(attempts-1), max). Attempts below 1 use base.
func ReconnectDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ============================================================================
// Connection
// ============================================================================

type outboundFrame struct {
	Frame    Envelope `json:"frame"`
	Attempts int      `json:"attempts"`
}

// Connection owns the single socket to the backend: handshake, heartbeat,
// reconnection and the outbound queue used while offline.
type Connection struct {
	cfg       *Config
	dialer    Dialer
	network   NetworkProvider
	tokens    TokenSource
	store     Store
	logger    *logger
	metrics   *metrics
	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
	recon     *reconnector

	mu                sync.Mutex
	state             ConnectionState
	enabled           bool
	closed            bool
	token             string
	transport         Transport
	gen               uint64
	cancelFn          context.CancelFunc
	reconnectAttempts int
	reconnectTimer    timer
	pendingPing       string
	pingSentAt        time.Time
	pongTimer         timer
	pongSeq           uint64
	latency           time.Duration
	outbound          []outboundFrame
	draining          bool

	persistMu sync.Mutex

	listenersMu    sync.RWMutex
	stateListeners []func(old, new ConnectionState)
	errorListeners []func(error)
	handlers       map[string]func(Envelope)
	inbound        func(channel string, env Envelope)
}

// NewConnection creates a disconnected Connection.
func NewConnection(cfg Config, opts ...Option) (*Connection, error) {
	cfg.defaults()
	o, err := resolveOptions(&cfg, opts)
	if err != nil {
		return nil, err
	}
	return newConnection(&cfg, o), nil
}

func newConnection(cfg *Config, o *options) *Connection {
	return &Connection{
		cfg:       cfg,
		dialer:    o.dialer,
		network:   o.network,
		tokens:    o.tokens,
		store:     o.store,
		logger:    o.logger,
		metrics:   o.metrics,
		now:       o.now,
		afterFunc: o.afterFunc,
		recon:     newReconnector(cfg),
		state:     StateDisconnected,
		enabled:   cfg.Enabled,
		handlers:  make(map[string]func(Envelope)),
	}
}

// OnStateChange registers a listener for state transitions.
func (c *Connection) OnStateChange(h func(old, new ConnectionState)) {
	c.listenersMu.Lock()
	c.stateListeners = append(c.stateListeners, h)
	c.listenersMu.Unlock()
}

// OnError registers a listener for transport errors.
func (c *Connection) OnError(h func(error)) {
	c.listenersMu.Lock()
	c.errorListeners = append(c.errorListeners, h)
	c.listenersMu.Unlock()
}

// RegisterHandler routes inbound frames of a non-standard type to h
// instead of channel delivery.
func (c *Connection) RegisterHandler(frameType string, h func(Envelope)) {
	c.listenersMu.Lock()
	c.handlers[frameType] = h
	c.listenersMu.Unlock()
}

func (c *Connection) setInbound(h func(channel string, env Envelope)) {
	c.listenersMu.Lock()
	c.inbound = h
	c.listenersMu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the last measured heartbeat round trip.
func (c *Connection) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// ReconnectAttempts returns the number of connect calls since the last successful open.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// ReconnectPending reports whether a reconnect is scheduled.
func (c *Connection) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

// QueuedFrames returns the number of frames parked in the outbound queue.
func (c *Connection) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// SetEnabled flips the realtime feature flag. Disabling cancels a pending reconnect.
func (c *Connection) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	if !enabled {
		c.stopReconnectLocked()
	}
	c.mu.Unlock()
}

// setStateLocked must be called with c.mu held. The returned function
// notifies listeners and must be called after unlocking.
func (c *Connection) setStateLocked(s ConnectionState) func() {
	old := c.state
	if old == s {
		return func() {}
	}
	c.state = s
	c.metrics.setState(s)
	return func() { c.notifyState(old, s) }
}

func (c *Connection) notifyState(old, new ConnectionState) {
	if c.logger.enabled(LogLevelDebug) {
		c.logger.log(newLogEntry(LogLevelDebug, "connection state changed", map[string]any{"from": old.String(), "to": new.String()}))
	}
	c.listenersMu.RLock()
	handlers := append([]func(ConnectionState, ConnectionState){}, c.stateListeners...)
	c.listenersMu.RUnlock()
	for _, h := range handlers {
		c.safeCall("state listener", func() { h(old, new) })
	}
}

func (c *Connection) emitError(err error) {
	c.logger.log(newLogEntry(LogLevelError, "transport error", map[string]any{"error": err.Error()}))
	c.listenersMu.RLock()
	handlers := append([]func(error){}, c.errorListeners...)
	c.listenersMu.RUnlock()
	for _, h := range handlers {
		c.safeCall("error listener", func() { h(err) })
	}
}

func (c *Connection) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.log(newLogEntry(LogLevelError, what+" panicked", map[string]any{"panic": fmt.Sprint(r)}))
		}
	}()
	fn()
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) stopPongLocked() {
	c.disarmPongLocked()
	c.pendingPing = ""
}

func (c *Connection) disarmPongLocked() {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Connection) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" || c.tokens == nil {
		return token, nil
	}
	return c.tokens.Token(ctx)
}

// Connect opens the socket. It is a no-op while connecting or connected.
// Every call that passes the feature-flag and connectivity guards counts
// as one reconnect attempt; a successful open resets the count.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if !c.enabled {
		c.mu.Unlock()
		return ErrDisabled
	}
	c.mu.Unlock()

	if !isOnline(ctx, c.network) {
		return ErrOffline
	}

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnectLocked()
	c.reconnectAttempts++
	c.gen++
	g := c.gen
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	header := http.Header{}
	token, err := c.currentToken(ctx)
	if err != nil {
		c.failConnect(g, fmt.Errorf("token: %w", err))
		return fmt.Errorf("token: %w", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	t, err := c.dialer.Dial(ctx, c.cfg.URL, header)
	if err != nil {
		c.failConnect(g, err)
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	if g != c.gen || c.closed {
		// Disconnect was called while dialing.
		c.mu.Unlock()
		_ = t.Close(CloseNormal, "client disconnect")
		return nil
	}
	c.transport = t
	c.reconnectAttempts = 0
	c.draining = len(c.outbound) > 0
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelFn = cancel
	notify = c.setStateLocked(StateConnected)
	draining := c.draining
	c.mu.Unlock()

	c.logger.log(newLogEntry(LogLevelInfo, "connected", map[string]any{"url": c.cfg.URL}))
	notify()

	go c.readLoop(loopCtx, g, t)
	go c.heartbeatLoop(loopCtx, g)
	if draining {
		go c.drain(loopCtx, g)
	}
	return nil
}

// failConnect moves a failed dial through error into the close path so the
// reconnection policy applies.
func (c *Connection) failConnect(g uint64, err error) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	notify := c.setStateLocked(StateError)
	c.mu.Unlock()
	notify()
	c.emitError(err)
	c.handleClose(g, CloseAbnormal, err.Error())
}

// Disconnect closes the socket with a normal closure and cancels the
// heartbeat and any scheduled reconnect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.stopReconnectLocked()
	c.stopPongLocked()
	c.gen++
	cancel := c.cancelFn
	c.cancelFn = nil
	t := c.transport
	c.transport = nil
	c.draining = false
	if t == nil {
		notify := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		notify()
		return nil
	}
	notify := c.setStateLocked(StateDisconnecting)
	c.mu.Unlock()
	notify()

	// The close frame must go out before the read loop's context is
	// cancelled; cancelling a pending read tears the socket down.
	err := t.Close(CloseNormal, "client disconnect")
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	notify = c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notify()
	return err
}

// Close disconnects and refuses further connects.
func (c *Connection) Close() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

// handleClose processes an unexpected close of generation g and applies the
// reconnection policy.
func (c *Connection) handleClose(g uint64, code CloseCode, reason string) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	cancel := c.cancelFn
	c.cancelFn = nil
	t := c.transport
	c.transport = nil
	c.draining = false
	c.stopPongLocked()
	notify := c.setStateLocked(StateDisconnected)

	attempts := c.reconnectAttempts
	var delay time.Duration
	scheduled := false
	if c.enabled && !c.closed && c.recon.shouldReconnect(code, attempts) && c.reconnectTimer == nil {
		delay = c.recon.delay(attempts)
		c.reconnectTimer = c.afterFunc(delay, c.reconnect)
		scheduled = true
	}
	c.mu.Unlock()

	if t != nil {
		_ = t.Close(CloseGoingAway, "connection lost")
	}
	if cancel != nil {
		cancel()
	}
	fields := map[string]any{"code": int(code), "reason": reason, "attempts": attempts}
	if scheduled {
		c.metrics.incReconnect()
		fields["delay"] = delay.String()
		c.logger.log(newLogEntry(LogLevelInfo, "connection closed, reconnect scheduled", fields))
	} else {
		c.logger.log(newLogEntry(LogLevelInfo, "connection closed", fields))
	}
	notify()
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	c.mu.Unlock()
	if err := c.Connect(context.Background()); err != nil {
		c.logger.log(newLogEntry(LogLevelDebug, "reconnect failed", map[string]any{"error": err.Error()}))
	}
}

// UpdateToken replaces the bearer credential and re-handshakes when connected.
func (c *Connection) UpdateToken(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	if err := c.Disconnect(); err != nil {
		c.logger.log(newLogEntry(LogLevelWarn, "close before re-handshake failed", map[string]any{"error": err.Error()}))
	}
	return c.Connect(ctx)
}

// HandleAppState couples the connection to foreground/background transitions.
// Background leaves the socket open so pushes keep arriving.
func (c *Connection) HandleAppState(ctx context.Context, s AppState) error {
	if s != AppForeground {
		return nil
	}
	if c.State() != StateDisconnected || !isOnline(ctx, c.network) {
		return nil
	}
	return c.Connect(ctx)
}

// ============================================================================
// Outbound
// ============================================================================

// Send transmits a frame when connected, otherwise parks it in the bounded
// outbound queue. Transport failures are reported to error listeners, not
// returned; the error result only covers frames that cannot be encoded.
func (c *Connection) Send(ctx context.Context, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	env := f.Envelope()

	c.mu.Lock()
	if c.state == StateConnected && c.transport != nil && !c.draining {
		t := c.transport
		c.mu.Unlock()
		if err := t.Write(ctx, data); err != nil {
			c.emitError(err)
			c.park(ctx, env)
			return nil
		}
		c.metrics.incFrameSent(env.Type)
		return nil
	}
	c.mu.Unlock()
	c.park(ctx, env)
	return nil
}

func (c *Connection) park(ctx context.Context, env Envelope) {
	c.mu.Lock()
	if len(c.outbound) >= c.cfg.MessageQueueSize {
		dropped := c.outbound[0]
		c.outbound = c.outbound[1:]
		c.metrics.incOutboundDropped("overflow")
		c.logger.log(newLogEntry(LogLevelWarn, "outbound queue full, oldest frame dropped", map[string]any{"type": dropped.Frame.Type, "channel": dropped.Frame.Channel}))
	}
	c.outbound = append(c.outbound, outboundFrame{Frame: env})
	c.mu.Unlock()
	c.metrics.incOutboundQueued()
	c.persistOutbound(ctx)
}

func (c *Connection) persistOutbound(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.mu.Lock()
	snapshot := make([]outboundFrame, len(c.outbound))
	copy(snapshot, c.outbound)
	c.mu.Unlock()
	data, err := json.Marshal(snapshot)
	if err == nil {
		err = c.store.Set(ctx, keyOutbound, string(data))
	}
	if err != nil {
		c.logger.log(newLogEntry(LogLevelError, "persist outbound queue", map[string]any{"error": err.Error()}))
	}
}

// Restore loads the outbound queue persisted by a previous process.
// Subscribe and unsubscribe frames are discarded: subscriptions belong to
// the callbacks of this process, which re-emit their own control frames.
func (c *Connection) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	v, ok, err := c.store.Get(ctx, keyOutbound)
	if err != nil {
		return fmt.Errorf("load outbound queue: %w", err)
	}
	if !ok || v == "" {
		return nil
	}
	var frames []outboundFrame
	if err := json.Unmarshal([]byte(v), &frames); err != nil {
		return fmt.Errorf("decode outbound queue: %w", err)
	}
	kept := frames[:0]
	for _, f := range frames {
		switch f.Frame.Type {
		case TypeSubscribe, TypeUnsubscribe:
			continue
		}
		kept = append(kept, f)
	}

	c.mu.Lock()
	merged := append(kept, c.outbound...)
	dropped := 0
	if over := len(merged) - c.cfg.MessageQueueSize; over > 0 {
		merged = merged[over:]
		dropped = over
	}
	c.outbound = merged
	c.mu.Unlock()
	for i := 0; i < dropped; i++ {
		c.metrics.incOutboundDropped("overflow")
	}
	if dropped > 0 || len(kept) != len(frames) {
		c.persistOutbound(ctx)
	}
	return nil
}

// drain replays parked frames in order, spaced by DrainInterval, before
// live traffic resumes.
func (c *Connection) drain(ctx context.Context, g uint64) {
	for {
		c.mu.Lock()
		if g != c.gen || c.transport == nil {
			c.mu.Unlock()
			return
		}
		if len(c.outbound) == 0 {
			c.draining = false
			c.mu.Unlock()
			c.persistOutbound(ctx)
			return
		}
		item := c.outbound[0]
		c.outbound = c.outbound[1:]
		t := c.transport
		c.mu.Unlock()

		data, err := json.Marshal(item.Frame)
		if err == nil {
			err = t.Write(ctx, data)
		}
		if err != nil {
			item.Attempts++
			if item.Attempts >= c.cfg.DrainMaxAttempts {
				c.metrics.incOutboundDropped("retries")
				c.logger.log(newLogEntry(LogLevelWarn, "dropping outbound frame after failed attempts", map[string]any{"type": item.Frame.Type, "attempts": item.Attempts, "error": err.Error()}))
			} else {
				c.mu.Lock()
				c.outbound = append([]outboundFrame{item}, c.outbound...)
				c.mu.Unlock()
			}
		} else {
			c.metrics.incFrameSent(item.Frame.Type)
		}
		c.persistOutbound(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.DrainInterval):
		}
	}
}

// writeLive writes straight to the socket, bypassing the outbound queue.
func (c *Connection) writeLive(ctx context.Context, g uint64, f Frame) error {
	c.mu.Lock()
	t := c.transport
	current := g == c.gen
	c.mu.Unlock()
	if t == nil || !current {
		return ErrNotConnected
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := t.Write(ctx, data); err != nil {
		return err
	}
	c.metrics.incFrameSent(f.Envelope().Type)
	return nil
}

// ============================================================================
// Inbound
// ============================================================================

func closeInfo(err error) (CloseCode, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return CloseAbnormal, err.Error()
}

func (c *Connection) readLoop(ctx context.Context, g uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code, reason := closeInfo(err)
			if code == CloseAbnormal {
				c.mu.Lock()
				current := g == c.gen
				notify := func() {}
				if current {
					notify = c.setStateLocked(StateError)
				}
				c.mu.Unlock()
				notify()
				if current {
					c.emitError(err)
				}
			}
			c.handleClose(g, code, reason)
			return
		}
		c.handleFrame(ctx, g, data)
	}
}

func (c *Connection) handleFrame(ctx context.Context, g uint64, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		c.metrics.incFrameReceived("invalid")
		c.logger.log(newLogEntry(LogLevelError, "dropping malformed frame", map[string]any{"error": err.Error(), "size": len(data)}))
		return
	}
	env := f.Envelope()
	c.metrics.incFrameReceived(env.Type)
	if c.logger.enabled(LogLevelTrace) {
		c.logger.log(newLogEntry(LogLevelTrace, "frame received", map[string]any{"type": env.Type, "channel": env.Channel}))
	}

	switch fr := f.(type) {
	case Pong:
		c.handlePong(fr)
	case Ping:
		if err := c.writeLive(ctx, g, Pong{ID: fr.ID, Timestamp: c.now().UnixMilli()}); err != nil {
			c.logger.log(newLogEntry(LogLevelDebug, "pong reply failed", map[string]any{"error": err.Error()}))
		}
	case Notification, Data:
		c.deliver(env.Channel, env)
	case ErrorFrame:
		c.deliver(env.Channel+":error", env)
	case Subscribe, Unsubscribe, Custom:
		c.listenersMu.RLock()
		h := c.handlers[env.Type]
		c.listenersMu.RUnlock()
		if h != nil {
			c.safeCall("frame handler "+env.Type, func() { h(env) })
			return
		}
		c.deliver(env.Channel, env)
	default:
		panic(fmt.Sprintf("syncengine: unhandled frame variant %T", f))
	}
}

func (c *Connection) deliver(channel string, env Envelope) {
	c.listenersMu.RLock()
	h := c.inbound
	c.listenersMu.RUnlock()
	if h == nil || channel == "" {
		c.logger.log(newLogEntry(LogLevelDebug, "frame without subscriber dropped", map[string]any{"type": env.Type, "channel": channel}))
		return
	}
	h(channel, env)
}

// ============================================================================
// Heartbeat
// ============================================================================

func (c *Connection) heartbeatLoop(ctx context.Context, g uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ping(ctx, g)
		}
	}
}

func (c *Connection) ping(ctx context.Context, g uint64) {
	id := uuid.NewString()
	now := c.now()
	c.mu.Lock()
	if g != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.pendingPing = id
	c.pingSentAt = now
	// The timer runs from the oldest ping not followed by any pong; later
	// pings leave it armed.
	if c.cfg.PongTimeout > 0 && c.pongTimer == nil {
		c.pongSeq++
		seq := c.pongSeq
		c.pongTimer = c.afterFunc(c.cfg.PongTimeout, func() { c.pongTimedOut(g, seq) })
	}
	c.mu.Unlock()

	if err := c.writeLive(ctx, g, Ping{ID: id, Timestamp: now.UnixMilli()}); err != nil {
		c.logger.log(newLogEntry(LogLevelDebug, "ping failed", map[string]any{"error": err.Error()}))
	}
}

func (c *Connection) handlePong(p Pong) {
	c.mu.Lock()
	if c.pendingPing == "" {
		c.mu.Unlock()
		return
	}
	if p.ID != "" && p.ID != c.pendingPing {
		// A late reply to an earlier ping still proves the socket is alive.
		c.disarmPongLocked()
		c.mu.Unlock()
		return
	}
	latency := c.now().Sub(c.pingSentAt)
	c.latency = latency
	c.stopPongLocked()
	c.mu.Unlock()
	c.metrics.observeLatency(latency)
}

// pongTimedOut treats a missing pong as a half-open socket.
func (c *Connection) pongTimedOut(g, seq uint64) {
	c.mu.Lock()
	if g != c.gen || c.pongTimer == nil || c.pongSeq != seq {
		c.mu.Unlock()
		return
	}
	c.pongTimer = nil
	c.mu.Unlock()
	c.logger.log(newLogEntry(LogLevelWarn, "pong not received, forcing reconnect", map[string]any{"timeout": c.cfg.PongTimeout.String()}))
	c.handleClose(g, CloseAbnormal, "heartbeat timeout")
}
