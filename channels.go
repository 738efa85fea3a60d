package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler receives frames delivered to a channel.
type Handler func(Envelope)

type subscriber struct {
	id uint64
	h  Handler
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	channels *Channels
	channel  string
	id       uint64
	once     sync.Once
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe removes the callback. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() { err = s.channels.unsubscribe(ctx, s.channel, s.id) })
	return err
}

// Channels multiplexes named channels over one Connection.
type Channels struct {
	conn   *Connection
	logger *logger

	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID uint64
	// stale holds channels that were subscribed server-side when the socket
	// dropped; they are resubscribed on the next open.
	stale map[string]struct{}
}

// NewChannels attaches a multiplexer to conn. A Connection supports one multiplexer.
func NewChannels(conn *Connection) *Channels {
	c := &Channels{
		conn:   conn,
		logger: conn.logger,
		subs:   make(map[string][]subscriber),
		stale:  make(map[string]struct{}),
	}
	conn.setInbound(c.deliver)
	conn.OnStateChange(c.onStateChange)
	return c
}

// Subscribe registers h under channel. The first callback for a channel
// emits a subscribe frame; while disconnected the frame waits in the
// connection's outbound queue.
func (c *Channels) Subscribe(ctx context.Context, channel string, h Handler) (*Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("subscribe: empty channel")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", channel)
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.subs[channel]) == 0
	c.subs[channel] = append(c.subs[channel], subscriber{id: id, h: h})
	c.mu.Unlock()

	sub := &Subscription{channels: c, channel: channel, id: id}
	if first {
		if err := c.conn.Send(ctx, Subscribe{Channel: channel}); err != nil {
			_ = c.unsubscribe(ctx, channel, id)
			return nil, err
		}
	}
	return sub, nil
}

func (c *Channels) unsubscribe(ctx context.Context, channel string, id uint64) error {
	c.mu.Lock()
	list := c.subs[channel]
	idx := -1
	for i, s := range list {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return nil
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	last := len(list) == 0
	if last {
		delete(c.subs, channel)
		delete(c.stale, channel)
	} else {
		c.subs[channel] = list
	}
	c.mu.Unlock()

	if last {
		return c.conn.Send(ctx, Unsubscribe{Channel: channel})
	}
	return nil
}

// Active returns the channels with at least one callback, sorted.
func (c *Channels) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of callbacks registered for channel.
func (c *Channels) Subscribers(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[channel])
}

// deliver invokes every callback of channel in registration order. A
// panicking callback is logged and does not stop delivery.
func (c *Channels) deliver(channel string, env Envelope) {
	c.mu.Lock()
	list := append([]subscriber(nil), c.subs[channel]...)
	c.mu.Unlock()
	if len(list) == 0 {
		c.logger.log(newLogEntry(LogLevelDebug, "no subscribers for channel", map[string]any{"channel": channel, "type": env.Type}))
		return
	}
	for _, s := range list {
		c.call(channel, s.h, env)
	}
}

func (c *Channels) call(channel string, h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.log(newLogEntry(LogLevelError, "channel callback panicked", map[string]any{"channel": channel, "panic": fmt.Sprint(r)}))
		}
	}()
	h(env)
}

func (c *Channels) onStateChange(old, new ConnectionState) {
	switch {
	case old == StateConnected && new != StateConnected:
		c.mu.Lock()
		for ch := range c.subs {
			c.stale[ch] = struct{}{}
		}
		c.mu.Unlock()
	case new == StateConnected:
		c.mu.Lock()
		channels := make([]string, 0, len(c.stale))
		for ch := range c.stale {
			if len(c.subs[ch]) > 0 {
				channels = append(channels, ch)
			}
		}
		c.stale = make(map[string]struct{})
		c.mu.Unlock()
		sort.Strings(channels)
		for _, ch := range channels {
			if err := c.conn.Send(context.Background(), Subscribe{Channel: ch}); err != nil {
				c.logger.log(newLogEntry(LogLevelError, "resubscribe failed", map[string]any{"channel": ch, "error": err.Error()}))
			}
		}
	}
}
