package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/singleflight"
)

// StatusTTL returns how long an entry with status s stays fresh.
func StatusTTL(s QueueStatus) time.Duration {
	switch {
	case s.Terminal():
		return 5 * time.Minute
	case s == StatusProcessing:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

type indexEntry struct {
	Status   QueueStatus `json:"status"`
	CachedAt time.Time   `json:"cachedAt"`
}

// StatusCache answers status lookups from memory, the durable store, the
// local queue and finally the remote, in that order.
type StatusCache struct {
	cfg     *Config
	store   Store
	queue   *Queue
	fetcher StatusFetcher
	logger  *logger
	metrics *metrics
	now     func() time.Time

	hot   otter.CacheWithVariableTTL[string, StatusEntry]
	group singleflight.Group

	mu        sync.Mutex
	index     map[string]indexEntry
	persistMu sync.Mutex
}

// NewStatusCache creates a cache backed by queue. The remote fallback is
// used when the configured Remote implements StatusFetcher.
func NewStatusCache(cfg Config, queue *Queue, opts ...Option) (*StatusCache, error) {
	cfg.defaults()
	o, err := resolveOptions(&cfg, opts)
	if err != nil {
		return nil, err
	}
	return newStatusCache(&cfg, queue, o)
}

func newStatusCache(cfg *Config, queue *Queue, o *options) (*StatusCache, error) {
	hot, err := otter.MustBuilder[string, StatusEntry](cfg.StatusCacheCapacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build status cache: %w", err)
	}
	c := &StatusCache{
		cfg:     cfg,
		store:   o.store,
		queue:   queue,
		logger:  o.logger,
		metrics: o.metrics,
		now:     o.now,
		hot:     hot,
		index:   make(map[string]indexEntry),
	}
	if f, ok := o.remote.(StatusFetcher); ok {
		c.fetcher = f
	}
	if queue != nil {
		queue.setStatusObserver(c.record)
	}
	return c, nil
}

func (c *StatusCache) expired(e StatusEntry, now time.Time) bool {
	return now.Sub(e.CachedAt) > StatusTTL(e.Status)
}

// Get returns the status of operation id.
func (c *StatusCache) Get(ctx context.Context, id string) (StatusEntry, error) {
	now := c.now()
	if e, ok := c.hot.Get(id); ok {
		if !c.expired(e, now) {
			c.metrics.incStatusRequest("memory")
			return e, nil
		}
		c.hot.Delete(id)
	}

	if e, ok, err := c.load(ctx, id); err != nil {
		c.logger.log(newLogEntry(LogLevelError, "load cached status", map[string]any{"id": id, "error": err.Error()}))
	} else if ok {
		if !c.expired(e, now) {
			c.setHot(e, now)
			c.metrics.incStatusRequest("store")
			return e, nil
		}
		c.evict(ctx, id)
	}

	if e, ok := c.fromQueue(id, now); ok {
		c.put(ctx, e)
		c.metrics.incStatusRequest("queue")
		return e, nil
	}

	if c.fetcher == nil {
		c.metrics.incStatusRequest("miss")
		return StatusEntry{}, fmt.Errorf("status %s: %w", id, ErrNotFound)
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.fetcher.FetchStatus(ctx, id)
	})
	if err != nil {
		c.metrics.incStatusRequest("miss")
		return StatusEntry{}, err
	}
	e := v.(StatusEntry)
	e.QueueID = id
	e.CachedAt = c.now()
	c.put(ctx, e)
	c.metrics.incStatusRequest("remote")
	return e, nil
}

// fromQueue synthesizes an entry for an operation that is still queued,
// with a naive ETA of position times the average processing time.
func (c *StatusCache) fromQueue(id string, now time.Time) (StatusEntry, bool) {
	if c.queue == nil {
		return StatusEntry{}, false
	}
	op, ok := c.queue.Get(id)
	if !ok {
		return StatusEntry{}, false
	}
	pos, total, ok := c.queue.Position(id)
	if !ok {
		return StatusEntry{}, false
	}
	status := StatusPending
	switch {
	case op.InFlight:
		status = StatusProcessing
	case op.RetryCount > 0:
		status = StatusRetrying
	}
	eta := int((time.Duration(pos) * c.cfg.AverageProcessingTime).Seconds())
	return StatusEntry{
		QueueID:              id,
		Status:               status,
		Position:             &pos,
		TotalItems:           total,
		EstimatedTimeSeconds: &eta,
		Reason:               op.LastError,
		CachedAt:             now,
	}, true
}

// Put caches e. A zero CachedAt is stamped with the current time; entries
// that are already stale are not cached.
func (c *StatusCache) Put(ctx context.Context, e StatusEntry) {
	if e.CachedAt.IsZero() {
		e.CachedAt = c.now()
	}
	c.put(ctx, e)
}

func (c *StatusCache) put(ctx context.Context, e StatusEntry) {
	now := c.now()
	if c.expired(e, now) {
		return
	}
	c.setHot(e, now)
	c.mu.Lock()
	c.index[e.QueueID] = indexEntry{Status: e.Status, CachedAt: e.CachedAt}
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	data, err := json.Marshal(e)
	if err == nil {
		err = c.store.Set(ctx, keyStatus+e.QueueID, string(data))
	}
	if err != nil {
		c.logger.log(newLogEntry(LogLevelError, "persist status", map[string]any{"id": e.QueueID, "error": err.Error()}))
		return
	}
	c.persistIndex(ctx)
}

func (c *StatusCache) setHot(e StatusEntry, now time.Time) {
	ttl := StatusTTL(e.Status) - now.Sub(e.CachedAt)
	if ttl > 0 {
		c.hot.Set(e.QueueID, e, ttl)
	}
}

func (c *StatusCache) load(ctx context.Context, id string) (StatusEntry, bool, error) {
	if c.store == nil {
		return StatusEntry{}, false, nil
	}
	v, ok, err := c.store.Get(ctx, keyStatus+id)
	if err != nil || !ok {
		return StatusEntry{}, false, err
	}
	var e StatusEntry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return StatusEntry{}, false, fmt.Errorf("decode status %s: %w", id, err)
	}
	return e, true, nil
}

func (c *StatusCache) evict(ctx context.Context, id string) {
	c.hot.Delete(id)
	c.mu.Lock()
	delete(c.index, id)
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	if err := c.store.Remove(ctx, keyStatus+id); err != nil {
		c.logger.log(newLogEntry(LogLevelError, "remove cached status", map[string]any{"id": id, "error": err.Error()}))
	}
	c.persistIndex(ctx)
}

// record is the queue's status observer.
func (c *StatusCache) record(ctx context.Context, id string, status QueueStatus, reason string) {
	now := c.now()
	if status == StatusPending {
		if e, ok := c.fromQueue(id, now); ok {
			e.Reason = reason
			c.put(ctx, e)
			return
		}
	}
	c.put(ctx, StatusEntry{QueueID: id, Status: status, Reason: reason, CachedAt: now})
}

// Invalidate drops any cached entry for id.
func (c *StatusCache) Invalidate(ctx context.Context, id string) {
	c.evict(ctx, id)
}

// ============================================================================
// Index and sweep
// ============================================================================

func (c *StatusCache) persistIndex(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.mu.Lock()
	data, err := json.Marshal(c.index)
	c.mu.Unlock()
	if err == nil {
		err = c.store.Set(ctx, keyStatusIndex, string(data))
	}
	if err != nil {
		c.logger.log(newLogEntry(LogLevelError, "persist status index", map[string]any{"error": err.Error()}))
	}
}

// Restore loads the index of durable entries written by a previous process.
func (c *StatusCache) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	v, ok, err := c.store.Get(ctx, keyStatusIndex)
	if err != nil {
		return fmt.Errorf("load status index: %w", err)
	}
	if !ok || v == "" {
		return nil
	}
	index := make(map[string]indexEntry)
	if err := json.Unmarshal([]byte(v), &index); err != nil {
		return fmt.Errorf("decode status index: %w", err)
	}
	c.mu.Lock()
	for id, e := range index {
		c.index[id] = e
	}
	c.mu.Unlock()
	return nil
}

// Sweep drops every entry whose TTL has elapsed and returns how many were dropped.
func (c *StatusCache) Sweep(ctx context.Context) int {
	now := c.now()
	var stale []string
	c.mu.Lock()
	for id, e := range c.index {
		if now.Sub(e.CachedAt) > StatusTTL(e.Status) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	c.hot.Range(func(id string, e StatusEntry) bool {
		if c.expired(e, now) {
			c.hot.Delete(id)
		}
		return true
	})
	if len(stale) == 0 {
		return 0
	}

	for _, id := range stale {
		c.hot.Delete(id)
		if c.store != nil {
			if err := c.store.Remove(ctx, keyStatus+id); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.log(newLogEntry(LogLevelError, "remove cached status", map[string]any{"id": id, "error": err.Error()}))
			}
		}
	}
	c.mu.Lock()
	for _, id := range stale {
		delete(c.index, id)
	}
	c.mu.Unlock()
	c.persistIndex(ctx)
	if c.logger.enabled(LogLevelDebug) {
		c.logger.log(newLogEntry(LogLevelDebug, "status cache swept", map[string]any{"removed": len(stale)}))
	}
	return len(stale)
}

func (c *StatusCache) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatusSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Statistics aggregates counts across the local queue and the cache. The
// throughput is a static estimate derived from AverageProcessingTime.
func (c *StatusCache) Statistics() Statistics {
	now := c.now()
	st := Statistics{Counts: make(map[QueueStatus]int)}
	seen := make(map[string]struct{})
	if c.queue != nil {
		for _, op := range c.queue.Operations() {
			seen[op.ID] = struct{}{}
			switch {
			case op.InFlight:
				st.Counts[StatusProcessing]++
			case op.RetryCount > 0:
				st.Counts[StatusRetrying]++
			default:
				st.Counts[StatusPending]++
			}
		}
		st.QueueDepth = len(seen)
		st.DeadOperations = len(c.queue.DeadOperations())
	}

	c.mu.Lock()
	for id, e := range c.index {
		if now.Sub(e.CachedAt) > StatusTTL(e.Status) {
			continue
		}
		st.CachedEntries++
		if _, ok := seen[id]; ok {
			continue
		}
		st.Counts[e.Status]++
	}
	c.mu.Unlock()

	if c.cfg.AverageProcessingTime > 0 {
		st.ThroughputPerMinute = float64(time.Minute) / float64(c.cfg.AverageProcessingTime)
	}
	return st
}

// Close releases the in-memory tier.
func (c *StatusCache) Close() {
	c.hot.Close()
}
