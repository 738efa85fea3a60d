package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// Queue events passed to OnEvent handlers.
const (
	EventQueued    = "queued"
	EventSending   = "sending"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventDead      = "dead"
	EventExpired   = "expired"
	EventCancelled = "cancelled"
)

// QueueEventHandler receives queue events.
type QueueEventHandler func(event string, op QueuedOperation)

type queueEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]QueueEventHandler
	logger    *logger
}

// OnEvent registers a handler for one of the Event* names.
func (e *queueEmitter) OnEvent(event string, handler QueueEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *queueEmitter) emit(event string, op QueuedOperation) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.log(newLogEntry(LogLevelError, "queue event handler panicked", map[string]any{"event": event, "panic": fmt.Sprint(r)}))
				}
			}()
			h(event, op)
		}()
	}
}

type statusObserver func(ctx context.Context, id string, status QueueStatus, reason string)

// Queue is the durable offline operation queue.
type Queue struct {
	queueEmitter

	cfg      *Config
	store    Store
	remote   Remote
	conn     *Connection
	network  NetworkProvider
	resolver Resolver
	logger   *logger
	metrics  *metrics
	now      func() time.Time
	observer statusObserver

	mu      sync.Mutex
	ops     []QueuedOperation
	dead    []DeadOperation
	seq     uint64
	paused  bool
	syncing bool

	persistMu sync.Mutex
}

// NewQueue creates a queue. conn may be nil when raw-send operations are not used.
func NewQueue(cfg Config, conn *Connection, opts ...Option) (*Queue, error) {
	cfg.defaults()
	o, err := resolveOptions(&cfg, opts)
	if err != nil {
		return nil, err
	}
	return newQueue(&cfg, conn, o), nil
}

func newQueue(cfg *Config, conn *Connection, o *options) *Queue {
	return &Queue{
		queueEmitter: queueEmitter{listeners: make(map[string][]QueueEventHandler), logger: o.logger},
		cfg:          cfg,
		store:        o.store,
		remote:       o.remote,
		conn:         conn,
		network:      o.network,
		resolver:     o.resolver,
		logger:       o.logger,
		metrics:      o.metrics,
		now:          o.now,
	}
}

func (q *Queue) setStatusObserver(fn statusObserver) {
	q.mu.Lock()
	q.observer = fn
	q.mu.Unlock()
}

func (q *Queue) notifyStatus(ctx context.Context, id string, status QueueStatus, reason string) {
	q.mu.Lock()
	fn := q.observer
	q.mu.Unlock()
	if fn != nil {
		fn(ctx, id, status, reason)
	}
}

// ============================================================================
// Persistence
// ============================================================================

func (q *Queue) persist(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	q.mu.Lock()
	ops := append([]QueuedOperation(nil), q.ops...)
	dead := append([]DeadOperation(nil), q.dead...)
	q.mu.Unlock()
	q.metrics.setQueue(len(ops), len(dead))
	if q.store == nil {
		return nil
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, keyQueue, string(data)); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	data, err = json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("encode dead operations: %w", err)
	}
	if err := q.store.Set(ctx, keyDead, string(data)); err != nil {
		return fmt.Errorf("persist dead operations: %w", err)
	}
	return nil
}

func (q *Queue) persistLogged(ctx context.Context) {
	if err := q.persist(ctx); err != nil {
		q.logger.log(newLogEntry(LogLevelError, "persist queue failed", map[string]any{"error": err.Error()}))
	}
}

// Restore loads the queue persisted by a previous process. Operations that
// were in flight when the process stopped stay queued and are re-sent with
// the same ID.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	var ops []QueuedOperation
	if v, ok, err := q.store.Get(ctx, keyQueue); err != nil {
		return fmt.Errorf("load queue: %w", err)
	} else if ok && v != "" {
		if err := json.Unmarshal([]byte(v), &ops); err != nil {
			return fmt.Errorf("decode queue: %w", err)
		}
	}
	var dead []DeadOperation
	if v, ok, err := q.store.Get(ctx, keyDead); err != nil {
		return fmt.Errorf("load dead operations: %w", err)
	} else if ok && v != "" {
		if err := json.Unmarshal([]byte(v), &dead); err != nil {
			return fmt.Errorf("decode dead operations: %w", err)
		}
	}

	inFlight := 0
	q.mu.Lock()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	q.ops = ops
	q.dead = dead
	for i := range q.ops {
		if q.ops[i].Seq > q.seq {
			q.seq = q.ops[i].Seq
		}
		if q.ops[i].ExpiresAt.IsZero() {
			q.ops[i].ExpiresAt = q.ops[i].CreatedAt.Add(q.cfg.OperationTTL)
		}
		if q.ops[i].InFlight {
			q.ops[i].InFlight = false
			inFlight++
		}
	}
	q.mu.Unlock()
	q.metrics.setQueue(len(ops), len(dead))
	if inFlight > 0 {
		q.logger.log(newLogEntry(LogLevelWarn, "restored operations with unknown outcome, they will be re-sent", map[string]any{"count": inFlight}))
	}
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

// Enqueue adds op to the queue and persists it. An operation whose ID is
// already queued is not added twice; the queued copy is returned instead.
func (q *Queue) Enqueue(ctx context.Context, op QueuedOperation) (QueuedOperation, error) {
	now := q.now()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Kind == "" {
		op.Kind = KindUpdate
	}
	if op.Target == "" && op.Kind != KindRawSend {
		return QueuedOperation{}, fmt.Errorf("enqueue %s: empty target", op.ID)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if op.ExpiresAt.IsZero() {
		op.ExpiresAt = op.CreatedAt.Add(q.cfg.OperationTTL)
	}
	op.RetryCount = 0
	op.InFlight = false

	q.mu.Lock()
	if i := q.indexLocked(op.ID); i >= 0 {
		existing := q.ops[i]
		q.mu.Unlock()
		return existing, nil
	}
	if len(q.ops) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return QueuedOperation{}, ErrQueueFull
	}
	q.seq++
	op.Seq = q.seq
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return op, err
	}
	q.emit(EventQueued, op)
	q.notifyStatus(ctx, op.ID, StatusPending, "")
	return op, nil
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(id string) (QueuedOperation, bool) {
	i := q.indexLocked(id)
	if i < 0 {
		return QueuedOperation{}, false
	}
	op := q.ops[i]
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
	return op, true
}

// CancelOperation removes a pending operation. It reports false when the
// operation is unknown (already completed) or currently being sent.
func (q *Queue) CancelOperation(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 || q.ops[i].InFlight {
		q.mu.Unlock()
		return false, nil
	}
	op, _ := q.removeLocked(id)
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return true, err
	}
	q.emit(EventCancelled, op)
	q.notifyStatus(ctx, id, StatusCancelled, "cancelled")
	return true, nil
}

// CleanExpiredOperations removes operations past their ExpiresAt, whatever
// their retry state, and returns how many were removed.
func (q *Queue) CleanExpiredOperations(ctx context.Context) (int, error) {
	now := q.now()
	q.mu.Lock()
	var expired []QueuedOperation
	kept := q.ops[:0]
	for _, op := range q.ops {
		if !op.InFlight && !op.ExpiresAt.After(now) {
			expired = append(expired, op)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.mu.Unlock()

	if len(expired) == 0 {
		return 0, nil
	}
	if err := q.persist(ctx); err != nil {
		return len(expired), err
	}
	for _, op := range expired {
		q.emit(EventExpired, op)
		q.notifyStatus(ctx, op.ID, StatusCancelled, "expired")
	}
	q.logger.log(newLogEntry(LogLevelInfo, "expired operations removed", map[string]any{"count": len(expired)}))
	return len(expired), nil
}

// RequeueDead moves a dead operation back into the queue with a fresh retry budget.
func (q *Queue) RequeueDead(ctx context.Context, id string) (QueuedOperation, error) {
	now := q.now()
	q.mu.Lock()
	idx := -1
	for i := range q.dead {
		if q.dead[i].Operation.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return QueuedOperation{}, fmt.Errorf("dead operation %s: %w", id, ErrNotFound)
	}
	if len(q.ops) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return QueuedOperation{}, ErrQueueFull
	}
	op := q.dead[idx].Operation
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	op.RetryCount = 0
	op.InFlight = false
	op.LastError = ""
	op.UpdatedAt = now
	if !op.ExpiresAt.After(now) {
		op.ExpiresAt = now.Add(q.cfg.OperationTTL)
	}
	q.seq++
	op.Seq = q.seq
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return op, err
	}
	q.emit(EventQueued, op)
	q.notifyStatus(ctx, op.ID, StatusPending, "requeued")
	return op, nil
}

// Pause suspends automatic sync triggers. StartSync still runs when called directly.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables automatic sync triggers.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// ============================================================================
// Queries
// ============================================================================

// drainOrder sorts by priority, highest first, keeping insertion order within a band.
func drainOrder(ops []QueuedOperation) []QueuedOperation {
	out := append([]QueuedOperation(nil), ops...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Operations returns the queued operations in drain order.
func (q *Queue) Operations() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return drainOrder(q.ops)
}

// UserOperations returns the queued operations owned by ownerID, in drain order.
func (q *Queue) UserOperations(ownerID string) []QueuedOperation {
	var out []QueuedOperation
	for _, op := range q.Operations() {
		if op.OwnerID == ownerID {
			out = append(out, op)
		}
	}
	return out
}

// Get returns the queued operation with id.
func (q *Queue) Get(id string) (QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.ops[i], true
	}
	return QueuedOperation{}, false
}

// Position returns the 1-based drain position of id and the queue length.
func (q *Queue) Position(id string) (position, total int, ok bool) {
	ops := q.Operations()
	for i, op := range ops {
		if op.ID == id {
			return i + 1, len(ops), true
		}
	}
	return 0, len(ops), false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// DeadOperations returns the operations that exhausted their retries.
func (q *Queue) DeadOperations() []DeadOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadOperation(nil), q.dead...)
}

// ============================================================================
// Sync
// ============================================================================

// autoSync runs a pass for timer, reconnect and network triggers. It does
// nothing while paused or while another pass runs.
func (q *Queue) autoSync(ctx context.Context, trigger string) {
	if q.Paused() {
		return
	}
	res, err := q.StartSync(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return
	}
	if err != nil {
		q.logger.log(newLogEntry(LogLevelError, "sync failed", map[string]any{"trigger": trigger, "error": err.Error()}))
		return
	}
	if res.Successful+res.Failed+res.Expired > 0 {
		q.logger.log(newLogEntry(LogLevelInfo, "sync finished", map[string]any{
			"trigger":    trigger,
			"successful": res.Successful,
			"failed":     res.Failed,
			"dead":       res.Dead,
			"skipped":    res.Skipped,
			"expired":    res.Expired,
		}))
	}
}

// StartSync delivers a snapshot of the queue in drain order. Operations
// enqueued during the pass wait for the next one.
//
// The offline gate is the NetworkProvider, not the socket: while it reports
// offline nothing is attempted and the tally is zero. Without a provider the
// network counts as online, so remote writes are attempted even when the
// Connection is disconnected; only raw-send operations wait for the socket.
func (q *Queue) StartSync(ctx context.Context) (SyncResult, error) {
	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	q.syncing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
	}()

	var res SyncResult
	expired, err := q.CleanExpiredOperations(ctx)
	res.Expired = expired
	if err != nil {
		return res, err
	}
	if !isOnline(ctx, q.network) {
		return res, nil
	}

	q.mu.Lock()
	snapshot := drainOrder(q.ops)
	q.mu.Unlock()

	_, batching := q.remote.(BatchRemote)
	for i := 0; i < len(snapshot); {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		op := snapshot[i]
		if op.Kind == KindRawSend {
			q.sendRaw(ctx, op, &res)
			i++
			continue
		}
		if q.remote == nil {
			res.Skipped++
			i++
			continue
		}
		j := i + 1
		if batching {
			for j < len(snapshot) && j-i < q.cfg.BatchSize && snapshot[j].Kind != KindRawSend && snapshot[j].Target == op.Target {
				j++
			}
		}
		if j-i > 1 {
			q.sendBatch(ctx, snapshot[i:j], &res)
		} else {
			q.sendOne(ctx, op, &res)
		}
		i = j
	}
	return res, nil
}

// markInFlight journals the attempt before it goes out and returns the
// operations still queued; others left the queue since the snapshot.
func (q *Queue) markInFlight(ctx context.Context, ops []QueuedOperation) []QueuedOperation {
	now := q.now()
	var live []QueuedOperation
	q.mu.Lock()
	for _, op := range ops {
		i := q.indexLocked(op.ID)
		if i < 0 {
			continue
		}
		q.ops[i].InFlight = true
		q.ops[i].LastAttemptAt = &now
		live = append(live, q.ops[i])
	}
	q.mu.Unlock()
	if len(live) == 0 {
		return nil
	}
	q.persistLogged(ctx)
	for _, op := range live {
		q.emit(EventSending, op)
		q.notifyStatus(ctx, op.ID, StatusProcessing, "")
	}
	return live
}

func (q *Queue) sendOne(ctx context.Context, op QueuedOperation, res *SyncResult) {
	live := q.markInFlight(ctx, []QueuedOperation{op})
	if len(live) == 0 {
		return
	}
	op = live[0]
	q.settle(ctx, op, q.remote.Send(ctx, op), res)
}

func (q *Queue) sendBatch(ctx context.Context, ops []QueuedOperation, res *SyncResult) {
	live := q.markInFlight(ctx, ops)
	if len(live) == 0 {
		return
	}
	errs, err := q.remote.(BatchRemote).SendBatch(ctx, live)
	for i, op := range live {
		opErr := err
		if opErr == nil {
			if i < len(errs) {
				opErr = errs[i]
			} else {
				opErr = fmt.Errorf("operation %s missing from batch result", op.ID)
			}
		}
		q.settle(ctx, op, opErr, res)
	}
}

func (q *Queue) sendRaw(ctx context.Context, op QueuedOperation, res *SyncResult) {
	if q.conn == nil || q.conn.State() != StateConnected {
		res.Skipped++
		return
	}
	var env Envelope
	if err := json.Unmarshal(op.Payload, &env); err != nil {
		q.kill(ctx, op, fmt.Sprintf("invalid frame payload: %v", err), res)
		return
	}
	f, err := FrameFromEnvelope(env)
	if err != nil {
		q.kill(ctx, op, fmt.Sprintf("invalid frame payload: %v", err), res)
		return
	}
	live := q.markInFlight(ctx, []QueuedOperation{op})
	if len(live) == 0 {
		return
	}
	q.settle(ctx, live[0], q.conn.Send(ctx, f), res)
}

// settle records the outcome of one delivery attempt.
func (q *Queue) settle(ctx context.Context, op QueuedOperation, err error, res *SyncResult) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		winner := WinnerRemote
		if q.resolver != nil {
			winner = q.resolver.Resolve(op, conflict.Remote)
		}
		q.logger.log(newLogEntry(LogLevelInfo, "conflict resolved", map[string]any{"id": op.ID, "target": op.Target, "winner": winner.String(), "remoteRevision": conflict.Remote.Revision}))
		if winner == WinnerRemote {
			q.complete(ctx, op, "superseded", res)
			return
		}
		op = q.rebase(ctx, op, conflict.Remote.Revision)
		err = q.remote.Send(ctx, op)
	}
	if err == nil {
		q.complete(ctx, op, "", res)
		return
	}
	q.fail(ctx, op, err, res)
}

func (q *Queue) rebase(ctx context.Context, op QueuedOperation, revision string) QueuedOperation {
	q.mu.Lock()
	if i := q.indexLocked(op.ID); i >= 0 {
		q.ops[i].BaseRevision = revision
		op = q.ops[i]
	} else {
		op.BaseRevision = revision
	}
	q.mu.Unlock()
	q.persistLogged(ctx)
	return op
}

func (q *Queue) complete(ctx context.Context, op QueuedOperation, reason string, res *SyncResult) {
	q.mu.Lock()
	_, ok := q.removeLocked(op.ID)
	q.mu.Unlock()
	if !ok {
		return
	}
	q.persistLogged(ctx)
	res.Successful++
	q.metrics.incSync("success")
	q.emit(EventCompleted, op)
	q.notifyStatus(ctx, op.ID, StatusCompleted, reason)
}

func (q *Queue) fail(ctx context.Context, op QueuedOperation, err error, res *SyncResult) {
	if permanentFailure(err) {
		q.kill(ctx, op, err.Error(), res)
		return
	}
	q.mu.Lock()
	i := q.indexLocked(op.ID)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	q.ops[i].RetryCount++
	q.ops[i].InFlight = false
	q.ops[i].LastError = err.Error()
	op = q.ops[i]
	exhausted := op.RetryCount >= op.MaxRetries
	q.mu.Unlock()

	if exhausted {
		q.kill(ctx, op, fmt.Sprintf("retries exhausted: %v", err), res)
		return
	}
	q.persistLogged(ctx)
	res.Failed++
	q.metrics.incSync("retry")
	q.emit(EventFailed, op)
	q.notifyStatus(ctx, op.ID, StatusRetrying, err.Error())
}

// kill moves op to the dead set.
func (q *Queue) kill(ctx context.Context, op QueuedOperation, reason string, res *SyncResult) {
	now := q.now()
	q.mu.Lock()
	removed, ok := q.removeLocked(op.ID)
	if !ok {
		q.mu.Unlock()
		return
	}
	removed.RetryCount = op.RetryCount
	removed.InFlight = false
	removed.LastError = reason
	q.dead = append(q.dead, DeadOperation{Operation: removed, Reason: reason, DeadAt: now})
	q.mu.Unlock()

	q.persistLogged(ctx)
	res.Failed++
	res.Dead++
	q.metrics.incSync("dead")
	q.logger.log(newLogEntry(LogLevelWarn, "operation moved to dead set", map[string]any{"id": removed.ID, "target": removed.Target, "retries": removed.RetryCount, "reason": reason}))
	q.emit(EventDead, removed)
	q.notifyStatus(ctx, removed.ID, StatusFailed, reason)
}
