package syncengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrQueueFull is returned by Enqueue when the queue already holds MaxQueueSize operations.
	ErrQueueFull = errors.New("queue full")
	// ErrNotConnected is returned when a frame must go out live but the socket is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrDisabled is returned by Connect while the realtime feature flag is off.
	ErrDisabled = errors.New("realtime disabled")
	// ErrOffline is returned by Connect while the network provider reports no connectivity.
	ErrOffline = errors.New("network offline")
	// ErrNotFound is returned for unknown operation IDs.
	ErrNotFound = errors.New("not found")
	// ErrSyncInProgress is returned by StartSync when another pass is running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrConflict matches any *ConflictError.
	ErrConflict = errors.New("revision conflict")
)

// HTTPError is a non-2xx response from the remote write endpoint.
type HTTPError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ConflictError reports that the server holds a different version of the
// resource an operation targets.
type ConflictError struct {
	ID     string
	Remote RemoteRecord
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for operation %s", e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// CloseError describes how the socket was closed.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// ============================================================================
// Connection
// ============================================================================

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// AppState is the foreground/background state reported by the host application.
type AppState int

const (
	AppForeground AppState = iota
	AppBackground
)

// ============================================================================
// Operations
// ============================================================================

// OperationKind is the kind of state change an operation performs.
type OperationKind string

const (
	KindCreate  OperationKind = "create"
	KindUpdate  OperationKind = "update"
	KindDelete  OperationKind = "delete"
	KindRawSend OperationKind = "raw-send"
)

// Priority orders queue drainage. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// QueuedOperation is a state change waiting to reach the backend.
type QueuedOperation struct {
	ID            string          `json:"id"`
	Kind          OperationKind   `json:"kind"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	OwnerID       string          `json:"ownerId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt,omitempty"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	BaseRevision  string          `json:"baseRevision,omitempty"`
	InFlight      bool            `json:"inFlight,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	Seq           uint64          `json:"seq"`
}

// DeadOperation is an operation that exhausted its retries. It stays
// inspectable until requeued or purged.
type DeadOperation struct {
	Operation QueuedOperation `json:"operation"`
	Reason    string          `json:"reason"`
	DeadAt    time.Time       `json:"deadAt"`
}

// RemoteRecord is the server's view of a resource, returned on conflicts.
type RemoteRecord struct {
	Target    string          `json:"target"`
	Revision  string          `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncResult is the tally returned by a sync pass.
type SyncResult struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
	Skipped    int `json:"skipped"`
	Expired    int `json:"expired"`
}

// ============================================================================
// Queue status
// ============================================================================

// QueueStatus is the lifecycle status of one operation.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusCancelled  QueueStatus = "cancelled"
	StatusRetrying   QueueStatus = "retrying"
)

// Terminal reports whether the status can no longer change.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StatusEntry answers "where is my operation".
type StatusEntry struct {
	QueueID              string      `json:"queueId"`
	Status               QueueStatus `json:"status"`
	Position             *int        `json:"position,omitempty"`
	TotalItems           int         `json:"totalItems"`
	EstimatedTimeSeconds *int        `json:"estimatedTimeSeconds,omitempty"`
	Reason               string      `json:"reason,omitempty"`
	CachedAt             time.Time   `json:"cachedAt"`
}

// Statistics aggregates operation counts across the local queue and status cache.
type Statistics struct {
	Counts              map[QueueStatus]int `json:"counts"`
	QueueDepth          int                 `json:"queueDepth"`
	DeadOperations      int                 `json:"deadOperations"`
	CachedEntries       int                 `json:"cachedEntries"`
	ThroughputPerMinute float64             `json:"throughputPerMinute"`
}
