package syncengine

import (
	"net/http"
	"time"
)

// Config configures an Engine. Zero values are replaced by defaults.
type Config struct {
	// URL is the socket endpoint, e.g. wss://api.example.com/ws.
	URL string
	// Enabled is the realtime feature flag. Connect is refused while it is false.
	Enabled bool

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// PongTimeout forces a reconnect when a ping goes unanswered. Negative disables it.
	PongTimeout time.Duration
	// NoReconnectCodes extends the close codes after which no reconnect is scheduled.
	NoReconnectCodes []CloseCode

	// MessageQueueSize bounds the outbound FIFO kept while offline.
	MessageQueueSize int
	// DrainInterval spaces frames replayed from the outbound FIFO.
	DrainInterval time.Duration
	// DrainMaxAttempts drops a replayed frame after this many failed writes.
	DrainMaxAttempts int

	MaxQueueSize      int
	BatchSize         int
	DefaultMaxRetries int
	OperationTTL      time.Duration
	// SyncInterval triggers periodic sync passes after Start. Negative disables it.
	SyncInterval time.Duration

	StatusSweepInterval   time.Duration
	StatusCacheCapacity   int
	AverageProcessingTime time.Duration

	// StoreChunkSize is the per-value size limit of the durable store. Negative disables chunking.
	StoreChunkSize int

	NetworkPollInterval time.Duration

	LogLevel         LogLevel
	MetricsNamespace string

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MessageQueueSize == 0 {
		c.MessageQueueSize = 100
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.DrainMaxAttempts == 0 {
		c.DrainMaxAttempts = 3
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 25
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.OperationTTL == 0 {
		c.OperationTTL = 7 * 24 * time.Hour
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = time.Minute
	}
	if c.StatusSweepInterval == 0 {
		c.StatusSweepInterval = 30 * time.Second
	}
	if c.StatusCacheCapacity == 0 {
		c.StatusCacheCapacity = 10_000
	}
	if c.AverageProcessingTime == 0 {
		c.AverageProcessingTime = 5 * time.Second
	}
	if c.StoreChunkSize == 0 {
		c.StoreChunkSize = DefaultChunkSize
	}
	if c.NetworkPollInterval == 0 {
		c.NetworkPollInterval = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}
