package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trioll/syncengine"
)

// openStore opens the durable store selected by [store].driver. The
// returned func closes it.
func openStore(ctx context.Context, cfg *Config) (syncengine.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Driver {
	case "", "sqlite":
		path := cfg.Store.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		s, err := syncengine.OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := syncengine.OpenPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		if cfg.Store.RedisURL == "" {
			return nil, nil, errors.New("store.redis_url is required for the redis driver")
		}
		s, err := syncengine.OpenRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory":
		return syncengine.NewMemoryStore(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// ============================================================================
// Logging
// ============================================================================

func zapLevel(l syncengine.LogLevel) zapcore.Level {
	switch l {
	case syncengine.LogLevelTrace, syncengine.LogLevelDebug:
		return zapcore.DebugLevel
	case syncengine.LogLevelWarn:
		return zapcore.WarnLevel
	case syncengine.LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newZapLogger(level syncengine.LogLevel) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zc.Level = zap.NewAtomicLevelAt(zapLevel(level))
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// zapHandler forwards engine log entries to z with sorted structured fields.
func zapHandler(z *zap.Logger) syncengine.LogHandler {
	return func(e syncengine.LogEntry) {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, zap.Any(k, e.Fields[k]))
		}
		z.Log(zapLevel(e.Level), e.Message, fields...)
	}
}

// ============================================================================
// Engine
// ============================================================================

type engineHandle struct {
	*syncengine.Engine
	closeStore func() error
	log        *zap.Logger
}

// openEngine builds an engine from the CLI config. Persisted state is loaded
// by Restore or Start; nothing connects until the caller asks for it.
func openEngine(ctx context.Context) (*engineHandle, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.URL == "" {
		return nil, errors.New("no socket URL. Run 'syncctl init <url>' first")
	}
	ecfg, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	log, err := newZapLogger(ecfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	opts := []syncengine.Option{
		syncengine.WithStore(store),
		syncengine.WithLogHandler(zapHandler(log)),
	}
	if cfg.Default.Token != "" {
		opts = append(opts, syncengine.WithTokenSource(syncengine.StaticToken(cfg.Default.Token)))
	}
	if cfg.Default.APIURL != "" {
		opts = append(opts, syncengine.WithRemote(syncengine.NewHTTPRemote(cfg.Default.APIURL, syncengine.StaticToken(cfg.Default.Token))))
	}

	engine, err := syncengine.New(ecfg, opts...)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return &engineHandle{Engine: engine, closeStore: closeStore, log: log}, nil
}

func (h *engineHandle) Close() error {
	err := h.Engine.Close()
	if cerr := h.closeStore(); err == nil {
		err = cerr
	}
	_ = h.log.Sync()
	return err
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
