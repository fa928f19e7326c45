// Package proxycore owns the response caches, the backend request
// counters and the bounded pool gating concurrent backend conversations.
package proxycore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/smartmet/synapse/internal/cache"
	"github.com/smartmet/synapse/internal/config"
	"github.com/smartmet/synapse/internal/logging"
	"github.com/smartmet/synapse/internal/registry"
	"github.com/smartmet/synapse/internal/streamer"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Core holds the shared backend-side runtime for the gateway.
type Core struct {
	gzip     *cache.ResponseCache
	identity *cache.ResponseCache
	counter  *registry.RequestCounter

	slots *semaphore.Weighted

	idleTimeout         time.Duration
	maxBufferSize       int64
	maxCachedBufferSize int64

	serverIdent string
	hostname    string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Core from configuration. The cache directories are
// created (and scanned for surviving entries) here.
func New(cfg *config.Config, serverIdent string) (*Core, error) {
	gzip, err := cache.New(
		cfg.CompressedCache.MemoryBytes.Int64(),
		cfg.CompressedCache.FilesystemBytes.Int64(),
		cfg.CompressedCache.Directory,
	)
	if err != nil {
		return nil, fmt.Errorf("compressed cache: %w", err)
	}

	identity, err := cache.New(
		cfg.UncompressedCache.MemoryBytes.Int64(),
		cfg.UncompressedCache.FilesystemBytes.Int64(),
		cfg.UncompressedCache.Directory,
	)
	if err != nil {
		return nil, fmt.Errorf("uncompressed cache: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	ctx, cancel := context.WithCancel(context.Background())

	logging.Info("Backend pool configured",
		zap.Int("threads", cfg.Backend.Threads),
		zap.Int("timeout_seconds", cfg.Backend.Timeout),
	)

	return &Core{
		gzip:                gzip,
		identity:            identity,
		counter:             registry.NewRequestCounter(),
		slots:               semaphore.NewWeighted(int64(cfg.Backend.Threads)),
		idleTimeout:         cfg.BackendTimeout(),
		maxBufferSize:       cfg.Proxy.MaxBufferSize.Int64(),
		maxCachedBufferSize: cfg.Proxy.MaxCachedBufferSize.Int64(),
		serverIdent:         serverIdent,
		hostname:            hostname,
		ctx:                 ctx,
		cancel:              cancel,
	}, nil
}

// Cache returns the pool for an encoding.
func (c *Core) Cache(enc cache.Encoding) *cache.ResponseCache {
	if enc == cache.EncodingGzip {
		return c.gzip
	}
	return c.identity
}

// Counter returns the in-flight backend request counter.
func (c *Core) Counter() *registry.RequestCounter {
	return c.counter
}

// Forward begins a backend conversation: a pool slot is acquired for
// its lifetime and a streamer is started. The returned streamer must be
// closed by the caller. An error means either that ctx ended before a
// pool slot was free or that the backend was unreachable.
func (c *Core) Forward(ctx context.Context, backend registry.Backend, req streamer.Request) (*streamer.Streamer, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("backend pool: %w", err)
	}

	st := streamer.New(backend, req, streamer.Options{
		GzipCache:           c.gzip,
		IdentityCache:       c.identity,
		Counter:             c.counter,
		IdleTimeout:         c.idleTimeout,
		MaxBufferSize:       c.maxBufferSize,
		MaxCachedBufferSize: c.maxCachedBufferSize,
		Release:             func() { c.slots.Release(1) },
		ServerIdent:         c.serverIdent,
		Hostname:            c.hostname,
	})

	if err := st.SendAndListen(ctx); err != nil {
		// SendAndListen released the slot and counters on failure.
		return nil, err
	}
	return st, nil
}

// IdleTimeout returns the backend idle timeout.
func (c *Core) IdleTimeout() time.Duration {
	return c.idleTimeout
}

// Hostname returns the local hostname advertised in responses.
func (c *Core) Hostname() string {
	return c.hostname
}

// Shutdown cancels the backend runtime.
func (c *Core) Shutdown() {
	logging.Info("Shutdown requested (proxy core)")
	c.cancel()
}
