package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/function"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
)

// openValueStore builds the value store for the configured backend.
// Private values always stay in process memory.
func openValueStore(ctx context.Context, cfg config.CacheConfig) (*cache.ValueStore, func(), error) {
	private := cache.NewInMemoryCache()
	var shared cache.Cache
	switch cfg.Backend {
	case config.CacheRedis, config.CacheTiered:
		rc := cache.NewRedisCache(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			rc.Close()
			private.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		shared = rc
		if cfg.Backend == config.CacheTiered {
			shared = cache.NewTieredCache(cache.NewInMemoryCache(), rc, cfg.L1TTL)
		}
	default:
		shared = cache.NewInMemoryCache()
	}

	logging.Op().Info("value cache ready", "backend", cfg.Backend, "ttl", cfg.ValueTTL)
	closeFn := func() {
		shared.Close()
		private.Close()
	}
	return cache.NewValueStore(shared, private, cfg.ValueTTL), closeFn, nil
}

// newLocalInvoker creates count nodes sharing one function registry and,
// when configured, one blacklist.
func newLocalInvoker(cfg config.NodeConfig, count int, store *cache.ValueStore) *executor.LocalInvoker {
	reg := function.NewRegistry()
	function.RegisterBuiltins(reg)

	var opts []executor.NodeOption
	if bl := newBlacklist(cfg.Blacklist, store); bl != nil {
		opts = append(opts, executor.WithBlacklist(bl))
	}
	nodes := make([]*executor.Node, count)
	for i := range nodes {
		nodes[i] = executor.NewNode(executor.NewNodeID(), reg, executor.StoreSource(store), opts...)
	}
	return executor.NewLocalInvoker(nodes,
		executor.WithInvokerID(cfg.InvokerID),
		executor.WithCapabilities(cfg.Capabilities...))
}

// newBlacklist returns nil when blacklisting is off. Entries live next to
// the values: in the private cache, or the shared one when Shared is set.
func newBlacklist(cfg config.BlacklistConfig, store *cache.ValueStore) executor.Blacklist {
	if cfg.Scope == "" {
		return nil
	}
	c := store.Private()
	if cfg.Shared {
		c = store.Shared()
	}
	bl, err := executor.NewCacheBlacklist(c, executor.BlacklistScope(cfg.Scope), cfg.TTL)
	if err != nil {
		logging.Op().Warn("function blacklist disabled", "error", err)
		return nil
	}
	logging.Op().Info("function blacklist enabled", "scope", cfg.Scope, "ttl", cfg.TTL, "shared", cfg.Shared)
	return bl
}

// initObservability starts tracing and metrics. The returned function
// flushes pending spans.
func initObservability(ctx context.Context, cfg config.ObservabilityConfig) (func(), error) {
	if err := observability.Init(ctx, cfg.Tracing); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.Buckets)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(ctx); err != nil {
			logging.Op().Warn("tracing shutdown failed", "error", err)
		}
	}, nil
}

func shutdownDispatcher(d *dispatcher.Dispatcher, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		logging.Op().Warn("dispatcher shutdown incomplete", "error", err)
	}
}
