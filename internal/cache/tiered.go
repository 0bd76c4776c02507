package cache

import (
	"context"
	"time"
)

// TieredCache puts a node-local L1 in front of the shared L2. Values in a
// calculation cycle are written once and read by many jobs, so a short L1
// TTL needs no invalidation channel.
type TieredCache struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration
}

// NewTieredCache creates a two-level cache. l1TTL defaults to 10s.
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := t.l1.Get(ctx, key); err == nil {
		return val, nil
	}
	val, err := t.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

// Set writes L2 first so a failed shared write is not masked by L1.
func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	l1TTL := t.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	_ = t.l1.Set(ctx, key, value, l1TTL)
	return nil
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	return t.l2.Delete(ctx, key)
}

func (t *TieredCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	_, _ = t.l1.DeletePrefix(ctx, prefix)
	return t.l2.DeletePrefix(ctx, prefix)
}

func (t *TieredCache) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := t.l1.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return t.l2.Exists(ctx, key)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *TieredCache) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}
