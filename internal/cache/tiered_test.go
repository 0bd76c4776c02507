package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTiered(t *testing.T, l1TTL time.Duration) (*TieredCache, *InMemoryCache, *InMemoryCache) {
	t.Helper()
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	tc := NewTieredCache(l1, l2, l1TTL)
	t.Cleanup(func() { tc.Close() })
	return tc, l1, l2
}

func TestTieredCache_WriteThrough(t *testing.T) {
	tc, l1, l2 := newTiered(t, 10*time.Second)
	ctx := context.Background()

	if err := tc.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	for name, c := range map[string]Cache{"l1": l1, "l2": l2} {
		if val, err := c.Get(ctx, "k"); err != nil || string(val) != "v" {
			t.Fatalf("%s Get = %q, %v", name, val, err)
		}
	}
}

func TestTieredCache_L2Fallthrough(t *testing.T) {
	tc, l1, l2 := newTiered(t, 10*time.Second)
	ctx := context.Background()

	l2.Set(ctx, "k", []byte("from-l2"), time.Minute)

	val, err := tc.Get(ctx, "k")
	if err != nil || string(val) != "from-l2" {
		t.Fatalf("Get = %q, %v", val, err)
	}
	if val, err := l1.Get(ctx, "k"); err != nil || string(val) != "from-l2" {
		t.Fatalf("L1 not populated on L2 hit: %q, %v", val, err)
	}
}

func TestTieredCache_Miss(t *testing.T) {
	tc, _, _ := newTiered(t, 0)
	if _, err := tc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if ok, err := tc.Exists(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestTieredCache_DeleteAndPrefix(t *testing.T) {
	tc, l1, l2 := newTiered(t, 10*time.Second)
	ctx := context.Background()

	tc.Set(ctx, "V/1/C/a", []byte("1"), 0)
	tc.Set(ctx, "V/1/C/b", []byte("2"), 0)
	tc.Set(ctx, "V/2/C/a", []byte("3"), 0)

	if err := tc.Delete(ctx, "V/1/C/a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := l1.Get(ctx, "V/1/C/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("L1 still holds deleted key: %v", err)
	}

	n, err := tc.DeletePrefix(ctx, "V/1/")
	if err != nil || n != 1 {
		t.Fatalf("DeletePrefix = %d, %v; want 1", n, err)
	}
	if _, err := l2.Get(ctx, "V/1/C/b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("L2 still holds released key: %v", err)
	}
	if ok, _ := tc.Exists(ctx, "V/2/C/a"); !ok {
		t.Fatal("other cycle should survive")
	}
	if err := tc.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
