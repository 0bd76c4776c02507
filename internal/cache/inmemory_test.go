package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCache_SetGetDelete(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "v/1/c/x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
	if err := c.Set(ctx, "v/1/c/x", []byte("42"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := c.Get(ctx, "v/1/c/x")
	if err != nil || string(val) != "42" {
		t.Fatalf("Get = %q, %v", val, err)
	}
	if ok, _ := c.Exists(ctx, "v/1/c/x"); !ok {
		t.Fatal("expected key to exist")
	}
	if err := c.Delete(ctx, "v/1/c/x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := c.Exists(ctx, "v/1/c/x"); ok {
		t.Fatal("expected key to be gone")
	}
	if err := c.Delete(ctx, "nonexistent"); err != nil {
		t.Fatalf("Delete of a missing key should not fail: %v", err)
	}
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCacheWithEviction(5 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	c.Set(ctx, "forever", []byte("v"), 0)

	time.Sleep(30 * time.Millisecond)

	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got: %v", err)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Fatalf("zero TTL entry expired: %v", err)
	}
}

func TestInMemoryCache_DeletePrefix(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	for _, k := range []string{"V/1/C/a", "V/1/C/b", "V/1/D/a", "V/2/C/a"} {
		c.Set(ctx, k, []byte("x"), 0)
	}
	n, err := c.DeletePrefix(ctx, "V/1/")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("removed %d keys, want 3", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if _, err := c.Get(ctx, "V/2/C/a"); err != nil {
		t.Fatalf("unrelated cycle was removed: %v", err)
	}
}

func TestInMemoryCache_ValueIsolation(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()
	ctx := context.Background()

	original := []byte("original")
	c.Set(ctx, "iso", original, time.Minute)
	original[0] = 'X'

	val, _ := c.Get(ctx, "iso")
	if string(val) != "original" {
		t.Fatal("cache should store a copy of the value")
	}
	val[0] = 'Z'
	val2, _ := c.Get(ctx, "iso")
	if string(val2) != "original" {
		t.Fatal("cache should return a copy of the value")
	}
}

func TestInMemoryCache_CloseIsIdempotent(t *testing.T) {
	c := NewInMemoryCache()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := c.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set after close: %v", err)
	}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closed cache stored a value: %v", err)
	}
}
