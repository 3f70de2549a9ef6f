package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := OpenRedis("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("Failed to open redis: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return mr, cache
}

func TestRedisCacheGetSet(t *testing.T) {
	ctx := context.Background()
	mr, cache := setupRedis(t)

	if _, ok, err := cache.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing = %v, %v; want miss without error", ok, err)
	}

	if err := cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	data, ok, err := cache.Get(ctx, "k")
	if err != nil || !ok || string(data) != "v" {
		t.Errorf("Get = %q, %v, %v", data, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Error("entry survived its TTL")
	}

	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisOutageAbsorbedByStore(t *testing.T) {
	ctx := context.Background()
	mr, cache := setupRedis(t)
	durable := newFakeDurable()
	s := newTestStore(cache, durable, nil)

	if err := s.Put(ctx, record("conv-r", 0, 1, "state")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := mr.Get(CheckpointKey("conv-r")); err != nil {
		t.Errorf("checkpoint not written to redis: %v", err)
	}

	mr.Close()

	if err := cache.Ping(ctx); err == nil {
		t.Fatal("Ping succeeded against a stopped server")
	}
	// new process: memory empty, redis down, durable up
	other := newTestStore(cache, durable, nil)
	data, err := other.Get(ctx, "conv-r")
	if err != nil {
		t.Fatalf("Get with redis down failed: %v", err)
	}
	if string(data) != "0.1|state" {
		t.Errorf("Get = %q", data)
	}

	durable.setOffline(true)
	third := newTestStore(cache, durable, nil)
	var sue *StorageUnavailableError
	if _, err := third.Get(ctx, "conv-r"); !errors.As(err, &sue) {
		t.Errorf("Get with every layer down error = %v, want StorageUnavailableError", err)
	}
}
