package nonce

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRedisGuardIntegrationConcurrentConsume(t *testing.T) {
	addr := os.Getenv("DISPATCH_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set DISPATCH_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	ctx := context.Background()
	g := NewRedisGuard(RedisGuardConfig{
		Addr:    addr,
		Prefix:  "dispatch:test:nonce:" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Timeout: 2 * time.Second,
		MaxAge:  30 * time.Second,
	})

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Consume(ctx, "task_0011aabb", "shared")
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 1 {
		t.Fatalf("expected exactly one winner across connections, got %d", accepted.Load())
	}

	ok, err := g.Consume(ctx, "task_0011aabb", "other")
	if err != nil {
		t.Fatalf("consume distinct nonce: %v", err)
	}
	if !ok {
		t.Fatalf("expected distinct nonce to consume")
	}
}
