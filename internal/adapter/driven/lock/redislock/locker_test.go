package redislock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Set TEST_REDIS_ADDR to run these against a scratch Redis.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return rdb
}

func TestLockMutualExclusion(t *testing.T) {
	l := NewLocker(testClient(t), 5*time.Second, 5*time.Millisecond)
	key := "wallet:" + uuid.NewString()

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			if n := holders.Add(1); n != 1 {
				t.Errorf("%d holders at once", n)
			}
			time.Sleep(2 * time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
}

func TestLockHonoursContext(t *testing.T) {
	l := NewLocker(testClient(t), 5*time.Second, 5*time.Millisecond)
	key := "wallet:" + uuid.NewString()

	unlock, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestReleaseOnlyOwnLease(t *testing.T) {
	rdb := testClient(t)
	l := NewLocker(rdb, 50*time.Millisecond, 5*time.Millisecond)
	key := "wallet:" + uuid.NewString()

	first, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	// Let the lease expire and another holder take it.
	time.Sleep(80 * time.Millisecond)
	second, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	first()
	if n, err := rdb.Exists(context.Background(), lockKey(key)).Result(); err != nil || n != 1 {
		t.Fatalf("stale release removed the new holder's lock: exists=%d err=%v", n, err)
	}
	second()
	if n, _ := rdb.Exists(context.Background(), lockKey(key)).Result(); n != 0 {
		t.Error("lock still held after release")
	}
}
