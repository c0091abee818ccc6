package locking

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := NewKeyedMutex()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(context.Background(), "model")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, locks.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	locks := NewKeyedMutex()

	unlockA, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locks.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	locks := NewKeyedMutex()

	unlock, err := locks.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second release is a no-op
	assert.Equal(t, 0, locks.size())
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	locks, err := NewRedisLocker(addr, "", 0)
	require.NoError(t, err)
	defer locks.Close()

	unlock, err := locks.Lock(context.Background(), "test-model")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "test-model")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock, err = locks.Lock(context.Background(), "test-model")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	locks, err := NewRedisLocker(addr, "", 0)
	require.NoError(t, err)
	defer locks.Close()
	locks.ttl = 300 * time.Millisecond

	unlock, err := locks.Lock(context.Background(), "renewed-model")
	require.NoError(t, err)

	// Held for several ttls, the lock must still be owned.
	time.Sleep(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "renewed-model")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	unlock, err = locks.Lock(context.Background(), "renewed-model")
	require.NoError(t, err)
	unlock()
}
