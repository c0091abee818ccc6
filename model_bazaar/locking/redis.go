package locking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still owned by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the ttl only if the lock is still owned by the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared between engine replicas. Each lock has a ttl so
// a crashed holder cannot block a model forever. The ttl is renewed while the
// lock is held, so long backend calls under the lock do not let it expire.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis at %v: %w", addr, err)
	}

	slog.Info("using redis for model locks", "addr", addr)

	return &RedisLocker{
		client: client,
		prefix: "model_bazaar:lock:",
		ttl:    2 * time.Minute,
		retry:  50 * time.Millisecond,
	}, nil
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newLockToken()
	if err != nil {
		return nil, fmt.Errorf("error generating lock token: %w", err)
	}

	redisKey := l.prefix + key

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			slog.Error("redis error acquiring lock", "key", redisKey, "error", err)
			return nil, fmt.Errorf("error acquiring lock for %v: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				slog.Error("redis error releasing lock", "key", redisKey, "error", err)
			}
		})
	}, nil
}

// keepAlive extends the lock every third of its ttl until stop is closed.
func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			extended, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Error("redis error extending lock", "key", redisKey, "error", err)
				continue
			}
			if extended == 0 {
				slog.Error("lock expired before it was released", "key", redisKey)
				return
			}
		case <-stop:
			return
		}
	}
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
