package examprep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ExamLocker makes ingestion of one exam mutually exclusive.
// Lock blocks until the exam is free or ctx ends; TryLock fails at once with
// ErrIngestionInProgress. The returned unlock func is safe to call twice.
type ExamLocker interface {
	Lock(ctx context.Context, examID string) (func(), error)
	TryLock(ctx context.Context, examID string) (func(), error)
}

// keyLock is a set of in-process mutexes keyed by string, waitable with a context.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]chan struct{})}
}

func (k *keyLock) lock(ctx context.Context, key string, wait bool) (func(), error) {
	for {
		k.mu.Lock()
		held, busy := k.locks[key]
		if !busy {
			ch := make(chan struct{})
			k.locks[key] = ch
			k.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					k.mu.Lock()
					delete(k.locks, key)
					k.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		k.mu.Unlock()
		if !wait {
			return nil, fmt.Errorf("%w: %s", ErrIngestionInProgress, key)
		}
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MemoryExamLocker serializes ingestion within one process.
type MemoryExamLocker struct {
	keys *keyLock
}

func NewMemoryExamLocker() *MemoryExamLocker {
	return &MemoryExamLocker{keys: newKeyLock()}
}

func (m *MemoryExamLocker) Lock(ctx context.Context, examID string) (func(), error) {
	return m.keys.lock(ctx, examID, true)
}

func (m *MemoryExamLocker) TryLock(ctx context.Context, examID string) (func(), error) {
	return m.keys.lock(ctx, examID, false)
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisExamLocker serializes ingestion across processes sharing one Redis.
// The key carries a random token so only the holder can release it, and is
// refreshed while held so long runs keep their lock.
type RedisExamLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	prefix string
	log    *Logger
}

// NewRedisExamLocker returns a locker whose keys expire after ttl unless refreshed.
func NewRedisExamLocker(client *redis.Client, ttl time.Duration, log *Logger) *RedisExamLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisExamLocker{
		client: client,
		ttl:    ttl,
		poll:   250 * time.Millisecond,
		prefix: "examprep:ingest:",
		log:    orNop(log),
	}
}

func (r *RedisExamLocker) Lock(ctx context.Context, examID string) (func(), error) {
	return r.lock(ctx, examID, true)
}

func (r *RedisExamLocker) TryLock(ctx context.Context, examID string) (func(), error) {
	return r.lock(ctx, examID, false)
}

func (r *RedisExamLocker) lock(ctx context.Context, examID string, wait bool) (func(), error) {
	key := r.prefix + examID
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire exam lock %s: %w", examID, err)
		}
		if ok {
			return r.hold(key, token), nil
		}
		if !wait {
			return nil, fmt.Errorf("%w: %s", ErrIngestionInProgress, examID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func (r *RedisExamLocker) hold(key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				n, err := refreshScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
				cancel()
				if err != nil {
					r.log.Warn("exam lock refresh failed", "key", key, "error", err)
				} else if n == 0 {
					r.log.Error("exam lock lost", "key", key)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.log.Warn("exam lock release failed", "key", key, "error", err)
			}
		})
	}
}
