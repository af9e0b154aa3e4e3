package examprep

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter guards one rate-limited model endpoint. A single instance is shared by
// every ExtractionClient call that targets the same model.
type Limiter interface {
	// Acquire blocks until a request slot is free or ctx is done.
	Acquire(ctx context.Context) error
	Release()
	// Pause holds back every caller until d has elapsed, e.g. after a timeout or 429.
	Pause(d time.Duration)
}

// ModelLimiter caps in-flight calls with a weighted semaphore and smooths the request
// rate with a token bucket. Pause windows are shared by all callers.
type ModelLimiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter

	mu    sync.Mutex
	until time.Time
}

// NewModelLimiter allows concurrency in-flight calls and rps requests per second
// (rps <= 0 disables the token bucket).
func NewModelLimiter(concurrency int, rps float64) *ModelLimiter {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &ModelLimiter{sem: semaphore.NewWeighted(int64(concurrency))}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

func (l *ModelLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.waitPause(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			l.sem.Release(1)
			return err
		}
	}
	return nil
}

func (l *ModelLimiter) Release() {
	l.sem.Release(1)
}

func (l *ModelLimiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := time.Now().Add(d); until.After(l.until) {
		l.until = until
	}
}

func (l *ModelLimiter) waitPause(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.until)
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
