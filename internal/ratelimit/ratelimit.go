// Package ratelimit throttles outbound sends per recipient using a
// fixed-window counter. Acquire never rejects: inside the window it
// admits immediately, at the limit it suspends the caller until the
// window resets.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidMaxRequests = errors.New("ratelimit: max requests must be positive")
	ErrInvalidWindow      = errors.New("ratelimit: window must be positive")
)

const (
	DefaultMaxRequests = 30
	DefaultWindow      = time.Second
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter tracks one fixed window per recipient key. State is private to
// one service instance; distinct keys never block each other beyond the
// shared map lock, which is never held across a wait.
type Limiter struct {
	maxRequests int
	window      time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

func New(maxRequests int, windowDur time.Duration) (*Limiter, error) {
	if maxRequests <= 0 {
		return nil, ErrInvalidMaxRequests
	}
	if windowDur <= 0 {
		return nil, ErrInvalidWindow
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      windowDur,
		windows:     make(map[string]*window),
	}, nil
}

// Acquire admits one send for key, suspending until the key's window
// resets when the window is exhausted. The wait is bounded by the window
// duration; ctx cancellation aborts a pending wait.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	for {
		wait, admitted := l.tryAdmit(key)
		if admitted {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit performs the read-modify-write on the key's window as one
// atomic step. When the window is exhausted it returns the remaining
// wait; the caller sleeps and re-evaluates, so a racing waiter that
// opened a fresh window first is counted correctly.
func (l *Limiter) tryAdmit(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.window)}
		return 0, true
	}
	if w.count < l.maxRequests {
		w.count++
		return 0, true
	}
	return w.resetAt.Sub(now), false
}

// Sweep drops windows that expired more than maxIdle ago. Behavior for
// any key still inside a window is unchanged; this only bounds map
// growth across many distinct recipients.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.resetAt) > maxIdle {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Tracked reports the number of recipient windows currently held.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
