// Package ratelimit implements sliding-window rate limiting for the gate.
//
// Each key (and each key:tool pair) owns a deque of request timestamps. On
// admit, entries older than the window are dropped; if the remaining count
// meets the limit the request is denied together with the time until the
// window frees a slot. The same algorithm, rendered as a Redis sorted set
// with timestamp scores, backs the distributed rate check.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// Window is the sliding window span. Limits are expressed per minute.
const Window = time.Minute

// Result reports a limiter decision. ResetInMs is only meaningful on denial.
type Result struct {
	Allowed   bool
	Remaining int
	ResetInMs int64
}

// Limiter tracks sliding windows per string key. A limit of zero means
// unlimited: the call is always allowed and nothing is recorded.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	logger  *log.Logger
	nowFn   func() time.Time
	stop    chan struct{}
}

// NewLimiter creates a limiter and starts its background garbage collection.
func NewLimiter() *Limiter {
	l := &Limiter{
		windows: make(map[string][]time.Time),
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		nowFn:   time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Check evaluates the window without recording a hit. Used by the cascade so
// that denied requests never consume a slot.
func (l *Limiter) Check(key string, limit int) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	win := l.pruneLocked(key, now)
	if len(win) >= limit {
		resetAt := win[0].Add(Window)
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetInMs: resetAt.Sub(now).Milliseconds(),
		}
	}
	return Result{Allowed: true, Remaining: limit - len(win)}
}

// Record appends a hit for the key. Called only after the whole cascade
// allowed the request.
func (l *Limiter) Record(key string) {
	now := l.nowFn()
	l.mu.Lock()
	l.windows[key] = append(l.pruneLocked(key, now), now)
	l.mu.Unlock()
}

// Allow combines Check and Record: it admits and records in one step when
// the window has room. Convenience for callers outside the gate cascade.
func (l *Limiter) Allow(key string, limit int) Result {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	win := l.pruneLocked(key, now)
	if len(win) >= limit {
		resetAt := win[0].Add(Window)
		return Result{Allowed: false, ResetInMs: resetAt.Sub(now).Milliseconds()}
	}
	l.windows[key] = append(win, now)
	return Result{Allowed: true, Remaining: limit - len(win) - 1}
}

// AllowPair checks and records the global and tool windows in one step:
// either both ticks land or neither does, so concurrent commits cannot
// overshoot a window between a Check and a Record. The bool reports that the
// tool window was the one that denied.
func (l *Limiter) AllowPair(globalKey string, globalLimit int, toolKey string, toolLimit int) (Result, bool) {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := -1
	if globalLimit > 0 {
		win := l.pruneLocked(globalKey, now)
		if len(win) >= globalLimit {
			return Result{Allowed: false, ResetInMs: win[0].Add(Window).Sub(now).Milliseconds()}, false
		}
		remaining = globalLimit - len(win) - 1
	}
	if toolLimit > 0 {
		win := l.pruneLocked(toolKey, now)
		if len(win) >= toolLimit {
			return Result{Allowed: false, ResetInMs: win[0].Add(Window).Sub(now).Milliseconds()}, true
		}
	}
	if globalLimit > 0 {
		l.windows[globalKey] = append(l.windows[globalKey], now)
	}
	if toolLimit > 0 {
		l.windows[toolKey] = append(l.windows[toolKey], now)
	}
	return Result{Allowed: true, Remaining: remaining}, false
}

// Release drops the newest tick for the key, undoing a reservation whose
// call was denied later in the commit.
func (l *Limiter) Release(key string) {
	l.mu.Lock()
	if win := l.windows[key]; len(win) > 0 {
		win = win[:len(win)-1]
		if len(win) == 0 {
			delete(l.windows, key)
		} else {
			l.windows[key] = win
		}
	}
	l.mu.Unlock()
}

// pruneLocked drops timestamps older than the window. Caller holds the lock.
func (l *Limiter) pruneLocked(key string, now time.Time) []time.Time {
	win := l.windows[key]
	cutoff := now.Add(-Window)
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	if i > 0 {
		win = win[i:]
	}
	if len(win) == 0 {
		delete(l.windows, key)
		return nil
	}
	l.windows[key] = win
	return win
}

// ActiveWindows returns the number of keys with live windows.
func (l *Limiter) ActiveWindows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// cleanup periodically removes stale windows so idle keys do not leak.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.nowFn()
			cutoff := now.Add(-2 * Window)
			l.mu.Lock()
			for key, win := range l.windows {
				if len(win) == 0 || win[len(win)-1].Before(cutoff) {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
