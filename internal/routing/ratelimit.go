package routing

import (
	"sync"
	"time"
)

// maxTrackedKeys bounds the limiter map so rotating sender ids cannot
// grow it without bound.
const maxTrackedKeys = 4096

type windowEntry struct {
	windowStart time.Time
	count       int
}

// WindowLimiter is a fixed-window counter keyed by sender id. Window
// and max are supplied per call so admin setting changes take effect
// immediately instead of at the next restart.
type WindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

func NewWindowLimiter() *WindowLimiter {
	return &WindowLimiter{entries: make(map[string]*windowEntry)}
}

// Allow records one event for key and reports whether it fits inside
// the current window.
func (l *WindowLimiter) Allow(key string, max int, window time.Duration) bool {
	return l.allowAt(key, max, window, time.Now())
}

func (l *WindowLimiter) allowAt(key string, max int, window time.Duration, now time.Time) bool {
	if max <= 0 || window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxTrackedKeys {
			l.pruneLocked(window, now)
		}
		l.entries[key] = &windowEntry{windowStart: now, count: 1}
		return true
	}
	if now.Sub(e.windowStart) >= window {
		e.windowStart = now
		e.count = 1
		return true
	}
	e.count++
	return e.count <= max
}

// pruneLocked drops entries whose window has passed. If every entry is
// still live it evicts arbitrary ones until the map has room; letting a
// few extra events through beats unbounded growth.
func (l *WindowLimiter) pruneLocked(window time.Duration, now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= window {
			delete(l.entries, k)
		}
	}
	for k := range l.entries {
		if len(l.entries) < maxTrackedKeys {
			break
		}
		delete(l.entries, k)
	}
}

// Size returns the number of tracked keys.
func (l *WindowLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
