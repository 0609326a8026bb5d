package gateway

import (
	"sync"
	"time"
)

// RateWindow is one session's fixed window.
type RateWindow struct {
	Count   int
	ResetAt time.Time
}

// RateLimiter is a fixed-window counter keyed by session id.
//
// A request opens a new window when the key has none or the current one
// has passed its reset time; otherwise it is denied once the window holds
// limit requests.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*RateWindow
}

// NewRateLimiter allows limit requests per window. A nil now uses
// time.Now.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*RateWindow),
	}
}

// Allow counts one request for key and reports whether it is admitted.
func (l *RateLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	switch {
	case !ok || now.After(w.ResetAt):
		l.windows[key] = &RateWindow{Count: 1, ResetAt: now.Add(l.window)}
		return true
	case w.Count >= l.limit:
		return false
	default:
		w.Count++
		return true
	}
}

// Window returns a copy of key's current window.
func (l *RateLimiter) Window(key string) (RateWindow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		return RateWindow{}, false
	}
	return *w, true
}

// Forget drops key's window.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}
