package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultGuestDailyLimit is the guest allowance per IP per local day
	DefaultGuestDailyLimit = 10
	// MaxGuestDailyLimit is the hard ceiling for a configured guest limit
	MaxGuestDailyLimit = 100
)

// Decision is the result of one CheckAndIncrement call
type Decision struct {
	Allowed   bool
	Count     int // requests counted in the current window, including this one
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests per key. The in-process FixedWindow serves a
// single instance; multi-instance deployments plug in an external atomic
// counter store behind the same interface.
type RateLimiter interface {
	CheckAndIncrement(key string) Decision
}

// window is one key's counter for the current calendar day
type window struct {
	count   int
	resetAt time.Time
}

// FixedWindow implements a per-key counter that resets at local midnight
type FixedWindow struct {
	limit   int
	now     func() time.Time
	windows map[string]*window
	mu      sync.Mutex
}

// ClampLimit applies the default for unset limits and the hard ceiling
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultGuestDailyLimit
	}
	if limit > MaxGuestDailyLimit {
		return MaxGuestDailyLimit
	}
	return limit
}

// New creates a daily fixed-window limiter.
// limit <= 0 falls back to DefaultGuestDailyLimit; values above
// MaxGuestDailyLimit are clamped.
func New(limit int) *FixedWindow {
	return NewWithClock(limit, time.Now)
}

// NewWithClock creates a limiter reading time from now
func NewWithClock(limit int, now func() time.Time) *FixedWindow {
	return &FixedWindow{
		limit:   ClampLimit(limit),
		now:     now,
		windows: make(map[string]*window),
	}
}

// Limit returns the effective per-window limit
func (l *FixedWindow) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// SetLimit changes the limit for every key, counts already taken today stay
func (l *FixedWindow) SetLimit(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = ClampLimit(limit)
}

// CheckAndIncrement counts a request for key and reports whether it fits in
// the window. A denied request is still counted so repeated attempts stay denied.
func (l *FixedWindow) CheckAndIncrement(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.current(key, now)
	w.count++

	remaining := l.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= l.limit,
		Count:     w.count,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

// Remaining returns how many requests key has left today
func (l *FixedWindow) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !l.now().Before(w.resetAt) {
		return l.limit
	}
	if w.count >= l.limit {
		return 0
	}
	return l.limit - w.count
}

// Reset clears the counter for key
func (l *FixedWindow) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// ResetAll clears every counter
func (l *FixedWindow) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

// Len returns the number of tracked keys (expired ones included until pruned)
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// current returns the live window for key, starting a new one after the
// reset boundary. Caller holds l.mu.
func (l *FixedWindow) current(key string, now time.Time) *window {
	w, ok := l.windows[key]
	if ok && now.Before(w.resetAt) {
		return w
	}
	if ok {
		// The first request of a new day also drops other stale windows
		l.prune(now)
	}
	w = &window{resetAt: NextMidnight(now)}
	l.windows[key] = w
	return w
}

func (l *FixedWindow) prune(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

// NextMidnight returns the start of the day after t in t's location
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
