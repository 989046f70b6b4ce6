package ratelimit

import (
	"sync"
	"time"
)

// Verdict reports one admission decision for a caller.
type Verdict struct {
	Allowed    bool
	Attempts   int
	Limit      int
	RetryAfter time.Duration
}

// Limiter bounds context creations per caller phone number. Tool calls are
// not limited; a call that got a context is already inside the trust boundary.
type Limiter interface {
	AllowCall(phone string) Verdict
}

// MemoryLimiter counts call starts per phone in fixed windows.
type MemoryLimiter struct {
	Window time.Duration
	Limit  int
	Now    func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

type window struct {
	attempts int
	endsAt   time.Time
}

func NewMemory(limit int, windowSize time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &MemoryLimiter{
		Window:  windowSize,
		Limit:   limit,
		Now:     func() time.Time { return time.Now().UTC() },
		windows: make(map[string]window),
	}
}

func (l *MemoryLimiter) AllowCall(phone string) Verdict {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop stale windows so repeat offenders are the only retained keys.
	for k, w := range l.windows {
		if now.After(w.endsAt) {
			delete(l.windows, k)
		}
	}

	w, ok := l.windows[phone]
	if !ok || now.After(w.endsAt) {
		w = window{endsAt: now.Add(l.Window)}
	}
	w.attempts++
	l.windows[phone] = w

	v := Verdict{
		Allowed:  w.attempts <= l.Limit,
		Attempts: w.attempts,
		Limit:    l.Limit,
	}
	if !v.Allowed {
		v.RetryAfter = w.endsAt.Sub(now)
	}
	return v
}
