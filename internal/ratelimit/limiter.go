package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute

	// idle windows older than this many window lengths are evicted
	staleWindows         = 10
	defaultSweepInterval = time.Minute
)

type Config struct {
	// Limit is the number of requests a client may make per window.
	Limit  int
	Window time.Duration
	// SweepInterval is how often idle client windows are evicted.
	SweepInterval time.Duration
	// TrustProxyHeaders keys clients by X-Forwarded-For / X-Real-IP. Only
	// enable it behind a proxy that overwrites those headers; otherwise a
	// client can pick its own key.
	TrustProxyHeaders bool
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter per client key. All windows share one
// mutex; nothing under the lock blocks.
type Limiter struct {
	limit  int
	window time.Duration
	sweep  time.Duration
	now    func() time.Time

	trustProxy bool

	mu      sync.Mutex
	windows map[string]*window

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a limiter and starts its eviction goroutine. Call Stop to
// release it.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.sweepLoop()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Limiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		sweep:   cfg.SweepInterval,
		now:     now,
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),

		trustProxy: cfg.TrustProxyHeaders,
	}
}

// Allow takes a permit for key. When the window is full it reports how long
// until the window rolls over.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count < l.limit {
		w.count++
		return true, 0
	}
	return false, w.start.Add(l.window).Sub(now)
}

// Stop ends the eviction goroutine. Safe to call multiple times.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Len returns the number of tracked client windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	cutoff := l.now().Add(-staleWindows * l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}
