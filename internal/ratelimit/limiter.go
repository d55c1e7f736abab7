// Package ratelimit bounds outbound Microsoft Graph requests.
//
// Graph allows roughly 10,000 requests per 10 minutes per app. The limiter
// enforces that as a fixed-window counter: below the quota, callers are
// admitted immediately; at the quota, callers queue and are released in
// FIFO order when the window rolls over. A caller-initiated request is
// never rejected because of local throttling, only delayed.
//
// A token-bucket smoother (golang.org/x/time/rate) sits in front of the
// window so admitted traffic is paced rather than bursting the full quota
// at the window boundary. The local window is a conservative safety valve,
// not a guarantee: server-side 429s are still handled independently by the
// Graph client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds limiter settings.
type Config struct {
	// WindowRequests is the admission quota per window.
	WindowRequests int
	// Window is the fixed window length.
	Window time.Duration
	// SmoothRPS is the sustained pacing rate. Zero disables the smoother.
	SmoothRPS float64
	// Burst is the smoother's burst size.
	Burst int
}

// DefaultConfig mirrors the documented Graph quota with conservative
// pacing.
func DefaultConfig() Config {
	return Config{
		WindowRequests: 10000,
		Window:         10 * time.Minute,
		SmoothRPS:      10.0,
		Burst:          15,
	}
}

// waiter is one queued admission request.
type waiter struct {
	ch chan struct{}
}

// Limiter is a fixed-window admission gate, safe for concurrent use. The
// admit decision and counter increment happen as a single step under the
// mutex, so concurrent callers can never jointly exceed the quota.
type Limiter struct {
	cfg      Config
	smoother *rate.Limiter

	mu          sync.Mutex
	windowStart time.Time
	count       int
	queue       []*waiter
	timer       *time.Timer

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a limiter. Non-positive config fields fall back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.WindowRequests <= 0 {
		cfg.WindowRequests = def.WindowRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	l := &Limiter{cfg: cfg, now: time.Now}
	if cfg.SmoothRPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = def.Burst
		}
		l.smoother = rate.NewLimiter(rate.Limit(cfg.SmoothRPS), burst)
	}
	return l
}

// Admit blocks until the caller may issue one outbound request, or until
// ctx is done. Callers queued against a full window are released in the
// order they arrived.
func (l *Limiter) Admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.admitWindow(ctx); err != nil {
		return err
	}
	if l.smoother != nil {
		return l.smoother.Wait(ctx)
	}
	return nil
}

func (l *Limiter) admitWindow(ctx context.Context) error {
	l.mu.Lock()
	l.roll()

	if len(l.queue) == 0 && l.count < l.cfg.WindowRequests {
		l.count++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.scheduleRoll()
	l.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ch:
			// Released between ctx firing and the lock; the admission
			// slot is already consumed, so let the caller proceed.
			l.mu.Unlock()
			return nil
		default:
		}
		l.dequeue(w)
		l.mu.Unlock()
		return ctx.Err()
	}
}

// roll resets the window if it has elapsed and releases queued waiters
// into the fresh quota. Callers must hold l.mu.
func (l *Limiter) roll() {
	now := l.now()
	if l.windowStart.IsZero() {
		l.windowStart = now
		return
	}
	if now.Sub(l.windowStart) < l.cfg.Window {
		return
	}

	l.windowStart = now
	l.count = 0
	for l.count < l.cfg.WindowRequests && len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.count++
		close(w.ch)
	}
}

// scheduleRoll arms the roll timer for the current window's end. Callers
// must hold l.mu.
func (l *Limiter) scheduleRoll() {
	if l.timer != nil {
		return
	}
	delay := l.windowStart.Add(l.cfg.Window).Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	l.timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.timer = nil
		l.roll()
		if len(l.queue) > 0 {
			l.scheduleRoll()
		}
		l.mu.Unlock()
	})
}

// dequeue removes a cancelled waiter. Callers must hold l.mu.
func (l *Limiter) dequeue(target *waiter) {
	for i, w := range l.queue {
		if w == target {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// Pending returns the number of queued admission requests.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
