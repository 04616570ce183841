package docexport

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// rateWindow is the trailing window of the hard cap.
const rateWindow = time.Minute

// RateLimitConfig tunes a [RateLimiter].
type RateLimitConfig struct {
	// RequestsPerMinute caps actions in any trailing 60s window. Zero disables the cap.
	RequestsPerMinute int
	// MinDelay is the starting and reset value of the adaptive delay.
	MinDelay time.Duration
	// MaxDelay caps exponential backoff.
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay on each error.
	BackoffMultiplier float64
	// RandomFactor is the symmetric jitter applied to each delay (0.3 = ±30%).
	RandomFactor float64
	// OccasionalLongPause is the probability of stretching a delay by LongPauseMultiplier.
	OccasionalLongPause float64
	// LongPauseMultiplier stretches an occasional delay.
	LongPauseMultiplier float64
	// CooldownPeriod is the pause applied on an explicit rate-limit signal.
	CooldownPeriod time.Duration
}

// DefaultRateLimitConfig returns conservative pacing for a human-facing UI.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute:   20,
		MinDelay:            3 * time.Second,
		MaxDelay:            30 * time.Second,
		BackoffMultiplier:   1.5,
		RandomFactor:        0.3,
		OccasionalLongPause: 0.1,
		LongPauseMultiplier: 3,
		CooldownPeriod:      5 * time.Minute,
	}
}

// RateLimiter paces actions against the remote service. It never rejects an
// action, it only delays it.
//
// Two layers apply: a hard cap of RequestsPerMinute actions in any trailing
// minute, and an adaptive, jittered delay between consecutive actions that
// grows on errors and resets on success.
type RateLimiter struct {
	cfg    RateLimitConfig
	clock  Clock
	rand   func() float64
	logger *slog.Logger

	mu           sync.Mutex
	window       []time.Time
	last         time.Time
	currentDelay time.Duration
	errCount     int
}

// NewRateLimiter creates a limiter. A nil clock uses the wall clock; a nil
// rnd uses math/rand.
func NewRateLimiter(cfg RateLimitConfig, clock Clock, rnd func() float64, logger *slog.Logger) *RateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &RateLimiter{
		cfg:          cfg,
		clock:        clock,
		rand:         rnd,
		logger:       logger,
		currentDelay: cfg.MinDelay,
	}
}

// WaitForNextSlot suspends until it is safe to issue the next action, then
// records it. It returns early with ctx's error if ctx is done.
func (l *RateLimiter) WaitForNextSlot(ctx context.Context) error {
	if d := l.pacingWait(); d > 0 {
		l.logger.Debug("pacing before next action", "delay", d)
		if err := l.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
	for {
		d := l.capWait()
		if d <= 0 {
			break
		}
		l.logger.Info("per-minute cap reached, waiting for window", "wait", d.Round(time.Millisecond))
		if err := l.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}

	l.mu.Lock()
	now := l.clock.Now()
	l.cleanup(now)
	l.window = append(l.window, now)
	l.last = now
	l.mu.Unlock()
	return nil
}

// pacingWait returns how long to wait so that the jittered adaptive delay
// has elapsed since the previous action.
func (l *RateLimiter) pacingWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last.IsZero() || l.currentDelay <= 0 {
		return 0
	}
	factor := 1 + (l.rand()*2-1)*l.cfg.RandomFactor
	d := time.Duration(float64(l.currentDelay) * factor)
	if l.cfg.OccasionalLongPause > 0 && l.rand() < l.cfg.OccasionalLongPause {
		d = time.Duration(float64(d) * l.cfg.LongPauseMultiplier)
	}
	return d - l.clock.Now().Sub(l.last)
}

// capWait returns how long until the oldest action leaves the window, or
// zero when there is room.
func (l *RateLimiter) capWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.RequestsPerMinute <= 0 {
		return 0
	}
	now := l.clock.Now()
	l.cleanup(now)
	if len(l.window) < l.cfg.RequestsPerMinute {
		return 0
	}
	return l.window[0].Add(rateWindow).Sub(now)
}

// cleanup drops timestamps that are a full window old. Callers hold mu.
func (l *RateLimiter) cleanup(now time.Time) {
	i := 0
	for i < len(l.window) && now.Sub(l.window[i]) >= rateWindow {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// HandleSuccess resets the adaptive delay and the consecutive error count.
func (l *RateLimiter) HandleSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentDelay = l.cfg.MinDelay
	l.errCount = 0
}

// HandleError grows the adaptive delay by BackoffMultiplier, capped at MaxDelay.
func (l *RateLimiter) HandleError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errCount++
	next := time.Duration(float64(l.currentDelay) * l.cfg.BackoffMultiplier)
	if next > l.cfg.MaxDelay {
		next = l.cfg.MaxDelay
	}
	l.currentDelay = next
}

// ApplyCooldown pauses for CooldownPeriod after an explicit throttling
// signal, then resets the window, the delay and the error count.
func (l *RateLimiter) ApplyCooldown(ctx context.Context) error {
	l.logger.Warn("rate limit signalled by service, cooling down", "cooldown", l.cfg.CooldownPeriod)
	if err := l.clock.Sleep(ctx, l.cfg.CooldownPeriod); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = l.window[:0]
	l.last = time.Time{}
	l.currentDelay = l.cfg.MinDelay
	l.errCount = 0
	return nil
}

// CurrentDelay returns the adaptive delay before jitter.
func (l *RateLimiter) CurrentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentDelay
}

// ConsecutiveErrors returns the number of errors since the last success.
func (l *RateLimiter) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errCount
}

// WindowLen returns the number of actions in the current window.
func (l *RateLimiter) WindowLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(l.clock.Now())
	return len(l.window)
}
