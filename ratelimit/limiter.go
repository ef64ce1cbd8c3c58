// Package ratelimit paces fetches with a jittered per-worker delay and
// an optional shared per-host token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds limiter configuration. Delay is the base pause before
// each fetch; when Randomize is set each pause is drawn uniformly from
// [JitterMin*Delay, JitterMax*Delay]. PerHostRPS > 0 adds a token
// bucket per hostname shared across workers.
type Config struct {
	Delay        time.Duration
	Randomize    bool
	JitterMin    float64
	JitterMax    float64
	PerHostRPS   float64
	PerHostBurst int
}

// Limiter throttles fetch cadence. The base delay runs on the calling
// goroutine, so it shapes each worker's own rhythm without serializing
// workers against each other.
type Limiter struct {
	delay     time.Duration
	randomize bool
	jitterMin float64
	jitterMax float64

	hostRate  rate.Limit
	hostBurst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter from cfg, normalizing the jitter range to the
// documented 0.5..1.5 defaults when unset or inverted.
func New(cfg Config) *Limiter {
	minScale, maxScale := cfg.JitterMin, cfg.JitterMax
	if minScale <= 0 {
		minScale = 0.5
	}
	if maxScale < minScale {
		maxScale = 1.5
	}
	burst := cfg.PerHostBurst
	if burst <= 0 {
		burst = 1
	}
	hostRate := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		hostRate = rate.Inf
	}
	return &Limiter{
		delay:     cfg.Delay,
		randomize: cfg.Randomize,
		jitterMin: minScale,
		jitterMax: maxScale,
		hostRate:  hostRate,
		hostBurst: burst,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// NextDelay returns the pause to apply before one fetch.
func (l *Limiter) NextDelay() time.Duration {
	if l.delay <= 0 {
		return 0
	}
	if !l.randomize {
		return l.delay
	}
	scale := l.jitterMin + rand.Float64()*(l.jitterMax-l.jitterMin)
	return time.Duration(float64(l.delay) * scale)
}

// Wait blocks the calling worker for the computed delay and then, when
// a per-host rate is configured, for a bucket token for u's host. It
// returns the context error on cancellation.
func (l *Limiter) Wait(ctx context.Context, u *url.URL) error {
	if d := l.NextDelay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if l.hostRate == rate.Inf || u == nil {
		return nil
	}
	if err := l.bucket(u.Hostname()).Wait(ctx); err != nil {
		return fmt.Errorf("host rate wait: %w", err)
	}
	return nil
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.hostRate, l.hostBurst)
		l.buckets[host] = b
	}
	return b
}
