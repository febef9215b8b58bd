// Package ratelimit gates calls to external providers.
//
// Limiter enforces a minimum delay between successive grants per provider,
// serving waiters in arrival order. HostLimiter is a token bucket per source
// host used to keep scraping polite.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/product-automation/internal/telemetry"
)

// Config holds per-provider delays.
type Config struct {
	// Delays maps provider name to the minimum gap between grants.
	Delays map[string]time.Duration
	// DefaultDelay applies to providers missing from Delays.
	DefaultDelay time.Duration
	// OnGrant, when set, is called with each grant time while the provider
	// gate is still held, so calls are ordered per provider.
	OnGrant func(provider string, at time.Time)
}

// Limiter serializes grants per provider. Each provider owns a gate; waiters
// queue on the gate in arrival order and the holder sleeps until the delay
// since the previous grant has elapsed.
type Limiter struct {
	mu      sync.Mutex
	slots   map[string]*slot
	delays  map[string]time.Duration
	def     time.Duration
	onGrant func(string, time.Time)
}

type slot struct {
	gate chan struct{}
	last time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	delays := make(map[string]time.Duration, len(cfg.Delays))
	for k, v := range cfg.Delays {
		if v < 0 {
			v = 0
		}
		delays[k] = v
	}
	def := cfg.DefaultDelay
	if def < 0 {
		def = 0
	}
	return &Limiter{
		slots:   make(map[string]*slot),
		delays:  delays,
		def:     def,
		onGrant: cfg.OnGrant,
	}
}

// SetDelay changes the delay for a provider. It applies to the next grant.
func (l *Limiter) SetDelay(provider string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays[provider] = delay
}

// Delay returns the configured delay for a provider.
func (l *Limiter) Delay(provider string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayLocked(provider)
}

type delaysKey struct{}

// WithDelays attaches per-provider delays that replace the configured ones
// for Acquire calls made with the returned context. Providers missing from
// delays keep the limiter's own setting.
func WithDelays(ctx context.Context, delays map[string]time.Duration) context.Context {
	if len(delays) == 0 {
		return ctx
	}
	return context.WithValue(ctx, delaysKey{}, delays)
}

func delayOverride(ctx context.Context, provider string) (time.Duration, bool) {
	delays, _ := ctx.Value(delaysKey{}).(map[string]time.Duration)
	d, ok := delays[provider]
	if !ok {
		return 0, false
	}
	return max(d, 0), true
}

// Acquire blocks until provider may be called again and records the grant.
// The gap to the previous grant is the context's delay for provider when one
// is attached, otherwise the configured delay.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	s := l.slot(provider)
	start := time.Now()

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait for %s: %w", provider, ctx.Err())
	}
	defer func() { <-s.gate }()

	delay, ok := delayOverride(ctx, provider)
	if !ok {
		delay = l.Delay(provider)
	}
	if !s.last.IsZero() {
		if wait := delay - time.Since(s.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("rate limit wait for %s: %w", provider, ctx.Err())
			}
		}
	}
	s.last = time.Now()
	if l.onGrant != nil {
		l.onGrant(provider, s.last)
	}
	if waited := s.last.Sub(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitWait(provider, waited)
	}
	return nil
}

func (l *Limiter) slot(provider string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[provider]
	if !ok {
		s = &slot{gate: make(chan struct{}, 1)}
		l.slots[provider] = s
	}
	return s
}

func (l *Limiter) delayLocked(provider string) time.Duration {
	if d, ok := l.delays[provider]; ok {
		return d
	}
	return l.def
}
