// Package provider holds the call discipline shared by every external
// provider adapter: rate limiting, per-attempt timeouts, error classification
// and bounded retry of transient failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/telemetry"
)

// Caller wraps provider attempts for one named provider.
type Caller struct {
	name    string
	limiter automation.RateLimiter
	policy  automation.RetryPolicy
	timeout time.Duration
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customises a Caller.
type Option func(*Caller)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Caller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep overrides the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// NewCaller builds a Caller. A nil policy uses the default exponential policy
// and a non-positive timeout disables the per-attempt deadline.
func NewCaller(name string, limiter automation.RateLimiter, policy automation.RetryPolicy, timeout time.Duration, opts ...Option) *Caller {
	if policy == nil {
		policy = automation.NewExponentialRetryPolicy()
	}
	c := &Caller{
		name:    name,
		limiter: limiter,
		policy:  policy,
		timeout: timeout,
		logger:  zap.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Caller) Name() string {
	return c.name
}

// Call runs fn until it succeeds, fails permanently or the retry budget is
// spent. Every attempt first acquires the rate limiter. The returned error is
// always a *automation.ProviderError or the parent context error.
func (c *Caller) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := c.CallCounted(ctx, fn)
	return err
}

// CallCounted is Call that also reports how many attempts were made.
func (c *Caller) CallCounted(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	n, err := c.callCounted(ctx, fn)
	if counter, ok := ctx.Value(attemptsKey{}).(*atomic.Int64); ok {
		counter.Add(int64(n))
	}
	return n, err
}

type attemptsKey struct{}

// CountAttempts returns a context that tallies the attempts of every Caller
// invoked with it, and a func reading the running total.
func CountAttempts(ctx context.Context) (context.Context, func() int) {
	counter := new(atomic.Int64)
	return context.WithValue(ctx, attemptsKey{}, counter), func() int { return int(counter.Load()) }
}

type idempotencyKey struct{}

// WithIdempotencyKey tags ctx with a key that stays the same across retries
// and reclaims of one unit of work. Adapters with side effects use it to find
// what an earlier attempt already did.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key set by WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

func (c *Caller) callCounted(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, c.name); err != nil {
				return attempt - 1, err
			}
		}

		err := c.attempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("%s call: %w", c.name, ctx.Err())
		}

		perr := c.classify(err)
		perr.Attempts = attempt
		if !c.policy.ShouldRetry(perr, attempt) {
			if perr.Kind == automation.KindTransient {
				// Out of attempts: the stage fails for good.
				perr.Kind = automation.KindPermanent
				perr.Exhausted = true
			}
			return attempt, perr
		}

		backoff := c.policy.Backoff(attempt)
		telemetry.ObserveProviderRetry(c.name)
		c.logger.Warn("transient provider failure, retrying",
			logging.Provider(c.name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(perr),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return attempt, fmt.Errorf("%s call: %w", c.name, err)
		}
	}
}

func (c *Caller) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(attemptCtx)
	outcome := "ok"
	switch {
	case err == nil:
	case automation.IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "transient"
	}
	telemetry.ObserveProviderCall(c.name, outcome, time.Since(start))

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !automation.IsPermanent(err) {
		return automation.Transient(c.name, automation.ReasonTimeout,
			fmt.Errorf("attempt exceeded %s: %w", c.timeout, err))
	}
	return err
}

// classify coerces any adapter error into a ProviderError. Errors adapters did
// not classify are treated as transient when they look like network failures
// and permanent otherwise.
func (c *Caller) classify(err error) *automation.ProviderError {
	var perr *automation.ProviderError
	if errors.As(err, &perr) {
		cp := *perr
		if cp.Provider == "" {
			cp.Provider = c.name
		}
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return automation.Transient(c.name, automation.ReasonTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return automation.Transient(c.name, automation.ReasonUnavailable, err)
	}
	return automation.Permanent(c.name, automation.ReasonBadResponse, err)
}

// ClassifyStatus maps an upstream HTTP status to a provider error. It returns
// nil for 2xx and 3xx responses.
func ClassifyStatus(provider string, status int, body string) *automation.ProviderError {
	if status < http.StatusBadRequest {
		return nil
	}
	cause := errors.New(http.StatusText(status))
	if body != "" {
		cause = fmt.Errorf("%s: %s", http.StatusText(status), truncate(body, 512))
	}
	var perr *automation.ProviderError
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		perr = automation.Transient(provider, automation.ReasonTimeout, cause)
	case status == http.StatusTooManyRequests:
		perr = automation.Transient(provider, automation.ReasonRateLimited, cause)
	case status == http.StatusTooEarly || status >= http.StatusInternalServerError:
		perr = automation.Transient(provider, automation.ReasonUnavailable, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		perr = automation.Permanent(provider, automation.ReasonAuth, cause)
	case status == http.StatusNotFound || status == http.StatusGone:
		perr = automation.Permanent(provider, automation.ReasonNotFound, cause)
	case status == http.StatusConflict:
		perr = automation.Permanent(provider, automation.ReasonConflict, cause)
	default:
		perr = automation.Permanent(provider, automation.ReasonInvalidInput, cause)
	}
	return perr.WithStatus(status)
}

// Transport wraps a failed round trip as a transient error.
func Transport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return automation.Transient(provider, automation.ReasonTimeout, err)
	}
	return automation.Transient(provider, automation.ReasonUnavailable, err)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
