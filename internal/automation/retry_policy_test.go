package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 50*time.Millisecond)
	transient := Transient(ProviderCopy, ReasonUnavailable, errors.New("503"))
	permanent := Permanent(ProviderPublisher, ReasonConflict, errors.New("exists"))

	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", transient), 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(permanent, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(errors.New("plain"), 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.Equal(t, 3, p.MaxAttempts())
}

func TestExponentialRetryPolicyBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
	require.GreaterOrEqual(t, p.Backoff(1), 5*time.Millisecond)
}

func TestProviderErrorMessage(t *testing.T) {
	t.Parallel()

	err := Transient(ProviderImage, ReasonRateLimited, errors.New("slow down")).WithStatus(429)
	err.Exhausted = true
	err.Attempts = 3
	require.Equal(t, "image transient error (rate_limited) status=429 after 3 attempts: slow down", err.Error())
	require.True(t, IsTransient(err))
	require.False(t, IsPermanent(err))
	require.True(t, HasReason(fmt.Errorf("stage: %w", err), ReasonRateLimited))
}
