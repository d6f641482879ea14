package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds first try", func(t *testing.T) {
		calls := 0
		v, attempts, err := Do(ctx, fastPolicy(3), func(context.Context) (int, error) {
			calls++
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		v, attempts, err := Do(ctx, fastPolicy(3), func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("flaky")
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		_, attempts, err := Do(ctx, fastPolicy(4), func(context.Context) (int, error) {
			calls++
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, attempts)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		bad := errors.New("bad request")
		calls := 0
		_, attempts, err := Do(ctx, fastPolicy(5), func(context.Context) (int, error) {
			calls++
			return 0, Permanent(bad)
		})
		assert.ErrorIs(t, err, bad)
		assert.False(t, IsPermanent(err), "wrapper is removed")
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		_, _, err := Do(cctx, Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2},
			func(context.Context) (int, error) {
				calls++
				cancel()
				return 0, errors.New("fail")
			})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(10))
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestPolicyWait(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.2}.normalized()

	for i := 0; i < 50; i++ {
		d := p.wait(2, errors.New("flaky"))
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}

	exact := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.normalized()
	assert.Equal(t, 100*time.Millisecond, exact.wait(1, errors.New("flaky")), "zero jitter keeps the backoff")

	hinted := WithRetryAfter(errors.New("429"), 700*time.Millisecond)
	assert.Equal(t, 700*time.Millisecond, exact.wait(1, hinted), "server hint replaces the backoff")
	assert.Equal(t, time.Second, exact.wait(1, WithRetryAfter(errors.New("429"), time.Minute)), "hint is capped")

	assert.Zero(t, Policy{Jitter: 1.5}.normalized().Jitter)
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	limited := errors.New("rate limited")
	calls := 0
	start := time.Now()
	_, attempts, err := Do(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, WithRetryAfter(limited, 3*time.Millisecond)
	})
	assert.ErrorIs(t, err, limited)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)

	d, ok := RetryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Millisecond, d)
}

func TestWithRetryAfter(t *testing.T) {
	base := errors.New("503")
	assert.Same(t, base, WithRetryAfter(base, 0))
	assert.NoError(t, WithRetryAfter(nil, time.Second))
	_, ok := RetryAfterHint(base)
	assert.False(t, ok)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{" 10 ", 10 * time.Second},
		{"0", 0},
		{"-4", 0},
		{"soon", 0},
		{"Fri, 15 Mar 2024 12:00:30 GMT", 30 * time.Second},
		{"Fri, 15 Mar 2024 11:59:00 GMT", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRetryAfter(tt.value, now), "value=%q", tt.value)
	}
}
