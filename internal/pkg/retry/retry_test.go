package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Name: "test"}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	want := errors.New("still down")
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		return want
	})

	assert.ErrorIs(t, err, want)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	want := errors.New("validation failed")
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return Permanent(want)
	})

	assert.Equal(t, want, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsPermanent(err), "Do unwraps the permanent marker")
	assert.True(t, IsPermanent(Permanent(want)))
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestDoNotify_ReportsAttempts(t *testing.T) {
	var attempts []int
	_ = DoNotify(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		return errors.New("x")
	}, func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
		assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPolicyDelay_Bounded(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second}.normalized()
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
