package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &waits
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	waits := recordSleeps(t)
	calls := 0

	err := Retry(context.Background(), RetryConfig{MaxRetries: 4, InitialInterval: time.Second, Multiplier: 2}, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
}

func TestRetryExhausted(t *testing.T) {
	waits := recordSleeps(t)
	boom := errors.New("unexpected HTTP status code: 404")

	err := Retry(context.Background(), RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, Multiplier: 1}, func() error {
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, *waits, 2)
}

func TestRetryPermanentStopsEarly(t *testing.T) {
	recordSleeps(t)
	calls := 0
	cause := errors.New("bad request")

	err := Retry(context.Background(), RetryConfig{MaxRetries: 5, InitialInterval: time.Millisecond}, func() error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
}

func TestRetryCancelled(t *testing.T) {
	recordSleeps(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := Retry(ctx, RetryConfig{MaxRetries: 5, InitialInterval: time.Millisecond}, func() error {
		calls++
		return errors.New("down")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
