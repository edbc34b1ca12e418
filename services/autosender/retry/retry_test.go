package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autosender/services/autosender/clock"
	"autosender/services/autosender/retry"
)

var errFlaky = errors.New("connection reset")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	calls := 0
	var observed []int
	value, err := retry.Do(context.Background(), clk, retry.DefaultPolicy(),
		func(attempt int, err error) { observed = append(observed, attempt) },
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errFlaky
			}
			return "0xhash", nil
		})
	require.NoError(t, err)
	require.Equal(t, "0xhash", value)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, observed)
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clk.Sleeps())
}

func TestDoExhaustsBudget(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	calls := 0
	_, err := retry.Do(context.Background(), clk, retry.Policy{Attempts: 3, Backoff: time.Second}, nil,
		func(context.Context) (int, error) {
			calls++
			return 0, errFlaky
		})
	require.Error(t, err)
	require.Equal(t, 3, calls)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, errFlaky)

	// No pause after the final attempt.
	require.Len(t, clk.Sleeps(), 2)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	rejected := errors.New("insufficient funds for gas")
	calls := 0
	_, err := retry.Do(context.Background(), clk, retry.DefaultPolicy(), nil,
		func(context.Context) (int, error) {
			calls++
			return 0, retry.Permanent(rejected)
		})
	require.ErrorIs(t, err, rejected)
	require.True(t, retry.IsPermanent(err))
	require.Equal(t, 1, calls)
	require.Empty(t, clk.Sleeps())
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := retry.Do(ctx, clock.NewManual(time.Now()), retry.DefaultPolicy(), nil,
		func(context.Context) (int, error) {
			calls++
			return 1, nil
		})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}

func TestPolicyDefaultsApplied(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	calls := 0
	_, err := retry.Do(context.Background(), clk, retry.Policy{}, nil,
		func(context.Context) (int, error) {
			calls++
			return 0, errFlaky
		})
	require.Error(t, err)
	require.Equal(t, retry.DefaultAttempts, calls)
}

func TestPermanentNil(t *testing.T) {
	require.NoError(t, retry.Permanent(nil))
	require.False(t, retry.IsPermanent(nil))
	require.True(t, retry.IsPermanent(context.Canceled))
	require.False(t, retry.IsPermanent(context.DeadlineExceeded))
}
