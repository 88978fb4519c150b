package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

func TestExecute_SucceedsFirstTry(t *testing.T) {
	calls := 0
	result := Execute(context.Background(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}, v1.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: v1.RetryStrategyFixed})

	require.True(t, result.OK)
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	result := Execute(context.Background(), nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, v1.ErrTransportReadTimeout
		}
		return 7, nil
	}, v1.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Strategy: v1.RetryStrategyExponential, JitterFactor: 0.1})

	require.True(t, result.OK)
	assert.Equal(t, 7, result.Value)
	assert.Equal(t, 3, calls)
}

func TestExecute_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("configuration_error: bad register map")
	result := Execute(context.Background(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	}, v1.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Strategy: v1.RetryStrategyFixed})

	require.False(t, result.OK)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Err, boom)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Execute(context.Background(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, v1.ErrTransportReadFailed
	}, v1.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Strategy: v1.RetryStrategyFixed})

	require.False(t, result.OK)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecute_CancelDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	result := Execute(ctx, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, v1.ErrTransportReadTimeout
	}, v1.RetryPolicy{MaxAttempts: 100, BaseDelay: 50 * time.Millisecond, Strategy: v1.RetryStrategyFixed})

	require.False(t, result.OK)
	assert.ErrorIs(t, result.Err, v1.ErrCancelled)
}

func TestClassifyTransient(t *testing.T) {
	assert.True(t, ClassifyTransient(v1.ErrTransportConnectFailed))
	assert.True(t, ClassifyTransient(errors.New("generic: connection reset by peer")))
	assert.False(t, ClassifyTransient(errors.New("invalid channel configuration")))
	assert.False(t, ClassifyTransient(nil))
}
