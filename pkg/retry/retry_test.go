package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func TestDo_RetriesRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errBoom)
		}
		return nil
	}, WithInitialDelay(time.Millisecond), WithMaxAttempts(5))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errBoom)
	}, WithInitialDelay(time.Millisecond))

	assert.ErrorIs(t, err, errBoom)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errBoom)
	}, WithInitialDelay(time.Millisecond), WithMaxAttempts(2))

	assert.Equal(t, errBoom, err)
	assert.Equal(t, 2, calls)
}

func TestDo_RetryIfClassifier(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	}, WithInitialDelay(time.Millisecond), WithMaxAttempts(3), WithRetryIf(func(err error) bool {
		return errors.Is(err, errBoom)
	}))

	assert.Equal(t, errBoom, err)
	assert.Equal(t, 3, calls)
}

func TestDo_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	v, err := DoWithData(context.Background(), func(context.Context) (int, error) { return 42, nil })
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}
