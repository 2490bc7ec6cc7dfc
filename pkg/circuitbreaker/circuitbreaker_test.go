package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New("test", WithFailureThreshold(2))
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []State
	cb := New("test",
		WithFailureThreshold(1),
		WithSuccessThreshold(1),
		WithCooldown(time.Minute),
		WithClock(clock.Now),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := New("test", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.now = clock.now.Add(2 * time.Second)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_IgnoresCallerCancellation(t *testing.T) {
	cb := New("test", WithFailureThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteValue(t *testing.T) {
	cb := New("test")
	v, err := ExecuteValue(context.Background(), cb, func(context.Context) (string, error) { return "snap", nil })
	require.NoError(t, err)
	assert.Equal(t, "snap", v)
}
