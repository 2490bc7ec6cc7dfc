package messaging

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	var typed, all atomic.Int32

	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error {
		typed.Add(1)
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		all.Add(1)
		return errors.New("ignored")
	}))

	require.NoError(t, bus.Publish(shared.NewLevelUpEvent(42, 1, 2, 1)))
	require.NoError(t, bus.Publish(shared.NewXPRepairedEvent(42, 1)))

	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestInMemoryEventBus_RecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{})
	var after atomic.Bool
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		after.Store(true)
		return nil
	}))

	assert.NotPanics(t, func() {
		_ = bus.Publish(shared.NewXPRepairedEvent(42, 1))
	})
	assert.True(t, after.Load())
}

func TestInMemoryEventBus_AsyncCloseWaits(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	var n atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		n.Add(1)
		return nil
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewXPRepairedEvent(42, i)))
	}
	require.NoError(t, bus.Close())
	assert.Equal(t, int32(20), n.Load())

	assert.ErrorIs(t, bus.Publish(shared.NewXPRepairedEvent(42, 0)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestEnvelope(t *testing.T) {
	data, err := Envelope(shared.NewLevelUpEvent(42, 1, 3, 2))
	require.NoError(t, err)

	var env shared.EventEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, shared.EventLevelUp, env.Type)
	assert.NotEmpty(t, env.ID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.NotEmpty(t, payload)
}
