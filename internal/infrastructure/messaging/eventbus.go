// Package messaging implements the event bus for award events.
// The in-memory bus fans events out to local handlers; RedisForwarder
// republishes them on a Redis channel for other processes.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ErrEventBusClosed is returned after Close.
var ErrEventBusClosed = errors.New("messaging: event bus is closed")

// ==============================================================================
// Metrics
// ==============================================================================

var (
	// eventsPublished counts published events.
	// Labels: type
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published on the bus",
	}, []string{"type"})

	// handlerDuration records handler latency.
	// Labels: type, status (ok, error, panic)
	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ascend",
		Subsystem: "events",
		Name:      "handler_duration_seconds",
		Help:      "Event handler latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"type", "status"})
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus is an in-process shared.EventBus.
// Handler errors and panics are logged and never reach the publisher.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	asyncMode   bool
	workerPool  chan struct{}
	logger      *slog.Logger
	closed      bool
	wg          sync.WaitGroup
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers on a bounded worker pool
	AsyncMode bool

	// WorkerPoolSize is the number of concurrent handler goroutines
	WorkerPoolSize int

	Logger *slog.Logger
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Discard()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}

	return &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		logger:     config.Logger.With(logger.Component("event_bus")),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Publish sends an event to all subscribed handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	if b.asyncMode {
		b.wg.Add(len(handlers))
	}
	b.mu.RUnlock()

	eventsPublished.WithLabelValues(string(event.EventType())).Inc()

	for _, handler := range handlers {
		if b.asyncMode {
			go b.executeAsync(event, handler)
			continue
		}
		b.execute(event, handler)
	}
	return nil
}

func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	defer b.wg.Done()

	b.workerPool <- struct{}{}
	defer func() { <-b.workerPool }()
	b.execute(event, handler)
}

func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	status := "ok"
	defer func() {
		if p := recover(); p != nil {
			status = "panic"
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(event.EventType())),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
		}
		handlerDuration.WithLabelValues(string(event.EventType()), status).Observe(time.Since(start).Seconds())
	}()

	if err := handler(event); err != nil {
		status = "error"
		b.logger.Error("event handler failed",
			slog.String("event_type", string(event.EventType())),
			logger.Latency(time.Since(start)),
			logger.Err(err),
		)
	}
}

// Close stops accepting events and waits for running handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS FORWARDER
// ══════════════════════════════════════════════════════════════════════════════

// DefaultChannel is the Redis channel award events are republished on.
const DefaultChannel = "ascend:events"

// RedisForwarder republishes events as JSON envelopes on a Redis channel.
// Subscribe its Forward method with SubscribeAll.
type RedisForwarder struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
}

// NewRedisForwarder creates a forwarder. An empty channel means DefaultChannel.
func NewRedisForwarder(client redis.UniversalClient, channel string) *RedisForwarder {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisForwarder{client: client, channel: channel, timeout: 2 * time.Second}
}

// Forward publishes one event.
func (f *RedisForwarder) Forward(event shared.Event) error {
	data, err := Envelope(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", event.EventType(), err)
	}
	return nil
}

// Envelope serializes an event into a shared.EventEnvelope.
func Envelope(event shared.Event) ([]byte, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal payload: %w", err)
	}
	env := shared.EventEnvelope{
		ID:          uuid.NewString(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt().UTC(),
		Version:     1,
		Payload:     payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	return data, nil
}
