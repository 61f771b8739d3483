// Package eventbus implements the event bus adapter.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bnema/dockyard/internal/adapters/out/telemetry"
	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
)

var _ out.EventBus = (*InMemory)(nil)

// ErrStopped is returned when publishing to a stopped bus.
var ErrStopped = errors.New("event bus is stopped")

const (
	defaultBufferSize = 100
	publishTimeout    = 5 * time.Second
	handlerTimeout    = 30 * time.Second
)

// InMemory delivers events to subscribed handlers from a single goroutine.
// Publish never blocks longer than publishTimeout.
type InMemory struct {
	handlers   []out.EventHandler
	eventChan  chan domain.Event
	done       chan struct{}
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	bufferSize int
	log        zerowrap.Logger
	metrics    *telemetry.Metrics
}

// NewInMemory creates a new in-memory event bus.
func NewInMemory(bufferSize int, log zerowrap.Logger) *InMemory {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &InMemory{
		eventChan:  make(chan domain.Event, bufferSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		bufferSize: bufferSize,
		log:        log,
	}
}

// SetMetrics sets the telemetry metrics for the event bus. Call before Start.
func (bus *InMemory) SetMetrics(m *telemetry.Metrics) {
	bus.mu.Lock()
	bus.metrics = m
	bus.mu.Unlock()
}

// Publish publishes an event to the bus.
func (bus *InMemory) Publish(eventType domain.EventType, payload any) error {
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}

	switch p := payload.(type) {
	case domain.BlobCommittedPayload:
		event.Repository = p.Repository
		event.Reference = p.Digest.String()
	case domain.ManifestReconciledPayload:
		event.Repository = p.Repository
		event.Reference = p.Reference
	case domain.UploadExpiredPayload:
		event.Repository = p.Repository
	}

	if bus.ctx.Err() != nil {
		return ErrStopped
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case bus.eventChan <- event:
		bus.log.Debug().
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "eventbus").
			Str("event_id", event.ID).
			Str(zerowrap.FieldEvent, string(event.Type)).
			Str("repository", event.Repository).
			Msg("event published")
		return nil
	case <-bus.ctx.Done():
		return ErrStopped
	case <-timer.C:
		bus.log.Error().
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "eventbus").
			Str("event_id", event.ID).
			Str(zerowrap.FieldEvent, string(event.Type)).
			Msg("event channel is full, dropping event")

		if m := bus.getMetrics(); m != nil {
			m.EventsDropped.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("event_type", string(event.Type)),
			))
		}
		return fmt.Errorf("event channel is full, dropped event %s", event.ID)
	}
}

// Subscribe adds an event handler to the bus.
func (bus *InMemory) Subscribe(handler out.EventHandler) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers = append(bus.handlers, handler)
	bus.log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "eventbus").
		Str(zerowrap.FieldHandler, fmt.Sprintf("%T", handler)).
		Int("total_handlers", len(bus.handlers)).
		Msg("event handler subscribed")

	return nil
}

// Unsubscribe removes an event handler from the bus.
func (bus *InMemory) Unsubscribe(handler out.EventHandler) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for i, h := range bus.handlers {
		if h == handler {
			bus.handlers = append(bus.handlers[:i], bus.handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found")
}

// Start starts the event bus processing loop.
func (bus *InMemory) Start() error {
	bus.log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "eventbus").
		Int("buffer_size", bus.bufferSize).
		Msg("starting event bus")

	go bus.processEvents()
	return nil
}

// Stop stops the processing loop after the event in flight has been handled.
func (bus *InMemory) Stop() error {
	bus.cancel()

	select {
	case <-bus.done:
		bus.log.Info().
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "eventbus").
			Msg("event bus stopped")
		return nil
	case <-time.After(publishTimeout):
		return fmt.Errorf("timeout waiting for event bus to stop")
	}
}

func (bus *InMemory) processEvents() {
	defer close(bus.done)

	for {
		select {
		case event := <-bus.eventChan:
			bus.dispatch(event)
		case <-bus.ctx.Done():
			return
		}
	}
}

func (bus *InMemory) dispatch(event domain.Event) {
	bus.mu.RLock()
	handlers := make([]out.EventHandler, len(bus.handlers))
	copy(handlers, bus.handlers)
	bus.mu.RUnlock()

	for _, h := range handlers {
		if !h.CanHandle(event.Type) {
			continue
		}

		start := time.Now()
		err := bus.invoke(h, event)

		logEvt := bus.log.Debug()
		if err != nil {
			logEvt = bus.log.Error().Err(err)
		}
		logEvt.
			Str(zerowrap.FieldLayer, "adapter").
			Str(zerowrap.FieldAdapter, "eventbus").
			Str("event_id", event.ID).
			Str(zerowrap.FieldEvent, string(event.Type)).
			Str(zerowrap.FieldHandler, fmt.Sprintf("%T", h)).
			Dur(zerowrap.FieldDuration, time.Since(start)).
			Msg("event handled")

		if m := bus.getMetrics(); m != nil && err == nil {
			m.EventsProcessed.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("event_type", string(event.Type)),
			))
		}
	}
}

// invoke runs h with a deadline so one slow handler cannot stall the bus forever.
func (bus *InMemory) invoke(h out.EventHandler, event domain.Event) error {
	ctx, cancel := context.WithTimeout(bus.ctx, handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.Handle(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler %T: %w", h, ctx.Err())
	}
}

func (bus *InMemory) getMetrics() *telemetry.Metrics {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return bus.metrics
}
