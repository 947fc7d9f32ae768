// Package events delivers conversation lifecycle notifications to an
// external sink. Delivery happens after the originating transaction has
// committed and never blocks or fails the caller: the Dispatcher hands each
// event to a goroutine bounded by a timeout and only logs failures.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-router/internal/observability"
)

// Lifecycle event types.
const (
	TypeAllocated   = "conversation.allocated"
	TypeClaimed     = "conversation.claimed"
	TypeResolved    = "conversation.resolved"
	TypeDeallocated = "conversation.deallocated"
	TypeReassigned  = "conversation.reassigned"
	TypeMoved       = "conversation.moved"
	TypeReclaimed   = "conversation.reclaimed"
)

// Event is one lifecycle notification. ExternalID is the conversation id
// known to the upstream orchestrator.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"event_type"`
	ConversationID string         `json:"-"`
	ExternalID     string         `json:"conversation_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Time           time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Publisher accepts events for asynchronous delivery.
type Publisher interface {
	Publish(ev Event)
}

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 5 * time.Second

// Dispatcher fans events out to a Sink in the background.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher that delivers to sink, giving each
// delivery at most timeout.
func NewDispatcher(sink Sink, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{sink: sink, timeout: timeout}
}

// Publish schedules ev for delivery and returns immediately. A nil
// Dispatcher or sink drops the event.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil || d.sink == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		name := d.sink.Name()
		if err := d.sink.Send(ctx, ev); err != nil {
			observability.EventsTotal.WithLabelValues(name, "failed").Inc()
			log.Warn().Err(err).
				Str("sink", name).
				Str("event", ev.Type).
				Str("conversation_id", ev.ConversationID).
				Msg("event delivery failed")
			return
		}
		observability.EventsTotal.WithLabelValues(name, "sent").Inc()
	}()
}

// Wait blocks until all in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the structured log. It is the fallback when no
// external sink is configured.
type LogSink struct{}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Send implements Sink.
func (LogSink) Send(_ context.Context, ev Event) error {
	log.Info().
		Str("event", ev.Type).
		Str("event_id", ev.ID).
		Str("conversation_id", ev.ConversationID).
		Str("external_conversation_id", ev.ExternalID).
		Interface("data", ev.Data).
		Msg("conversation event")
	return nil
}
