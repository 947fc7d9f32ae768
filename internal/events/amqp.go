package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Producer identifies this service in envelope metadata.
const Producer = "conversation-router"

// Meta is the envelope header shared by every message on the bus.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Producer      string    `json:"producer"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	TenantID      string    `json:"tenant_id,omitempty"`
}

// Envelope wraps an event for the message bus.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

// NewEnvelope wraps ev. The conversation id doubles as correlation id so
// consumers can group a conversation's events.
func NewEnvelope(ev Event) Envelope {
	corr := ev.ConversationID
	if corr == "" {
		corr = ev.ID
	}
	return Envelope{
		Meta: Meta{
			ID:            ev.ID,
			CorrelationID: corr,
			Producer:      Producer,
			Type:          ev.Type,
			Time:          ev.Time.UTC(),
			TenantID:      ev.TenantID,
		},
		Data: ev,
	}
}

// AMQPSink publishes events to a topic exchange using the event type as
// routing key.
type AMQPSink struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPSink{exchange: exchange, conn: conn, ch: ch}, nil
}

// Name implements Sink.
func (s *AMQPSink) Name() string { return "amqp" }

// Send implements Sink.
func (s *AMQPSink) Send(ctx context.Context, ev Event) error {
	env := NewEnvelope(ev)
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil || s.ch.IsClosed() {
		return fmt.Errorf("amqp channel closed")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         Producer,
	})
}

// Close releases the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
