package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/hanko-field/orders/internal/services"
)

const envelopeVersion = 1

// Envelope is the wire format of every order event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// OrderEventPublisher adapts the producer to services.EventPublisher. Events are keyed by
// order id so a single order's events stay ordered within a partition.
type OrderEventPublisher struct {
	producer *Producer
	name     string
	newID    func() string
}

// NewOrderEventPublisher constructs the adapter; name identifies this service as producer.
func NewOrderEventPublisher(producer *Producer, name string) *OrderEventPublisher {
	if name == "" {
		name = "orders-api"
	}
	return &OrderEventPublisher{producer: producer, name: name, newID: uuid.NewString}
}

// PublishOrderEvent encodes the event in an envelope and enqueues it.
func (p *OrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	env := Envelope{
		EventID:       p.newID(),
		EventType:     event.Type,
		EventVersion:  envelopeVersion,
		OccurredAt:    occurred,
		Producer:      p.name,
		CorrelationID: event.OrderID,
		Payload:       payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	return p.producer.Publish(ctx, []byte(event.OrderID), value,
		kafka.Header{Key: "x-event-type", Value: []byte(event.Type)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(envelopeVersion))},
	)
}
