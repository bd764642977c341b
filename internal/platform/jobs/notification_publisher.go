package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/orders/internal/services"
)

// PubSubNotificationPublisher hands order confirmations and booking summaries to the
// notification worker through a Pub/Sub topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderNotification publishes the notification and waits for the server id.
func (p *PubSubNotificationPublisher) PublishOrderNotification(ctx context.Context, notification services.OrderNotification) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub notification publisher: not initialised")
	}

	data, err := p.marshal(notification)
	if err != nil {
		return "", fmt.Errorf("marshal order notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", notification.Kind)
	setAttr(attrs, "orderId", notification.OrderID)
	setAttr(attrs, "orderKind", notification.OrderKind)
	setAttr(attrs, "userId", notification.UserID)
	// The transaction id doubles as a dedup key for the consumer.
	setAttr(attrs, "transactionId", notification.TransactionID)

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order notification: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
