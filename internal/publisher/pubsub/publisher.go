// Package pubsub publishes lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// EventAttribute carries the logical topic of the event on each message.
const EventAttribute = "event"

// Sender sends one message and waits for its server ID.
type Sender interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

// Publisher implements mirror.Publisher on a single Pub/Sub topic. The
// logical topic passed to Publish travels as the event attribute.
type Publisher struct {
	sender Sender
}

// New creates a Publisher on top of sender.
func New(sender Sender) *Publisher {
	return &Publisher{sender: sender}
}

// NewFromTopic creates a Publisher for a client topic publisher.
func NewFromTopic(p *pubsub.Publisher) *Publisher {
	return New(topicSender{p: p})
}

// Publish marshals the payload to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.sender == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{EventAttribute: topic}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.sender.Publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish %s event: %w", topic, err)
	}
	return id, nil
}

type topicSender struct {
	p *pubsub.Publisher
}

func (s topicSender) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	if s.p == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	id, err := s.p.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
