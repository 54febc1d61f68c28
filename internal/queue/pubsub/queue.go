// Package pubsubqueue implements mirror.Queue on Google Cloud Pub/Sub.
// Each lane has its own topic and subscription; delivery is at-least-once.
package pubsubqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// LaneAttribute carries the task lane on every published message.
const LaneAttribute = "lane"

const defaultBuffer = 64

// Publisher sends one message and waits for its server ID.
type Publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

// Receiver streams messages to f until ctx is done. *pubsub.Subscriber satisfies it.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Queue is a Pub/Sub backed lane queue.
type Queue struct {
	lane      mirror.Lane
	publisher Publisher
	receiver  Receiver
	logger    *zap.Logger

	tasks     chan inflight
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Queue. Dequeue only yields tasks while Run is active.
func New(lane mirror.Lane, publisher Publisher, receiver Receiver, buffer int, logger *zap.Logger) *Queue {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		lane:      lane,
		publisher: publisher,
		receiver:  receiver,
		logger:    logger,
		tasks:     make(chan inflight, buffer),
		done:      make(chan struct{}),
	}
}

// NewFromClient wires a Queue to topic and subscription of client.
func NewFromClient(client *pubsub.Client, lane mirror.Lane, topic, subscription string, logger *zap.Logger) *Queue {
	return New(lane, &TopicPublisher{Publisher: client.Publisher(topic)}, client.Subscriber(subscription), 0, logger)
}

// Enqueue publishes task as JSON with the lane attribute and trace context.
func (q *Queue) Enqueue(ctx context.Context, task mirror.Task) error {
	select {
	case <-q.done:
		return mirror.ErrQueueClosed
	default:
	}
	if task.Lane == "" {
		task.Lane = q.lane
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{LaneAttribute: string(task.Lane)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	if _, err := q.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// inflight is a received message waiting for its consumer to settle it.
type inflight struct {
	task   mirror.Task
	result chan bool
}

// Dequeue returns the next received task. Its message is acked or nacked
// when the Delivery is settled.
func (q *Queue) Dequeue(ctx context.Context) (mirror.Delivery, error) {
	select {
	case <-ctx.Done():
		return mirror.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return mirror.Delivery{}, mirror.ErrQueueClosed
	case in := <-q.tasks:
		return mirror.NewDelivery(in.task, func(ack bool) {
			select {
			case in.result <- ack:
			default:
			}
		}), nil
	}
}

// Run receives messages until ctx is done or the queue is closed. Each
// message is held until its consumer settles the delivery, so a task whose
// handler was interrupted is redelivered by Pub/Sub.
func (q *Queue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := q.receiver.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		if q.deliver(msgCtx, msg.Data, msg.Attributes) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close stops Dequeue and Run. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// deliver hands the message to Dequeue and waits for the consumer's verdict.
// It reports whether the message should be acked.
func (q *Queue) deliver(ctx context.Context, data []byte, attrs map[string]string) bool {
	ctx = otel.GetTextMapPropagator().Extract(ctx, &attributeCarrier{attrs: attrs})
	_, span := otel.Tracer("capmirror/queue").Start(ctx, "pubsub.deliver",
		trace.WithAttributes(attribute.String("lane", string(q.lane))))
	defer span.End()

	var task mirror.Task
	if err := json.Unmarshal(data, &task); err != nil {
		// Redelivery cannot fix a corrupt payload.
		q.logger.Error("Dropping undecodable task", zap.String("lane", string(q.lane)), zap.Error(err))
		return true
	}
	if task.Lane == "" {
		task.Lane = mirror.Lane(attrs[LaneAttribute])
	}
	if task.Lane != q.lane {
		q.logger.Warn("Dropping task for another lane",
			zap.String("lane", string(q.lane)), zap.String("task_lane", string(task.Lane)))
		return true
	}

	in := inflight{task: task, result: make(chan bool, 1)}
	select {
	case q.tasks <- in:
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
	select {
	case ack := <-in.result:
		return ack
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
}

// TopicPublisher adapts *pubsub.Publisher to Publisher by waiting for the result.
type TopicPublisher struct {
	Publisher *pubsub.Publisher
}

// Publish sends msg and blocks until the server acknowledges it.
func (p *TopicPublisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	if p.Publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	id, err := p.Publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// attributeCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
