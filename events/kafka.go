package events

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/sensornet-io/sensornet/core/logger"
)

// KafkaPublisher publishes events to a Kafka cluster. One writer
// serves all topics; messages are keyed by entity id so events for the
// same entity land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes one message to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// HandlerFunc processes one decoded event payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Consumer reads events from one topic and dispatches them to handlers
// registered per event type. Messages that cannot be decoded or have no
// handler are logged and skipped.
type Consumer struct {
	reader   *kafka.Reader
	handlers map[Type]HandlerFunc
}

// NewConsumer creates a consumer for one topic within a consumer group.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.FirstOffset,
		}),
		handlers: make(map[Type]HandlerFunc),
	}
}

// Handle registers a handler for a specific event type. There can only
// be one handler per event type.
func (c *Consumer) Handle(eventType Type, handler HandlerFunc) {
	if _, ok := c.handlers[eventType]; ok {
		logger.Default().Fatalf("event handler for %s already installed", eventType)
	}
	c.handlers[eventType] = handler
}

// Dispatch decodes the event type from payload and invokes the matching
// handler, if one is registered.
func (c *Consumer) Dispatch(ctx context.Context, payload []byte) error {
	var envelope struct {
		EventType Type `json:"event_type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	handler, ok := c.handlers[envelope.EventType]
	if !ok {
		return nil
	}
	return handler(ctx, payload)
}

// Run consumes messages until the context is cancelled. Handler errors
// are logged; the consumer keeps going.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	rlog := logger.FromContext(ctx)
	for {
		message, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.Dispatch(ctx, message.Value); err != nil {
			rlog.WithError(err).Errorln("cannot process event from topic", message.Topic)
		}
	}
}
