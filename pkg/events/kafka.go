package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to "<prefix><topic>" keyed by the event key, so
// events for one task or node land on one partition.
type Kafka struct {
	writer messageWriter
	prefix string
}

// NewKafkaWriter creates a writer for the given brokers.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

// NewKafka wraps a writer. prefix defaults to "gofleet.".
func NewKafka(w messageWriter, prefix string) *Kafka {
	if prefix == "" {
		prefix = "gofleet."
	}
	return &Kafka{writer: w, prefix: prefix}
}

// TopicName returns the Kafka topic for an event topic.
func (k *Kafka) TopicName(topic fleet.Topic) string {
	return k.prefix + strings.ReplaceAll(string(topic), ".", "-")
}

// Publish writes the JSON-encoded event with trace context in the headers.
func (k *Kafka) Publish(ctx context.Context, ev fleet.Event) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}

	headers := make(HeaderCarrier, 0, 2)
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	headers.Set("event-id", ev.ID)

	topic := k.TopicName(ev.Topic)
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(ev.Key),
		Value:   body,
		Headers: []kafka.Header(headers),
		Time:    ev.Time,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// HeaderCarrier adapts Kafka headers to propagation.TextMapCarrier.
type HeaderCarrier []kafka.Header

// Get returns the first header value for key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists header keys.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
