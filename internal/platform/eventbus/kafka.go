package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/precisionprices/market-pricing/pkg/model"
	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// ParseBrokers splits a comma-separated broker list, dropping blanks.
func ParseBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// HandlerFunc processes one decoded event. Returning an error does not block
// the partition: the message is committed and the error logged.
type HandlerFunc func(ctx context.Context, ev model.LifecycleEvent) error

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads lifecycle events with manual offset commits.
type Consumer struct {
	reader MessageReader
	topic  string
}

// NewConsumer creates a consumer group reader. Auto-commit is disabled.
func NewConsumer(cfg Config) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return &Consumer{reader: reader, topic: cfg.Topic}
}

// NewConsumerWithReader wraps an existing reader (used in tests).
func NewConsumerWithReader(reader MessageReader, topic string) *Consumer {
	return &Consumer{reader: reader, topic: topic}
}

// Run fetches until ctx is cancelled. Each message is committed after the handler returns.
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		ev, err := DecodeEvent(msg)
		if err != nil {
			log.Printf("eventbus: skipping undecodable message %s/%d@%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		} else if err := handle(ctx, ev); err != nil {
			log.Printf("eventbus: event %s failed: %v", ev.ID, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeEvent parses a message value. Events without an ID get one derived from
// their position in the log so redeliveries deduplicate.
func DecodeEvent(msg kafka.Message) (model.LifecycleEvent, error) {
	var ev model.LifecycleEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return ev, nil
}

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes lifecycle events keyed by category so per-category order holds.
type Producer struct {
	writer MessageWriter
}

func NewProducer(cfg Config) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewProducerWithWriter wraps an existing writer (used in tests).
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, ev model.LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strings.ToLower(ev.Category)),
		Value: data,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
