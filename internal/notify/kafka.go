package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/simbroker/ledger-engine/internal/metrics"
	"github.com/simbroker/ledger-engine/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events as JSON, keyed by account ID so one
// account's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteBackoffMin:        50 * time.Millisecond,
		WriteBackoffMax:        500 * time.Millisecond,
		BatchTimeout:           10 * time.Millisecond,
	}
	slog.Info("kafka publisher created", "brokers", brokers, "topic", topic)
	return NewKafkaPublisherWithWriter(writer)
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second}
}

func (p *KafkaPublisher) Notify(ctx context.Context, ev model.OrderEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.NotifyFailures.WithLabelValues("kafka").Inc()
		slog.Error("failed to marshal event", "type", ev.Type, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.AccountID),
		Value: data,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.NotifyFailures.WithLabelValues("kafka").Inc()
		slog.Warn("failed to publish event",
			"type", ev.Type,
			"order_id", ev.OrderID,
			"account", ev.AccountID,
			"err", err,
		)
		return
	}
	slog.Debug("event published", "type", ev.Type, "account", ev.AccountID)
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
