// Package stream publishes JSON documents to Kafka topics.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"order-core/pkg/logger"
)

// Publisher writes keyed JSON messages to one topic. Writes are asynchronous
// and batched by the underlying writer; failures are logged from the
// completion callback.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// NewPublisher creates a publisher for topic on brokers.
func NewPublisher(brokers []string, topic string, log *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	l := logger.OrNop(log)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				l.Error("kafka batch failed", zap.String("topic", topic), zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return &Publisher{writer: w, topic: topic}, nil
}

// Topic returns the destination topic.
func (p *Publisher) Topic() string { return p.topic }

// Publish marshals v and enqueues it under key.
func (p *Publisher) Publish(ctx context.Context, key string, v any) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
