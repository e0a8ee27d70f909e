package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/agri-market/api/internal/services"
)

// Writer is the subset of *kafka.Writer used by KafkaEventPublisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig describes the brokers and topic a Kafka writer or reader connects to.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  kafka.Logger
	Errors  kafka.Logger
}

// NewKafkaWriter builds a writer keyed by buy request id so events for one request stay ordered.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka writer: at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka writer: topic is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Logger:                 cfg.Logger,
		ErrorLogger:            cfg.Errors,
	}, nil
}

// KafkaEventPublisher publishes buy request lifecycle events to a Kafka topic.
type KafkaEventPublisher struct {
	writer  Writer
	marshal func(any) ([]byte, error)
}

var _ services.BuyRequestEventPublisher = (*KafkaEventPublisher)(nil)

// NewKafkaEventPublisher wraps writer.
func NewKafkaEventPublisher(writer Writer) (*KafkaEventPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka event publisher: writer is required")
	}
	return &KafkaEventPublisher{writer: writer, marshal: json.Marshal}, nil
}

// PublishBuyRequestEvent writes the event keyed by its buy request id.
func (p *KafkaEventPublisher) PublishBuyRequestEvent(ctx context.Context, event services.BuyRequestEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka event publisher: not initialised")
	}
	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal buy request event: %w", err)
	}

	headers := make([]kafka.Header, 0, 2)
	for key, value := range eventAttributes(event) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(event.BuyRequestID),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish buy request event: %w", err)
	}
	return nil
}

// Close releases the underlying writer.
func (p *KafkaEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
