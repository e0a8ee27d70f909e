package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/agri-market/api/internal/services"
)

const (
	defaultHandleTimeout = 10 * time.Second
	defaultFetchBackoff  = time.Second
)

// ErrMalformedNotification marks a payload that can never be ingested.
var ErrMalformedNotification = errors.New("jobs: malformed notification payload")

// Reader is the subset of *kafka.Reader used by NotificationConsumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader builds a consumer-group reader for the notification feed.
func NewKafkaReader(cfg KafkaConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka reader: at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("kafka reader: topic and group id are required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Logger:      cfg.Logger,
		ErrorLogger: cfg.Errors,
	}), nil
}

// NotificationIngester stores notifications delivered by the feed.
type NotificationIngester interface {
	IngestNotification(ctx context.Context, cmd services.IngestNotificationCommand) (services.Notification, error)
}

// NotificationConsumer drains the notification topic into the notification store.
type NotificationConsumer struct {
	reader   Reader
	ingester NotificationIngester
	logger   *zap.Logger
	timeout  time.Duration
	backoff  time.Duration
	sleep    func(context.Context, time.Duration)
}

// ConsumerOption customises NotificationConsumer.
type ConsumerOption func(*NotificationConsumer)

// WithHandleTimeout bounds how long a single message may take to ingest.
func WithHandleTimeout(d time.Duration) ConsumerOption {
	return func(c *NotificationConsumer) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFetchBackoff sets the pause after a failed fetch or a transient ingest failure.
func WithFetchBackoff(d time.Duration) ConsumerOption {
	return func(c *NotificationConsumer) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// NewNotificationConsumer wires reader to ingester.
func NewNotificationConsumer(reader Reader, ingester NotificationIngester, logger *zap.Logger, opts ...ConsumerOption) (*NotificationConsumer, error) {
	if reader == nil {
		return nil, errors.New("notification consumer: reader is required")
	}
	if ingester == nil {
		return nil, errors.New("notification consumer: ingester is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	consumer := &NotificationConsumer{
		reader:   reader,
		ingester: ingester,
		logger:   logger.Named("notifications.consumer"),
		timeout:  defaultHandleTimeout,
		backoff:  defaultFetchBackoff,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}
	return consumer, nil
}

// Run consumes until ctx is cancelled. Offsets are committed after a successful ingest and after
// payloads that can never succeed. A transient failure retries the same message after the backoff,
// so later offsets are never committed past it.
func (c *NotificationConsumer) Run(ctx context.Context) error {
	c.logger.Info("notification consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch notification failed", zap.Error(err))
			c.sleep(ctx, c.backoff)
			continue
		}

		if !c.process(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("commit notification offset failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// process ingests msg until it succeeds or fails permanently. It returns false when ctx ends first.
func (c *NotificationConsumer) process(ctx context.Context, msg kafka.Message) bool {
	fields := []zap.Field{
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}
	for attempt := 1; ; attempt++ {
		handleCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.Handle(handleCtx, msg.Value)
		cancel()

		switch {
		case err == nil:
			return true
		case IsPermanent(err):
			c.logger.Warn("dropping notification", append(fields, zap.Error(err))...)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("ingest notification failed", append(fields, zap.Int("attempt", attempt), zap.Error(err))...)
		c.sleep(ctx, c.backoff)
		if ctx.Err() != nil {
			return false
		}
	}
}

// Handle decodes one feed payload and ingests it.
func (c *NotificationConsumer) Handle(ctx context.Context, payload []byte) error {
	cmd, err := DecodeNotification(payload)
	if err != nil {
		return err
	}
	notification, err := c.ingester.IngestNotification(ctx, cmd)
	if err != nil {
		return err
	}
	c.logger.Debug("notification ingested",
		zap.String("notificationId", notification.ID),
		zap.String("recipientId", notification.RecipientID),
	)
	return nil
}

// Close releases the reader.
func (c *NotificationConsumer) Close() error {
	return c.reader.Close()
}

// DecodeNotification parses a feed payload.
func DecodeNotification(payload []byte) (services.IngestNotificationCommand, error) {
	var cmd services.IngestNotificationCommand
	if len(payload) == 0 {
		return cmd, fmt.Errorf("%w: empty payload", ErrMalformedNotification)
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	return cmd, nil
}

// IsPermanent reports whether err can never succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedNotification) || errors.Is(err, services.ErrNotificationInvalidInput)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
