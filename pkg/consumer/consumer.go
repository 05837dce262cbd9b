package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1"`
	Topic   string   `yaml:"topic" json:"topic" validate:"required"`
	GroupID string   `yaml:"groupID" json:"groupID" validate:"required"`
}

// DecodeError is returned for a message whose value is not a valid T. The
// message is committed so it is not delivered again.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader     messageReader
	newBackOff func() backoff.BackOff
	logger     lg.Logger
}

func NewConsumer[T any](cfg Config, logger lg.Logger) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return newConsumer[T](r, logger)
}

func newConsumer[T any](r messageReader, logger lg.Logger) *Consumer[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Consumer[T]{
		reader: r,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logger,
	}
}

// Read returns the next message decoded as T. Fetch and commit errors are
// retried with exponential backoff until ctx is done.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := backoff.RetryNotifyWithData(func() (kafka.Message, error) {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil && ctx.Err() != nil {
			return m, backoff.Permanent(err)
		}
		return m, err
	}, backoff.WithContext(c.newBackOff(), ctx), func(err error, wait time.Duration) {
		c.logger.Warn("kafka fetch failed, retrying", lg.Err(err), lg.Duration("wait", wait))
	})
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.commit(ctx, msg); cerr != nil {
			return zero, cerr
		}
		return zero, &DecodeError{Offset: msg.Offset, Err: err}
	}

	if err := c.commit(ctx, msg); err != nil {
		return zero, err
	}

	return payload, nil
}

// commit retries until the offset is stored or ctx is done. A message whose
// commit never succeeded is delivered again after a restart.
func (c *Consumer[T]) commit(ctx context.Context, msg kafka.Message) error {
	return backoff.RetryNotify(func() error {
		err := c.reader.CommitMessages(ctx, msg)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.newBackOff(), ctx), func(err error, wait time.Duration) {
		c.logger.Warn("kafka commit failed, retrying", lg.Err(err),
			lg.Int("offset", int(msg.Offset)), lg.Duration("wait", wait))
	})
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
