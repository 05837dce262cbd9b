package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaSink publishes outcomes as JSON keyed by execution UID.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

func (s *KafkaSink) Publish(ctx context.Context, outcome dm.DispatchOutcome) error {
	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   outcome.ExecutionUID[:],
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			return fmt.Errorf("kafka topic %q does not exist: %w", s.topic, err)
		}
		return fmt.Errorf("publish outcome %s: %w", outcome.ExecutionUID, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
