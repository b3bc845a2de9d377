package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/segmentio/kafka-go"
)

// KafkaBus multiplexes every room topic onto one Kafka topic. The record key
// is the room topic, so the hash balancer keeps each room on one partition
// and its envelopes in publish order. Each process reads with its own
// consumer group, which makes every gateway see every record.
type KafkaBus struct {
	writer *kafka.Writer
	reader *kafka.Reader
	routes *router
	log    *slog.Logger
}

func NewKafkaBus(brokers []string, topic string, log *slog.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		// Publish is synchronous on the sender's read pump
		BatchTimeout:           10 * time.Millisecond,
	}

	groupID := "gateway-group-" + uuid.NewString()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})

	return &KafkaBus{
		writer: writer,
		reader: reader,
		routes: newRouter(),
		log:    log.With("component", "bus_kafka", "group", groupID),
	}
}

var _ Bus = (*KafkaBus)(nil)

func (b *KafkaBus) Publish(ctx context.Context, topic string, env model.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: value,
		Time:  time.Now(),
	})
}

func (b *KafkaBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.routes.set(topic, h)
	return nil
}

func (b *KafkaBus) Unsubscribe(_ context.Context, topic string) error {
	b.routes.remove(topic)
	return nil
}

// Run consumes the shared topic until ctx is done, handing each record to
// the handler of its room topic. Records for rooms without local members
// are skipped.
func (b *KafkaBus) Run(ctx context.Context) error {
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			b.log.Error("Gateway consumer error, retrying in 1s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			b.log.Warn("Failed to unmarshal envelope from Kafka", "error", err, "offset", m.Offset)
			continue
		}
		b.routes.deliver(ctx, string(m.Key), env)
	}
}

func (b *KafkaBus) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}
