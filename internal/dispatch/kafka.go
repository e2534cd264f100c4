package dispatch

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"healthmon/internal/config"
	"healthmon/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every delivery as JSON keyed by service id.
type Kafka struct {
	writer messageWriter
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Accepts(model.Delivery) bool { return true }

func (k *Kafka) Send(ctx context.Context, d model.Delivery) error {
	value, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.ServiceID),
		Value: value,
		Time:  d.CreatedAt,
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
