package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka record sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks int
	MaxAttempts  int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type KafkaOption func(*KafkaConfig)

func WithRequiredAcks(acks int) KafkaOption {
	return func(c *KafkaConfig) { c.RequiredAcks = acks }
}

func WithMaxAttempts(n int) KafkaOption {
	return func(c *KafkaConfig) { c.MaxAttempts = n }
}

// KafkaSink publishes records to one topic, keyed by record kind.
type KafkaSink struct {
	w     messageWriter
	topic string
}

func NewKafkaSink(cfg KafkaConfig, opts ...KafkaOption) (*KafkaSink, error) {
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = -1
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &KafkaSink{w: w, topic: cfg.Topic}, nil
}

func (k *KafkaSink) Record(ctx context.Context, kind string, payload any) error {
	entry, err := newEntry(kind, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal kafka record: %w", err)
	}
	start := time.Now()
	err = k.w.WriteMessages(ctx, kafka.Message{Key: []byte(kind), Value: value, Time: entry.Event})
	observ.RecordDuration("outbox_kafka_write", time.Since(start), nil)
	if err != nil {
		observ.IncCounter("outbox_write_errors_total", map[string]string{"sink": "kafka"})
		return fmt.Errorf("kafka write to %s: %w", k.topic, err)
	}
	observ.IncCounter("outbox_records_total", map[string]string{"sink": "kafka", "kind": kind})
	return nil
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
