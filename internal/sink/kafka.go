package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"tradesentry/internal/event"
)

// KafkaConfig holds the Kafka producer settings for the event stream.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
}

// DefaultKafkaConfig returns default Kafka sink settings.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "tradesentry.events",
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: -1,
	}
}

// KafkaSink publishes security events as JSON messages keyed by source
// IP so per-source ordering survives partitioning.
type KafkaSink struct {
	writer *kafka.Writer
	config KafkaConfig

	produced atomic.Int64
	errors   atomic.Int64
	closed   atomic.Bool
}

// NewKafkaSink creates a Kafka-backed event sink.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("kafka event publish failed",
					"count", len(messages), "error", err)
			}
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-sink")
		}),
	}

	slog.Info("kafka sink initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaSink{writer: writer, config: cfg}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

// Write publishes the event. The writer runs async, so errors surface in
// the completion callback rather than here.
func (k *KafkaSink) Write(ev *event.SecurityEvent) error {
	if k.closed.Load() {
		return fmt.Errorf("kafka sink is closed")
	}

	value, err := json.Marshal(ev)
	if err != nil {
		k.errors.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := writeTimeout()
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Source.IP),
		Value: value,
		Time:  ev.Timestamp,
	})
	if err != nil {
		k.errors.Add(1)
		return fmt.Errorf("failed to write message: %w", err)
	}
	k.produced.Add(1)
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.writer.Close()
}

// Stats returns sink counters.
func (k *KafkaSink) Stats() map[string]any {
	return map[string]any{
		"produced": k.produced.Load(),
		"errors":   k.errors.Load(),
	}
}
