package accesslog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/davidahmann/portero/core/schema/v1/access"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaMirror publishes accepted records keyed by call id so downstream
// consumers can compact per call.
type KafkaMirror struct {
	writer messageWriter
}

func NewKafkaMirror(cfg KafkaConfig) (*KafkaMirror, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaMirror{writer: writer}, nil
}

func (m *KafkaMirror) Publish(ctx context.Context, record access.AccessLogRecord) error {
	if m == nil || m.writer == nil {
		return fmt.Errorf("kafka mirror not initialized")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode access log record: %w", err)
	}
	return m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.CallID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(record.TenantID)},
			{Key: "schema_id", Value: []byte(record.SchemaID)},
		},
	})
}

func (m *KafkaMirror) Close() error {
	if m == nil || m.writer == nil {
		return nil
	}
	return m.writer.Close()
}
