package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/Iron-Ham/armada/internal/fleet"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes snapshots as JSON records keyed by mission ID.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates a KafkaSink producing to topic on the comma-separated
// broker list.
func NewKafkaSink(brokers, topic string) (*KafkaSink, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, fmt.Errorf("kafka sink: brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{w: w, topic: topic}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, snap fleet.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(snap.MissionID),
		Value: data,
		Time:  snap.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("snapshot")},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
