package wal

import (
	"context"
	"encoding/json"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaFrameNotifier publishes one message per frame that Commit
// closes successfully to a topic, for external curation/observability
// consumers. Commit fills in only the summary's tag, so SetCount and
// BeginInfo arrive as zero values. Core frame semantics are unaffected
// if this is never wired up.
type KafkaFrameNotifier struct {
	writer *kafka.Writer
}

// NewKafkaFrameNotifier builds a notifier writing to topic on brokers.
func NewKafkaFrameNotifier(brokers []string, topic string) *KafkaFrameNotifier {
	return &KafkaFrameNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

// NotifyFrame publishes the frame summary as a JSON message keyed by tag.
func (n *KafkaFrameNotifier) NotifyFrame(ctx context.Context, summary FrameSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.Tag),
		Value: payload,
	})
}

// Close flushes and closes the underlying Kafka writer.
func (n *KafkaFrameNotifier) Close() error {
	return n.writer.Close()
}
