package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/dkeye/Meet/internal/app"
	"github.com/rs/zerolog/log"
)

const kafkaFlushTimeoutMs = 5000

// KafkaHook streams snapshots to a topic keyed by room id, so events of
// one room stay ordered within a partition.
type KafkaHook struct {
	producer *kafka.Producer
	topic    string
	done     chan struct{}
}

func NewKafkaHook(brokers, topic string) (*KafkaHook, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
		"client.id":         "meet-status",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	h := &KafkaHook{producer: p, topic: topic, done: make(chan struct{})}
	go h.deliveryReports()
	return h, nil
}

func (h *KafkaHook) Name() string { return "kafka" }

func (h *KafkaHook) deliveryReports() {
	defer close(h.done)
	for e := range h.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				log.Warn().Str("module", "status").Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
			}
		case kafka.Error:
			log.Warn().Str("module", "status").Err(ev).Msg("kafka error")
		}
	}
}

func (h *KafkaHook) Publish(_ context.Context, s app.StatusSnapshot) error {
	msg, err := snapshotMessage(h.topic, s)
	if err != nil {
		return err
	}
	if err := h.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func snapshotMessage(topic string, s app.StatusSnapshot) (*kafka.Message, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(s.RoomID),
		Value:          data,
		Headers:        []kafka.Header{{Key: "event", Value: []byte(s.Event)}},
	}, nil
}

// Close flushes pending messages and stops the producer.
func (h *KafkaHook) Close() {
	if left := h.producer.Flush(kafkaFlushTimeoutMs); left > 0 {
		log.Warn().Str("module", "status").Int("pending", left).Msg("kafka flush incomplete")
	}
	h.producer.Close()
	<-h.done
}
