package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"colisflow/events"
)

// KafkaPublisher writes events to one topic keyed by aggregate id, so every
// entity's events land on one partition in commit order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("outbox: kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev events.Event) error {
	msg, err := kafkaMessage(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(ev events.Event) (kafka.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("outbox: marshal %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: body,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "aggregate_type", Value: []byte(ev.AggregateType)},
			{Key: "version", Value: []byte(strconv.FormatInt(ev.Version, 10))},
		},
	}, nil
}
