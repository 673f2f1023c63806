package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/warp/toll-ledger/ledger"
)

const DefaultTopic = "toll-ledger-events"

// KafkaSink writes envelopes to a topic keyed by account id, so events for
// one account land on one partition in commit order.
type KafkaSink struct {
	writer   *kafka.Writer
	currency string
}

func NewKafkaSink(brokers []string, topic, currency string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		currency: currency,
	}
}

// ParseBrokers splits a comma separated KAFKA_BROKERS value.
func ParseBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, n ledger.Notification) error {
	data, err := json.Marshal(NewEnvelope(n, s.currency))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	key := string(n.AccountID)
	if key == "" {
		key = n.Reference
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(n.Event)},
		},
	})
	if err != nil {
		return fmt.Errorf("write %s to kafka: %w", n.Event, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
