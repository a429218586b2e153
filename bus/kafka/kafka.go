package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Anberm/booking-microservices-sample/bus"
)

type kafkaTransport struct {
	client *kgo.Client
}

// New forwards envelopes to a Kafka cluster, using the envelope type as the
// topic.
func New(client *kgo.Client) (bus.Transport, error) {
	return &kafkaTransport{client}, nil
}

func (t kafkaTransport) Send(ctx context.Context, env bus.Envelope) error {
	record := &kgo.Record{
		Key:       []byte(env.ID.String()),
		Value:     env.Payload,
		Timestamp: env.SentAt,
		Topic:     env.Type,
	}

	for k, v := range env.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := t.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("record had a produce error while synchronously producing: %v", err)
	}

	return nil
}
