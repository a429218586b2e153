package busNats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Anberm/booking-microservices-sample/bus"
)

type natsJetstreamTransport struct {
	js jetstream.JetStream
}

// NewJetstream forwards envelopes to a NATS JetStream, using the envelope
// type as the subject.
func NewJetstream(js jetstream.JetStream) (bus.Transport, error) {
	return &natsJetstreamTransport{js}, nil
}

func (t natsJetstreamTransport) Send(ctx context.Context, env bus.Envelope) error {
	_, err := t.js.PublishMsg(ctx, toMsg(env))
	if err != nil {
		return fmt.Errorf("nats jetstream publish message: %v", err)
	}

	return nil
}

type natsTransport struct {
	client *nats.Conn
}

// New forwards envelopes to a core NATS connection, using the envelope type
// as the subject.
func New(client *nats.Conn) (bus.Transport, error) {
	return &natsTransport{client}, nil
}

func (t natsTransport) Send(ctx context.Context, env bus.Envelope) error {
	if err := t.client.PublishMsg(toMsg(env)); err != nil {
		return fmt.Errorf("nats publish message: %v", err)
	}

	return nil
}

func toMsg(env bus.Envelope) *nats.Msg {
	msg := &nats.Msg{
		Subject: env.Type,
		Data:    env.Payload,
		Header:  nats.Header{},
	}

	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("Message-Id", env.ID.String())

	return msg
}
