package channels

import (
	"context"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// MessageWriter produces Kafka messages. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Radio hands broadcast scripts to the radio playout system through a Kafka topic.
type Radio struct {
	w MessageWriter
}

// NewRadio creates a radio sender over w.
func NewRadio(w MessageWriter) *Radio {
	return &Radio{w: w}
}

// NewKafkaWriter builds the producer for the broadcast topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Send ignores the address: radio is a broadcast.
func (r *Radio) Send(ctx context.Context, _ string, subject, body string) error {
	script := body
	if subject != "" {
		script = subject + ".\n\n" + body
	}
	err := r.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(subject),
		Value:   []byte(script),
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("text/plain")}},
	})
	return errors.Wrap(err, "producing radio broadcast")
}

func (r *Radio) Close() error {
	return r.w.Close()
}
