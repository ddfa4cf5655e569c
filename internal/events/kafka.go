package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/segmentio/kafka-go"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

// DefaultTopic is the topic upload events are written to.
const DefaultTopic = "file.events"

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer for brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
}

// KafkaPublisher writes every event it hears as a JSON Record. Publishing is
// best effort: broker failures are logged, never returned, so a broker
// outage cannot abort uploads.
type KafkaPublisher struct {
	w      MessageWriter
	logger logging.Logger
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w MessageWriter, logger logging.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, logger: logging.OrNop(logger)}
}

// Handle is a ListenerFunc.
func (p *KafkaPublisher) Handle(ctx context.Context, ev *Event) error {
	rec := ev.Record()
	value, err := json.Marshal(rec)
	if err != nil {
		p.logger.Log(logging.LevelWarn, "encode event for kafka", "event", ev.Name, "error", err)
		return nil
	}
	key := rec.Filename
	if sp, ok := ev.Data["stored_path"].(string); ok && sp != "" {
		key = sp
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    ev.Time,
		Headers: []kafka.Header{{Key: "event", Value: []byte(ev.Name)}},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.logger.Log(logging.LevelWarn, "publish event to kafka", "event", ev.Name, "error", fmt.Errorf("write message: %w", err))
	}
	return nil
}

// Attach registers the publisher like Mirror.Attach.
func (p *KafkaPublisher) Attach(d *Dispatcher, names ...string) {
	if len(names) == 0 {
		names = All
	}
	for _, name := range names {
		d.AddListener(name, p.Handle, math.MinInt)
	}
}
