package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaOptions configure the event sink.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON events keyed by feed or
// symbol, so one key stays on one partition.
type KafkaNotifier struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaNotifier builds a synchronous kafka-go writer.
func NewKafkaNotifier(opts KafkaOptions, logger zerolog.Logger) (*KafkaNotifier, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: batchTimeout,
		WriteTimeout: 10 * time.Second,
	}
	if opts.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: opts.ClientID}
	}
	return newKafkaNotifier(w, logger), nil
}

func newKafkaNotifier(w messageWriter, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: w, logger: logger.With().Str("component", "alert_kafka").Logger()}
}

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	if note.Detection == nil && note.Deviation == nil {
		return errors.New("empty notification")
	}
	value, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(note.Key()),
		Value: value,
		Time:  note.EmittedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(note.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", note.Kind, err)
	}
	k.logger.Debug().Str("kind", string(note.Kind)).Str("key", note.Key()).Msg("event published")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
