// Package events forwards bot event traffic from the broker to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kalambet/fleetctl/internal/broker"
)

// ErrNoTopic is returned when no Kafka topic is configured.
var ErrNoTopic = errors.New("topic is required")

// Writer defines the subset of kafka.Writer used by the forwarder.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the value written for every forwarded message.
type Record struct {
	BotID      string          `json:"bot_id"`
	Channel    string          `json:"channel"`
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Patterns are the broker topics whose traffic is forwarded.
func Patterns(namespace string) []string {
	return []string{
		namespace + "/+/events",
		namespace + "/+/external/event/+",
	}
}

const (
	defaultBuffer = 1024
	batchSize     = 100
	writeTimeout  = 10 * time.Second
)

// Forwarder queues broker messages and writes them to Kafka from its own
// goroutine, so the broker's delivery path never waits on Kafka. When the
// queue is full new messages are dropped and counted.
type Forwarder struct {
	writer  Writer
	queue   chan kafka.Message
	dropped atomic.Int64
	sent    atomic.Int64
	logger  *slog.Logger
	now     func() time.Time
}

func NewForwarder(w Writer, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Forwarder{
		writer: w,
		queue:  make(chan kafka.Message, buffer),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) (Writer, error) {
	if topic == "" {
		return nil, ErrNoTopic
	}
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
	}, nil
}

// Handle is a broker.Handler. It keys each record by bot id so one bot's
// events stay ordered within a partition.
func (f *Forwarder) Handle(msg broker.Message) {
	data := json.RawMessage(msg.Payload)
	if !json.Valid(msg.Payload) {
		quoted, _ := json.Marshal(string(msg.Payload))
		data = quoted
	}
	now := f.now()
	value, err := json.Marshal(Record{
		BotID:      msg.BotID,
		Channel:    msg.Channel,
		Topic:      msg.Topic,
		Data:       data,
		ReceivedAt: now,
	})
	if err != nil {
		f.logger.Debug("encoding event failed", "bot_id", msg.BotID, "error", err)
		return
	}

	select {
	case f.queue <- kafka.Message{Key: []byte(msg.BotID), Value: value, Time: now}:
	default:
		if f.dropped.Add(1)%100 == 1 {
			f.logger.Warn("event queue full, dropping", "bot_id", msg.BotID, "dropped", f.dropped.Load())
		}
	}
}

// Run writes queued messages until ctx is cancelled, then flushes what is
// left and closes the writer.
func (f *Forwarder) Run(ctx context.Context) error {
	defer func() {
		f.flush()
		if err := f.writer.Close(); err != nil {
			f.logger.Warn("closing kafka writer", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-f.queue:
			batch := f.drain([]kafka.Message{m})
			f.write(context.Background(), batch)
		}
	}
}

// drain adds whatever is already queued to batch, up to batchSize.
func (f *Forwarder) drain(batch []kafka.Message) []kafka.Message {
	for len(batch) < batchSize {
		select {
		case m := <-f.queue:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}

func (f *Forwarder) flush() {
	for {
		batch := f.drain(nil)
		if len(batch) == 0 {
			return
		}
		f.write(context.Background(), batch)
	}
}

func (f *Forwarder) write(ctx context.Context, batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := f.writer.WriteMessages(ctx, batch...); err != nil {
		f.logger.Warn("writing events to kafka failed", "count", len(batch), "error", fmt.Errorf("write kafka message: %w", err))
		return
	}
	f.sent.Add(int64(len(batch)))
}

// Stats reports how many events were written and dropped.
func (f *Forwarder) Stats() (sent, dropped int64) {
	return f.sent.Load(), f.dropped.Load()
}
