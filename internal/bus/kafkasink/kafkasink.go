// Package kafkasink mirrors delivered bus events to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/carepath/internal/bus"
)

// DefaultWriteTimeout bounds one write. Writes run on the bus dispatch loop.
const DefaultWriteTimeout = 5 * time.Second

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers, the destination topic and the bus topics to
// mirror.
type Config struct {
	Brokers      []string
	Topic        string
	BusTopics    []string
	WriteTimeout time.Duration
}

// Validate reports missing fields.
func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka topic required"))
	}
	if len(c.BusTopics) == 0 {
		errs = append(errs, errors.New("at least one bus topic required"))
	}
	return errors.Join(errs...)
}

// Sink is a bus subscriber that writes each event as a JSON message keyed
// by case ID, falling back to the event ID.
type Sink struct {
	w       Writer
	topics  []string
	timeout time.Duration
	logger  log.Logger
}

// New builds a Sink backed by a kafka-go writer.
func New(cfg Config, logger log.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafkasink: %w", err)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}
	return NewWithWriter(w, cfg.BusTopics, cfg.WriteTimeout, logger), nil
}

// NewWithWriter builds a Sink on an existing writer.
func NewWithWriter(w Writer, busTopics []string, timeout time.Duration, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Sink{w: w, topics: append([]string(nil), busTopics...), timeout: timeout, logger: logger}
}

// Name identifies the sink as a worker.
func (s *Sink) Name() string { return "kafkasink" }

// Subscribe registers the sink on every configured topic.
func (s *Sink) Subscribe(b *bus.Bus) {
	for _, t := range s.topics {
		b.Subscribe(t, s.Handle)
	}
}

// Handle writes ev to Kafka. Errors go back to the bus, which logs them.
func (s *Sink) Handle(ctx context.Context, ev bus.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(messageKey(ev, value)),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(ev.Topic)},
			{Key: "sender", Value: []byte(ev.Sender)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	return nil
}

// Close flushes and closes the writer. It matches the component stop
// signature used at shutdown.
func (s *Sink) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.w.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("kafkasink close: %w", ctx.Err())
	}
}

// keyProbe reads the case id out of an encoded event. Most pipeline
// payloads carry case_id; case_routed nests it under case and
// case_completed carries result.id.
type keyProbe struct {
	Payload struct {
		CaseID string `json:"case_id"`
		Case   struct {
			CaseID string `json:"case_id"`
		} `json:"case"`
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
	} `json:"payload"`
}

func messageKey(ev bus.Event, encoded []byte) string {
	var p keyProbe
	if err := json.Unmarshal(encoded, &p); err == nil {
		if p.Payload.CaseID != "" {
			return p.Payload.CaseID
		}
		if p.Payload.Case.CaseID != "" {
			return p.Payload.Case.CaseID
		}
		if p.Payload.Result.ID != "" {
			return p.Payload.Result.ID
		}
	}
	return ev.ID
}
