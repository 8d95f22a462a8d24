// Package kafka serves bus handlers from Kafka topics. Each request is read
// through a consumer group and its reply is written to the topic named by the
// request's reply-to header.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/bus"
)

// Header names understood on request messages and set on replies.
const (
	HeaderReplyTo       = "reply-to"
	HeaderCorrelationID = "correlation-id"
)

// Reader is the part of *kafka.Reader the bus consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the part of *kafka.Writer the bus publishes replies with.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures a Bus.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// GroupID is the consumer group shared by all dispatcher instances.
	GroupID string

	// Concurrency bounds the handlers running at once per topic.
	// Default: 8
	Concurrency int

	// TLS enables TLS to the brokers when set.
	TLS *tls.Config

	// SASL enables SASL authentication when its Mechanism is set.
	SASL *SASLConfig

	Logger *slog.Logger
}

// SASLConfig holds SASL credentials.
type SASLConfig struct {
	// Mechanism is one of PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string
	Username  string
	Password  string
}

// Bus is a Registrar backed by Kafka.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers bus.Handlers
	running  bool

	newReader func(topic string) Reader
	writer    Writer
}

// New creates a Bus. No connection is made until Run.
func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group id is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-bus")

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       cfg.TLS,
	}
	transport := &kafka.Transport{TLS: cfg.TLS}

	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		dialer.SASLMechanism = mechanism
		transport.SASL = mechanism
	}

	b := &Bus{
		cfg:      cfg,
		logger:   logger,
		handlers: make(bus.Handlers),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           10 * time.Second,
			BatchTimeout:           10 * time.Millisecond,
			Transport:              transport,
			AllowAutoTopicCreation: true,
		},
	}
	b.newReader = func(topic string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       topic,
			Dialer:      dialer,
			MaxWait:     time.Second,
			ErrorLogger: kafka.LoggerFunc(b.logKafkaError),
		})
	}
	return b, nil
}

// Register attaches h to topic. Handlers must be registered before Run.
func (b *Bus) Register(topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return bus.ErrAlreadyRunning
	}
	return b.handlers.Add(topic, h)
}

// Run consumes every registered topic until ctx is cancelled. Requests
// already being handled are finished and answered before Run returns.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return bus.ErrAlreadyRunning
	}
	if len(b.handlers) == 0 {
		b.mu.Unlock()
		return bus.ErrNoTopics
	}
	b.running = true
	handlers := make(bus.Handlers, len(b.handlers))
	for t, h := range b.handlers {
		handlers[t] = h
	}
	b.mu.Unlock()

	defer func() {
		if err := b.writer.Close(); err != nil {
			b.logger.Warn("failed to close reply writer", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for topic, h := range handlers {
		g.Go(func() error {
			return b.consume(gctx, topic, h)
		})
	}
	return g.Wait()
}

func (b *Bus) consume(ctx context.Context, topic string, h bus.Handler) error {
	r := b.newReader(topic)
	defer func() {
		if err := r.Close(); err != nil {
			b.logger.Warn("failed to close reader", "topic", topic, "error", err)
		}
	}()

	b.logger.Info("consuming requests",
		"topic", topic,
		"group_id", b.cfg.GroupID,
		"brokers", b.cfg.Brokers,
		"concurrency", b.cfg.Concurrency,
	)

	var workers errgroup.Group
	workers.SetLimit(b.cfg.Concurrency)
	defer func() { _ = workers.Wait() }()

	// In-flight requests outlive shutdown so their callers get a reply.
	hctx := context.WithoutCancel(ctx)
	offsets := newCommitTracker()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch from %s: %w", topic, err)
		}
		offsets.fetched(msg)
		workers.Go(func() error {
			b.handle(hctx, r, offsets, h, msg)
			return nil
		})
	}
}

func (b *Bus) handle(ctx context.Context, r Reader, offsets *commitTracker, h bus.Handler, msg kafka.Message) {
	correlationID := header(msg, HeaderCorrelationID)
	reply := kafka.Message{
		Topic: replyTopic(msg),
		Key:   msg.Key,
		Value: h(ctx, msg.Value),
	}
	if correlationID != "" {
		reply.Headers = []kafka.Header{{Key: HeaderCorrelationID, Value: []byte(correlationID)}}
	}

	if err := b.writer.WriteMessages(ctx, reply); err != nil {
		b.logger.Error("failed to write reply",
			"topic", reply.Topic,
			"correlation_id", correlationID,
			"error", err,
		)
	}

	// The request is committed even when the reply is lost; redelivery would
	// send the email twice.
	err := offsets.completed(msg, func(m kafka.Message) error {
		return r.CommitMessages(ctx, m)
	})
	if err != nil {
		b.logger.Error("failed to commit request",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (b *Bus) logKafkaError(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func replyTopic(msg kafka.Message) string {
	if t := header(msg, HeaderReplyTo); t != "" {
		return t
	}
	return bus.DefaultReplyTopic(msg.Topic)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Key, key) {
			return string(h.Value)
		}
	}
	return ""
}

func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.Mechanism) {
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case "SCRAM-SHA-256":
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-256 mechanism: %w", err)
		}
		return mechanism, nil
	case "SCRAM-SHA-512":
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-512 mechanism: %w", err)
		}
		return mechanism, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}
