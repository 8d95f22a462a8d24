// Package redis serves bus handlers over Redis pub/sub. Requests arrive as a
// JSON envelope on the topic channel and replies are published to the channel
// the envelope names.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/bus"
	"github.com/shineum/mail-dispatch/internal/email"
)

var (
	ErrEmptyConnectionURL = errors.New("redis: empty connection URL")
	ErrFailedToParseURL   = errors.New("redis: failed to parse connection URL")
	ErrConnectionFailed   = errors.New("redis: failed to establish connection")
)

// Envelope wraps a request or reply payload on a channel.
type Envelope struct {
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Client is the part of redis.UniversalClient the bus uses.
type Client interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Open connects to the Redis server at url (redis:// or rediss://) and
// checks the connection with a PING.
func Open(ctx context.Context, url string) (redis.UniversalClient, error) {
	if url == "" {
		return nil, ErrEmptyConnectionURL
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, ErrFailedToParseURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}
	return client, nil
}

// Bus is a Registrar backed by Redis pub/sub.
type Bus struct {
	client      Client
	concurrency int
	logger      *slog.Logger

	mu       sync.Mutex
	handlers bus.Handlers
	running  bool
}

// New creates a Bus on client. A concurrency of zero or less means 8.
func New(client Client, concurrency int, logger *slog.Logger) *Bus {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:      client,
		concurrency: concurrency,
		logger:      logger.With("component", "redis-bus"),
		handlers:    make(bus.Handlers),
	}
}

// Register attaches h to the channel named topic. Handlers must be
// registered before Run.
func (b *Bus) Register(topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return bus.ErrAlreadyRunning
	}
	return b.handlers.Add(topic, h)
}

// Run subscribes to every registered topic and serves requests until ctx is
// cancelled. Requests already being handled are answered before Run returns.
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

	topics := handlers.Topics()
	sub := b.client.Subscribe(ctx, topics...)
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Warn("failed to close subscription", "error", err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}
	b.logger.Info("consuming requests", "channels", topics, "concurrency", b.concurrency)

	var workers errgroup.Group
	workers.SetLimit(b.concurrency)
	defer func() { _ = workers.Wait() }()

	hctx := context.WithoutCancel(ctx)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			h, found := handlers[msg.Channel]
			if !found {
				continue
			}
			workers.Go(func() error {
				b.handle(hctx, h, msg.Channel, []byte(msg.Payload))
				return nil
			})
		}
	}
}

// handle serves one request envelope read from channel.
func (b *Bus) handle(ctx context.Context, h bus.Handler, channel string, raw []byte) {
	var req Envelope
	if err := json.Unmarshal(raw, &req); err != nil {
		// There is no reply_to to honour, so the failure goes to the
		// channel's default reply channel.
		b.logger.Error("malformed envelope", "channel", channel, "error", err)
		resp, _ := json.Marshal(email.Failure(email.Errorf(email.KindInvalidField, "malformed envelope: %v", err)))
		b.reply(ctx, bus.DefaultReplyTopic(channel), Envelope{Payload: resp})
		return
	}

	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = bus.DefaultReplyTopic(channel)
	}

	payload := h(ctx, req.Payload)
	if !json.Valid(payload) {
		b.logger.Error("handler returned a non-JSON reply", "channel", channel)
		return
	}
	b.reply(ctx, replyTo, Envelope{
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	})
}

func (b *Bus) reply(ctx context.Context, channel string, env Envelope) {
	out, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to encode reply", "channel", channel, "error", err)
		return
	}

	if err := b.client.Publish(ctx, channel, out).Err(); err != nil {
		b.logger.Error("failed to publish reply",
			"channel", channel,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
	}
}
