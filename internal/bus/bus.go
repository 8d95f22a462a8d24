// Package bus defines how the service attaches request handlers to a message
// bus, and provides an in-process bus used by tests and the send command.
package bus

import (
	"context"
	"errors"
)

// Handler processes one request payload and returns the reply payload. A
// handler always returns a reply; failures are encoded in the reply itself.
type Handler func(ctx context.Context, payload []byte) []byte

// Registrar attaches handlers to topics. Bus adapters implement it.
type Registrar interface {
	Register(topic string, h Handler) error
}

var (
	ErrEmptyTopic     = errors.New("bus: empty topic")
	ErrNilHandler     = errors.New("bus: nil handler")
	ErrTopicTaken     = errors.New("bus: topic already has a handler")
	ErrNoHandler      = errors.New("bus: no handler registered for topic")
	ErrNoTopics       = errors.New("bus: no handlers registered")
	ErrAlreadyRunning = errors.New("bus: already running")
)

// Handlers is a topic to handler table shared by the bus adapters.
// It is not safe for concurrent use; adapters guard it.
type Handlers map[string]Handler

// Add registers h for topic.
func (hs Handlers) Add(topic string, h Handler) error {
	switch {
	case topic == "":
		return ErrEmptyTopic
	case h == nil:
		return ErrNilHandler
	}
	if _, ok := hs[topic]; ok {
		return ErrTopicTaken
	}
	hs[topic] = h
	return nil
}

// Topics returns the registered topics.
func (hs Handlers) Topics() []string {
	topics := make([]string, 0, len(hs))
	for t := range hs {
		topics = append(topics, t)
	}
	return topics
}

// DefaultReplyTopic is where replies go when a request names no reply topic.
func DefaultReplyTopic(topic string) string {
	return topic + ".reply"
}
