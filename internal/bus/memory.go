package bus

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process bus. Request calls the topic's handler
// synchronously on the caller's goroutine, so concurrent requests run
// concurrently.
type Memory struct {
	mu       sync.RWMutex
	handlers Handlers
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{handlers: make(Handlers)}
}

// Register attaches h to topic.
func (m *Memory) Register(topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers.Add(topic, h)
}

// Request delivers payload to the handler for topic and returns its reply.
func (m *Memory) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	m.mu.RLock()
	h, ok := m.handlers[topic]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, topic)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(ctx, payload), nil
}

// Run blocks until ctx is done. The in-process bus has no consumer loop;
// requests are served by Request on the caller's goroutine.
func (m *Memory) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
