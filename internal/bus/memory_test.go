package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, payload []byte) []byte {
	return append([]byte("re:"), payload...)
}

func TestMemory_Request(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Register("mail", echo))

	reply, err := m.Request(context.Background(), "mail", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "re:hi", string(reply))
}

func TestMemory_UnknownTopic(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	_, err := m.Request(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestMemory_CancelledContext(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Register("mail", echo))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Request(ctx, "mail", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_RegisterErrors(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Register("mail", echo))

	assert.ErrorIs(t, m.Register("mail", echo), ErrTopicTaken)
	assert.ErrorIs(t, m.Register("", echo), ErrEmptyTopic)
	assert.ErrorIs(t, m.Register("other", nil), ErrNilHandler)
}

func TestMemory_ConcurrentRequests(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Register("mail", echo))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := m.Request(context.Background(), "mail", []byte("x"))
			assert.NoError(t, err)
			assert.Equal(t, "re:x", string(reply))
		}()
	}
	wg.Wait()
}

func TestHandlers_Topics(t *testing.T) {
	t.Parallel()

	hs := make(Handlers)
	require.NoError(t, hs.Add("a", echo))
	require.NoError(t, hs.Add("b", echo))
	assert.ElementsMatch(t, []string{"a", "b"}, hs.Topics())
}

func TestDefaultReplyTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "rapp_email_send.reply", DefaultReplyTopic("rapp_email_send"))
}

func TestMemory_RunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewMemory().Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}
