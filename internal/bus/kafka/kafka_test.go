package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/bus"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    atomic.Bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 16)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	offsets := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		offsets = append(offsets, m.Offset)
	}
	return offsets
}

type fakeWriter struct {
	written chan kafka.Message
	closed  atomic.Bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{written: make(chan kafka.Message, 16)}
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		w.written <- m
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *fakeWriter) next(t *testing.T) kafka.Message {
	t.Helper()
	select {
	case m := <-w.written:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return kafka.Message{}
	}
}

func newTestBus(t *testing.T, concurrency int) (*Bus, *fakeReader, *fakeWriter) {
	t.Helper()

	b, err := New(Config{Brokers: []string{"localhost:9092"}, GroupID: "mail-dispatch", Concurrency: concurrency})
	require.NoError(t, err)

	r, w := newFakeReader(), newFakeWriter()
	b.newReader = func(string) Reader { return r }
	b.writer = w
	return b, r, w
}

func runBus(t *testing.T, b *Bus) (cancel func()) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func upper(_ context.Context, payload []byte) []byte {
	out := make([]byte, len(payload))
	for i, c := range payload {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func TestBus_RepliesToReplyToHeader(t *testing.T) {
	t.Parallel()

	b, r, w := newTestBus(t, 2)
	require.NoError(t, b.Register("rapp_email_send", upper))
	stop := runBus(t, b)

	r.msgs <- kafka.Message{
		Topic: "rapp_email_send",
		Key:   []byte("k1"),
		Value: []byte("hello"),
		Headers: []kafka.Header{
			{Key: HeaderReplyTo, Value: []byte("caller.inbox")},
			{Key: HeaderCorrelationID, Value: []byte("c-1")},
		},
	}

	reply := w.next(t)
	assert.Equal(t, "caller.inbox", reply.Topic)
	assert.Equal(t, "HELLO", string(reply.Value))
	assert.Equal(t, "k1", string(reply.Key))
	assert.Equal(t, "c-1", header(reply, HeaderCorrelationID))

	stop()
	assert.Equal(t, 1, r.commits())
	assert.True(t, r.closed.Load())
	assert.True(t, w.closed.Load())
}

func TestBus_DefaultReplyTopic(t *testing.T) {
	t.Parallel()

	b, r, w := newTestBus(t, 1)
	require.NoError(t, b.Register("rapp_email_send", upper))
	stop := runBus(t, b)
	defer stop()

	r.msgs <- kafka.Message{Topic: "rapp_email_send", Value: []byte("x")}

	reply := w.next(t)
	assert.Equal(t, "rapp_email_send.reply", reply.Topic)
	assert.Empty(t, reply.Headers)
}

func TestBus_BoundsConcurrentHandlers(t *testing.T) {
	t.Parallel()

	const limit = 2

	var running, peak atomic.Int32
	release := make(chan struct{})
	slow := func(_ context.Context, payload []byte) []byte {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return payload
	}

	b, r, w := newTestBus(t, limit)
	require.NoError(t, b.Register("rapp_email_send", slow))
	stop := runBus(t, b)

	for i := range 5 {
		r.msgs <- kafka.Message{Topic: "rapp_email_send", Offset: int64(i), Value: []byte("x")}
	}

	require.Eventually(t, func() bool { return running.Load() == limit }, 5*time.Second, 10*time.Millisecond)
	close(release)
	for range 5 {
		w.next(t)
	}
	stop()

	assert.Equal(t, int32(limit), peak.Load())
	offsets := r.committedOffsets()
	require.NotEmpty(t, offsets)
	assert.Equal(t, int64(4), offsets[len(offsets)-1])
}

func TestBus_CommitsInOffsetOrder(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := func(_ context.Context, payload []byte) []byte {
		if string(payload) == "slow" {
			<-release
		}
		return payload
	}

	b, r, w := newTestBus(t, 2)
	require.NoError(t, b.Register("rapp_email_send", h))
	stop := runBus(t, b)

	r.msgs <- kafka.Message{Topic: "rapp_email_send", Partition: 0, Offset: 10, Value: []byte("slow")}
	r.msgs <- kafka.Message{Topic: "rapp_email_send", Partition: 0, Offset: 11, Value: []byte("fast")}

	assert.Equal(t, "fast", string(w.next(t).Value))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.committedOffsets(), "offset 11 committed while 10 is still in flight")

	close(release)
	assert.Equal(t, "slow", string(w.next(t).Value))
	stop()

	assert.Equal(t, []int64{11}, r.committedOffsets())
}

func TestCommitTracker(t *testing.T) {
	t.Parallel()

	msg := func(partition int, offset int64) kafka.Message {
		return kafka.Message{Partition: partition, Offset: offset}
	}

	tr := newCommitTracker()
	for _, m := range []kafka.Message{msg(0, 1), msg(0, 2), msg(0, 3), msg(1, 7)} {
		tr.fetched(m)
	}

	var committed []kafka.Message
	commit := func(m kafka.Message) error {
		committed = append(committed, m)
		return nil
	}

	require.NoError(t, tr.completed(msg(0, 3), commit))
	require.NoError(t, tr.completed(msg(0, 2), commit))
	assert.Empty(t, committed)

	require.NoError(t, tr.completed(msg(1, 7), commit))
	require.NoError(t, tr.completed(msg(0, 1), commit))
	assert.Equal(t, []kafka.Message{msg(1, 7), msg(0, 3)}, committed)

	// A partition the tracker never saw is committed as is.
	committed = nil
	require.NoError(t, tr.completed(msg(2, 5), commit))
	assert.Equal(t, []kafka.Message{msg(2, 5)}, committed)
}

func TestBus_InFlightRequestSurvivesShutdown(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr atomic.Value
	h := func(ctx context.Context, payload []byte) []byte {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			handlerCtxErr.Store(err)
		}
		return payload
	}

	b, r, w := newTestBus(t, 1)
	require.NoError(t, b.Register("rapp_email_send", h))
	stop := runBus(t, b)

	r.msgs <- kafka.Message{Topic: "rapp_email_send", Value: []byte("x")}
	<-started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	w.next(t)
	<-stopped
	assert.Nil(t, handlerCtxErr.Load())
	assert.Equal(t, 1, r.commits())
}

func TestBus_RunWithoutHandlers(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBus(t, 1)
	assert.ErrorIs(t, b.Run(context.Background()), bus.ErrNoTopics)
}

func TestBus_RegisterErrors(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBus(t, 1)
	require.NoError(t, b.Register("a", upper))
	assert.ErrorIs(t, b.Register("a", upper), bus.ErrTopicTaken)
	assert.ErrorIs(t, b.Register("", upper), bus.ErrEmptyTopic)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{GroupID: "g"})
	assert.ErrorContains(t, err, "broker")

	_, err = New(Config{Brokers: []string{"b:9092"}})
	assert.ErrorContains(t, err, "group id")

	_, err = New(Config{Brokers: []string{"b:9092"}, GroupID: "g", SASL: &SASLConfig{Mechanism: "GSSAPI"}})
	assert.ErrorContains(t, err, "unsupported SASL mechanism")

	b, err := New(Config{Brokers: []string{"b:9092"}, GroupID: "g"})
	require.NoError(t, err)
	assert.Equal(t, 8, b.cfg.Concurrency)
}

func TestBuildSASLMechanism(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mechanism string
		name      string
	}{
		{"PLAIN", "PLAIN"},
		{"plain", "PLAIN"},
		{"SCRAM-SHA-256", "SCRAM-SHA-256"},
		{"SCRAM-SHA-512", "SCRAM-SHA-512"},
	}

	for _, tt := range tests {
		m, err := buildSASLMechanism(&SASLConfig{Mechanism: tt.mechanism, Username: "u", Password: "p"})
		require.NoError(t, err, tt.mechanism)
		assert.Equal(t, tt.name, m.Name())
	}
}
