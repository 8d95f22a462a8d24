package kafka

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// commitTracker orders commits within each partition. Handlers finish in any
// order, but a partition's offset only moves past a message once every
// message fetched before it on that partition is done.
type commitTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	// pending holds fetched offsets in fetch order.
	pending []int64
	done    map[int64]kafka.Message
}

func newCommitTracker() *commitTracker {
	return &commitTracker{partitions: make(map[int]*partitionOffsets)}
}

// fetched records msg as in flight. It must be called in fetch order.
func (t *commitTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[msg.Partition] = p
	}
	p.pending = append(p.pending, msg.Offset)
}

// completed marks msg as handled and, when that advances its partition,
// calls commit with the highest message that is safe to commit. commit runs
// under the tracker lock so commits reach the broker in offset order.
func (t *commitTracker) completed(msg kafka.Message, commit func(kafka.Message) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		return commit(msg)
	}
	p.done[msg.Offset] = msg

	var (
		last    kafka.Message
		advance bool
	)
	for len(p.pending) > 0 {
		m, ok := p.done[p.pending[0]]
		if !ok {
			break
		}
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
		last, advance = m, true
	}
	if !advance {
		return nil
	}
	return commit(last)
}
