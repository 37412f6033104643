// Package memory is a broker.Broker inside one process, for single-node
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/policyhost/broker"
)

// DefaultRetain is how many messages each topic keeps for resumption.
const DefaultRetain = 1000

// Broker keeps each topic as a bounded log. Publishers never wait on
// subscribers; a subscriber that falls behind the retained log gets
// broker.ErrHistoryGap.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	retain int
}

type topic struct {
	mu sync.Mutex
	// log holds the messages with sequence numbers [first, next).
	log   []broker.Message
	first uint64
	next  uint64
	// wake is closed and replaced on every publish.
	wake chan struct{}
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic), retain: DefaultRetain}
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{next: 1, first: 1, wake: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Publish(ctx context.Context, name string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := broker.Message{
		ID:      strconv.FormatUint(t.next, 10),
		Payload: append([]byte(nil), payload...),
	}
	t.next++
	t.log = append(t.log, msg)
	if over := len(t.log) - b.retain; over > 0 {
		t.log = append(t.log[:0:0], t.log[over:]...)
		t.first += uint64(over)
	}
	close(t.wake)
	t.wake = make(chan struct{})
	return msg.ID, nil
}

func (b *Broker) Subscribe(ctx context.Context, name, after string, fn broker.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := b.topic(name)

	t.mu.Lock()
	pos := t.next
	if after != "" {
		seq, err := strconv.ParseUint(after, 10, 64)
		if err != nil || seq < t.first || seq >= t.next {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", broker.ErrHistoryGap, after)
		}
		pos = seq + 1
	}
	t.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.mu.Lock()
		if pos < t.first {
			t.mu.Unlock()
			return fmt.Errorf("%w: dropped messages before %d", broker.ErrHistoryGap, t.first)
		}
		batch := append([]broker.Message(nil), t.log[pos-t.first:]...)
		wake := t.wake
		t.mu.Unlock()

		for _, msg := range batch {
			if err := fn(ctx, msg); err != nil {
				return err
			}
			pos++
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Purge drops the history of name. Subscribers positioned at the head stay
// attached; those behind it get broker.ErrHistoryGap.
func (b *Broker) Purge(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := b.topic(name)
	t.mu.Lock()
	t.log = nil
	t.first = t.next
	t.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
