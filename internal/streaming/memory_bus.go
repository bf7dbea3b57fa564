package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan Message
	filter Filter
}

// MemoryBus is an in-process Bus using channels.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*subscriber)}
}

// Publish sends msg to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the message is dropped.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.Match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// slow subscriber
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel function
// removes it and closes the channel.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan Message, defaultChannelBuffer)

	b.mu.Lock()
	b.subs[id] = &subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
