// Package eventbus is a small typed in-memory fanout bus used to decouple
// the notification core from its observers (audit writer, operational
// endpoints).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels; slow subscribers drop events.
package eventbus

import (
	"sync"
	"time"
)

type Event[T any] struct {
	Type string
	Time time.Time
	Data T
}

type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event[T]
	seq  uint64
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: map[uint64]chan Event[T]{}}
}

// Publish fans data out to every subscriber, dropping it where the buffer is
// full. Sends happen under the read lock and unsubscribe closes under the
// write lock, so a send can never hit a closed channel.
func (b *Bus[T]) Publish(typ string, data T) {
	e := Event[T]{Type: typ, Time: time.Now(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered listener. The returned unsubscribe function
// is idempotent and closes the channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan Event[T], func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event[T], buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
