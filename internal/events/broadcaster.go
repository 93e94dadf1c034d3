// Package events fans out account change notifications to in-process subscribers.
package events

import (
	"sync"
	"time"
)

// AccountChanged is published after an event has been applied and committed.
// Subscribers re-read the account state; the notification carries no data.
type AccountChanged struct {
	Account string    `json:"account"`
	Version uint64    `json:"version"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
}

// Broadcaster fans out notifications to all subscribers via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan AccountChanged]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan AccountChanged]struct{}),
		buffer: buffer,
	}
}

// Publish sends the notification to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(n AccountChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives notifications until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan AccountChanged {
	ch := make(chan AccountChanged, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan AccountChanged) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
