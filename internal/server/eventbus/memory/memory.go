// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ccheshirecat/fleet/internal/server/eventbus"
)

type subscription struct {
	ch   chan<- any
	gone chan struct{}
}

// Bus is an in-memory event bus. Publish blocks until every live subscriber
// has accepted the payload, so each subscriber sees a publisher's events in
// publish order and none are dropped.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
}

var _ eventbus.Bus = (*Bus)(nil)

// New creates a new Bus instance.
func New() *Bus {
	return &Bus{topics: make(map[string][]*subscription)}
}

// Publish delivers payload to every subscriber of topic, waiting for each
// one to accept it. It returns early only when ctx is done; unsubscribed
// channels are skipped.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.gone:
		case sub.ch <- payload:
		}
	}
	return nil
}

// Subscribe registers a channel for a topic. The subscriber must keep
// draining ch until it calls the returned unsubscribe func.
func (b *Bus) Subscribe(topic string, ch chan<- any) (func(), error) {
	if ch == nil {
		return nil, errors.New("eventbus: channel must not be nil")
	}
	sub := &subscription{ch: ch, gone: make(chan struct{})}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.gone)
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[topic]
			for i := range subs {
				if subs[i] == sub {
					b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
		})
	}, nil
}
