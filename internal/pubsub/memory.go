package pubsub

import (
	"context"
	"sync"
)

// subscriberBuffer is the per-subscription delivery queue depth. Publishers
// block once a subscriber falls this far behind, which preserves
// at-least-once delivery instead of silently dropping.
const subscriberBuffer = 256

// Memory is the in-process fabric used for single-node deployments and
// tests. Multiple Server instances may share one Memory to simulate a
// multi-node cluster.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*memorySub
	nextID int64
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	ch   chan Delivery
	done chan struct{}
	once sync.Once
}

// NewMemory creates an empty in-memory fabric.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int64]*memorySub)}
}

// Subscribe registers a handler for a topic. Each subscription gets its own
// consumer goroutine, so handlers for one subscription never run concurrently.
func (m *Memory) Subscribe(_ context.Context, topic string, h Handler) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		ch:   make(chan Delivery, subscriberBuffer),
		done: make(chan struct{}),
	}
	m.nextID++
	id := m.nextID
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int64]*memorySub)
	}
	m.subs[topic][id] = sub

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case d := <-sub.ch:
				h(d)
			case <-sub.done:
				return
			}
		}
	}()

	return func() { m.unsubscribe(topic, id, sub) }, nil
}

func (m *Memory) unsubscribe(topic string, id int64, sub *memorySub) {
	m.mu.Lock()
	if set, ok := m.subs[topic]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.subs, topic)
		}
	}
	m.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
}

// Publish delivers data to every subscription of the topic, tagged with the
// publisher's node id.
func (m *Memory) Publish(_ context.Context, topic string, data []byte, originNode string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for _, sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	d := Delivery{Topic: topic, Data: data, OriginNode: originNode}
	for _, sub := range targets {
		select {
		case sub.ch <- d:
		case <-sub.done:
			// Unsubscribed while we were queueing; nothing to deliver.
		}
	}
	return nil
}

// Close tears down every subscription and waits for consumer goroutines to
// exit.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySub
	for _, set := range m.subs {
		for _, sub := range set {
			all = append(all, sub)
		}
	}
	m.subs = make(map[string]map[int64]*memorySub)
	m.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.done) })
	}
	m.wg.Wait()
	return nil
}
