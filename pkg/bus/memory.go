package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process topic broker. Every transport created from
// it shares the same topic space, which makes it the backbone of
// single-process deployments and of tests that need a full bus without
// PostgreSQL.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*MemoryTransport]RawHandler
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*MemoryTransport]RawHandler)}
}

// Transport returns a new transport attached to this broker.
func (b *MemoryBroker) Transport() *MemoryTransport {
	return &MemoryTransport{broker: b}
}

func (b *MemoryBroker) publish(topic string, data []byte) {
	b.mu.RLock()
	handlers := make([]RawHandler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Deliveries are asynchronous, matching the at-least-once detachment of
	// a real bus: a publisher never blocks on subscriber handlers.
	for _, h := range handlers {
		go h(topic, data)
	}
}

func (b *MemoryBroker) subscribe(t *MemoryTransport, topic string, handler RawHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*MemoryTransport]RawHandler)
	}
	b.subs[topic][t] = handler
}

func (b *MemoryBroker) unsubscribe(t *MemoryTransport, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subs[topic]; subs != nil {
		delete(subs, t)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *MemoryBroker) dropAll(t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		delete(subs, t)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

// MemoryTransport is one participant's handle on a MemoryBroker.
type MemoryTransport struct {
	broker *MemoryBroker

	mu        sync.Mutex
	connected bool
	topics    map[string]RawHandler
}

var _ Transport = (*MemoryTransport)(nil)

// Connect marks the transport usable and re-registers any topics subscribed
// before a disconnect.
func (t *MemoryTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	t.connected = true
	for topic, handler := range t.topics {
		t.broker.subscribe(t, topic, handler)
	}
	return nil
}

// Disconnect detaches the transport from the broker. Subscriptions are
// remembered and restored by the next Connect.
func (t *MemoryTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	t.broker.dropAll(t)
	return nil
}

// Publish delivers data to all current subscribers of the topic.
func (t *MemoryTransport) Publish(_ context.Context, topic string, data []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("memory transport is disconnected")
	}
	t.broker.publish(topic, data)
	return nil
}

// Subscribe registers the handler for a topic.
func (t *MemoryTransport) Subscribe(_ context.Context, topic string, handler RawHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.topics == nil {
		t.topics = make(map[string]RawHandler)
	}
	t.topics[topic] = handler
	if t.connected {
		t.broker.subscribe(t, topic, handler)
	}
	return nil
}

// Unsubscribe removes the topic registration.
func (t *MemoryTransport) Unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
	t.broker.unsubscribe(t, topic)
	return nil
}
