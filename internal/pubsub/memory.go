package pubsub

import (
	"context"
	"sync"
)

// Published is one message seen by a Memory bus.
type Published struct {
	Channel string
	Payload []byte
}

// Memory is an in-process bus. Publish delivers synchronously to every
// current subscriber of the channel.
type Memory struct {
	mu        sync.Mutex
	subs      map[string]map[int]Handler
	nextID    int
	published []Published
	err       error
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]Handler)}
}

// FailWith makes every later Publish return err until reset with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	p := append([]byte(nil), payload...)
	m.published = append(m.published, Published{Channel: channel, Payload: p})
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(channel, p)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, h Handler) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]Handler)
	}
	m.subs[channel][id] = h
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.subs[channel], id)
	m.mu.Unlock()
	return nil
}

// Subscribers reports how many handlers listen on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// Published returns a copy of every successful publish.
func (m *Memory) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.published...)
}
