package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const defaultBuffer = 128

// Memory is an in-process Bus. It only connects subscribers of the same
// process and is meant for tests and single-instance deployments.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
	log    zerolog.Logger
}

// NewMemory creates a Memory bus. Each subscription buffers up to buffer
// messages; further messages for a slow subscriber are dropped.
func NewMemory(buffer int, log zerolog.Logger) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
		log:    log.With().Str("component", "bus.memory").Logger(),
	}
}

var _ Bus = (*Memory)(nil)

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for sub := range m.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			m.log.Warn().Str("channel", channel).Msg("subscriber buffer full, dropping message")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{bus: m, channel: channel, ch: make(chan Message, m.buffer)}
	room := m.subs[channel]
	if room == nil {
		room = make(map[*memorySub]struct{})
		m.subs[channel] = room
	}
	room[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, room := range m.subs {
		for sub := range room {
			sub.closeLocked()
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

type memorySub struct {
	bus     *Memory
	channel string
	ch      chan Message
	closed  bool
}

func (s *memorySub) Messages() <-chan Message {
	return s.ch
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if room := s.bus.subs[s.channel]; room != nil {
		delete(room, s)
		if len(room) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked must be called with bus.mu held for writing.
func (s *memorySub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
