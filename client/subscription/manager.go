// Package subscription multiplexes realtime channel subscriptions of one
// client. Subscriptions are reference counted by channel name so a channel
// is streamed at most once however many views ask for it.
package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/event"
)

var (
	// ErrStreamClosed is returned by Stream.Next once the stream can no
	// longer produce events.
	ErrStreamClosed = errors.New("subscription: stream closed")
	ErrClosed       = errors.New("subscription: manager closed")
)

// Stream is an established subscription to one channel.
type Stream interface {
	// Next blocks for the next event. Errors other than ErrStreamClosed are
	// reported and the stream keeps going.
	Next(ctx context.Context) (event.Event, error)
	Close() error
}

// Source opens streams, typically over a websocket.
type Source interface {
	Subscribe(ctx context.Context, channel string) (Stream, error)
}

// Delivery is one event, or one failure, of a channel.
type Delivery struct {
	Channel string
	Event   event.Event
	Err     error

	gen uint64
}

type entry struct {
	refs   int
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the streams of one client session.
type Manager struct {
	source Source
	log    zerolog.Logger
	out    chan Delivery

	mu     sync.Mutex
	subs   map[string]*entry
	gen    uint64
	closed bool
}

func NewManager(source Source, log zerolog.Logger) *Manager {
	return &Manager{
		source: source,
		log:    log.With().Str("component", "subscription").Logger(),
		out:    make(chan Delivery, 64),
		subs:   make(map[string]*entry),
	}
}

// Deliveries is shared by every subscription of the manager. It is never
// closed.
func (m *Manager) Deliveries() <-chan Delivery {
	return m.out
}

// Live reports whether the subscription d came from is still held. A
// delivery that was in flight when its channel was released is not live.
func (m *Manager) Live(d Delivery) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[d.Channel]
	return ok && e.gen == d.gen
}

// Handle is one reference to a channel subscription.
type Handle struct {
	m       *Manager
	channel string
	once    sync.Once
}

func (h *Handle) Channel() string {
	return h.channel
}

// Close releases the reference. It is safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() { h.m.Unsubscribe(h.channel) })
}

// Subscribe takes a reference to channel, opening its stream on the first
// one. The stream is established in the background; failures arrive as
// deliveries with Err set.
func (m *Manager) Subscribe(channel string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if e, ok := m.subs[channel]; ok {
		e.refs++
		return &Handle{m: m, channel: channel}, nil
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{refs: 1, gen: m.gen, cancel: cancel, done: make(chan struct{})}
	m.subs[channel] = e
	go m.pump(ctx, channel, e)
	return &Handle{m: m, channel: channel}, nil
}

// Unsubscribe drops one reference to channel. The last one stops the stream
// and waits for its pump to exit, so nothing of the channel is delivered
// after Unsubscribe returns.
func (m *Manager) Unsubscribe(channel string) {
	m.mu.Lock()
	e, ok := m.subs[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.subs, channel)
	m.mu.Unlock()

	e.cancel()
	<-e.done
}

// Close releases every subscription and waits for all pumps.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.subs))
	for _, e := range m.subs {
		entries = append(entries, e)
	}
	m.subs = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

func (m *Manager) pump(ctx context.Context, channel string, e *entry) {
	defer close(e.done)
	log := m.log.With().Str("channel", channel).Logger()

	stream, err := m.source.Subscribe(ctx, channel)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("subscribe failed")
			m.deliver(ctx, Delivery{Channel: channel, Err: err, gen: e.gen})
		}
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Msg("close stream")
		}
	}()

	for {
		ev, err := stream.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("stream error")
			m.deliver(ctx, Delivery{Channel: channel, Err: err, gen: e.gen})
			if errors.Is(err, ErrStreamClosed) {
				return
			}
			continue
		}
		m.deliver(ctx, Delivery{Channel: channel, Event: ev, gen: e.gen})
	}
}

func (m *Manager) deliver(ctx context.Context, d Delivery) {
	select {
	case m.out <- d:
	case <-ctx.Done():
	}
}
