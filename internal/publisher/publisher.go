// Package publisher turns committed writes into realtime events on the
// channel bus. Publishing is fire-and-forget: a failure is logged and
// counted but never reported to the write path, which has already committed.
package publisher

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/event"
	"github.com/nexus-im/nexus/internal/bus"
	"github.com/nexus-im/nexus/internal/metrics"
	"github.com/nexus-im/nexus/model"
)

// Sink delivers one event to a set of channels.
type Sink interface {
	Publish(ctx context.Context, channels []string, ev event.Event)
}

// Publisher writes events straight to the bus.
type Publisher struct {
	bus     bus.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
}

var _ Sink = (*Publisher)(nil)

func New(b bus.Bus, m *metrics.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		bus:     b,
		metrics: m,
		log:     log.With().Str("component", "publisher").Logger(),
	}
}

// Publish encodes ev once and sends it to every channel.
func (p *Publisher) Publish(ctx context.Context, channels []string, ev event.Event) {
	if err := p.deliver(ctx, channels, ev); err != nil {
		p.log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("event_id", ev.ID).Msg("publish failed")
	}
}

// deliver reports the first failure after trying every channel.
func (p *Publisher) deliver(ctx context.Context, channels []string, ev event.Event) error {
	payload, err := event.Encode(ev)
	if err != nil {
		p.metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
		return errors.Wrap(err, "encode event")
	}

	var firstErr error
	for _, channel := range channels {
		if err := p.bus.Publish(ctx, channel, payload); err != nil {
			p.metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "publish to %s", channel)
			}
			continue
		}
		p.log.Debug().Str("channel", channel).Str("kind", string(ev.Kind)).Msg("published")
	}
	if firstErr == nil {
		p.metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
	return firstErr
}

// Notifier maps committed writes to the events clients reconcile.
type Notifier struct {
	sink    Sink
	timeout time.Duration
}

func NewNotifier(sink Sink, timeout time.Duration) *Notifier {
	return &Notifier{sink: sink, timeout: timeout}
}

// MessageCreated publishes message:new followed by the conversation:update
// carrying the bumped activity time, both to the conversation fanout.
func (n *Notifier) MessageCreated(ctx context.Context, conv model.Conversation, msg model.Message) {
	ctx, cancel := n.detach(ctx)
	defer cancel()

	channels := event.Fanout(&conv)
	n.sink.Publish(ctx, channels, event.NewMessage(event.MessageNew, msg))

	if msg.CreatedAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.CreatedAt
	}
	conv.LastMessage = &msg
	n.sink.Publish(ctx, channels, event.NewConversation(event.ConversationUpdate, conv))
}

// MessagesSeen publishes one message:update per message whose seen-by set
// changed.
func (n *Notifier) MessagesSeen(ctx context.Context, conv model.Conversation, msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	ctx, cancel := n.detach(ctx)
	defer cancel()

	channels := event.Fanout(&conv)
	for _, msg := range msgs {
		n.sink.Publish(ctx, channels, event.NewMessage(event.MessageUpdate, msg))
	}
}

func (n *Notifier) ConversationCreated(ctx context.Context, conv model.Conversation) {
	ctx, cancel := n.detach(ctx)
	defer cancel()
	n.sink.Publish(ctx, event.Fanout(&conv), event.NewConversation(event.ConversationNew, conv))
}

func (n *Notifier) ConversationRemoved(ctx context.Context, conv model.Conversation) {
	ctx, cancel := n.detach(ctx)
	defer cancel()
	n.sink.Publish(ctx, event.Fanout(&conv), event.NewConversation(event.ConversationRemove, conv))
}

// detach keeps request values but not the request's cancellation, so a
// client hanging up right after the write does not abort the publish.
func (n *Notifier) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
}
