// Package bus is the realtime channel bus: named pub/sub channels shared by
// every server instance. Delivery is best-effort and ordered per channel only;
// nothing is replayed to late subscribers.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus: closed")

// Message is one payload delivered on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live stream of one channel. Messages is closed once the
// subscription ends, either through Close or because the bus went away.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus publishes to and subscribes on named channels.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}
