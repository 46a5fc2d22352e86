package bus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DialRedis parses a redis:// URL and verifies the connection with a ping.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis: parse url")
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "redis: ping")
	}
	return c, nil
}

// Redis is a Bus over Redis PUBLISH/SUBSCRIBE, shared by every server
// instance connected to the same Redis.
type Redis struct {
	client *redis.Client
	buffer int
	log    zerolog.Logger
}

// NewRedis wraps an existing client. The caller keeps ownership of the client.
func NewRedis(client *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		buffer: defaultBuffer,
		log:    log.With().Str("component", "bus.redis").Logger(),
	}
}

var _ Bus = (*Redis)(nil)

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so a publish
// issued after Subscribe returns is guaranteed to be delivered.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "redis: subscribe %s", channel)
	}

	sub := &redisSub{
		ps:   ps,
		out:  make(chan Message, r.buffer),
		done: make(chan struct{}),
	}
	go sub.pump(ps.Channel())
	r.log.Debug().Str("channel", channel).Msg("subscribed")
	return sub, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *Redis) Close() error {
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Messages() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
