// Package transport is the client side of the realtime websocket protocol.
// A Client keeps one connection to the gateway, reconnects with exponential
// backoff when it drops and re-establishes every open stream afterwards.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/client/subscription"
	"github.com/nexus-im/nexus/event"
)

const (
	writeWait = 10 * time.Second
	// the gateway pings every 30s
	readWait = 75 * time.Second
	// resubscribeWait bounds the wait for the gateway to accept the streams
	// of a new connection.
	resubscribeWait = 10 * time.Second

	unlimitedAttempts = -1
)

var (
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrClosed       = errors.New("transport: closed")
	// ErrDisconnected is reported on every stream when the connection
	// drops. Events published until the reconnect are lost.
	ErrDisconnected = errors.New("transport: disconnected")
	errDropped      = errors.New("transport: stream buffer full, events dropped")
	errAckTimeout   = errors.New("transport: no answer to subscribe")
)

// ServerError is an error frame sent by the gateway for a channel.
type ServerError struct {
	Channel string
	Message string
}

func (e *ServerError) Error() string {
	return "subscribe " + e.Channel + ": " + e.Message
}

// Status reports connection changes. Resync is set once a dropped
// connection is back and the gateway answered for every stream; state
// derived from the missed events must be refetched. Failed lists the
// channels it refused or did not answer for, Err holds the first such error.
// Those streams also receive their error and stay registered until closed.
type Status struct {
	Connected bool
	Resync    bool
	Failed    []string
	Err       error
}

// Options configures a Client.
type Options struct {
	// URL is the gateway endpoint, for example ws://localhost:8080/ws.
	URL   string
	Token string

	Dialer *websocket.Dialer
	Clock  clock.Clock
	// MinBackoff is the first reconnect delay; it doubles up to MaxBackoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Log        zerolog.Logger
}

// Client is a realtime connection. It implements subscription.Source.
type Client struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	status chan Status
	done   chan struct{}

	writeMu sync.Mutex
	// emitMu orders a resync against the disconnect of the connection it
	// belongs to.
	emitMu  sync.Mutex
	waiters sync.WaitGroup

	mu sync.Mutex
	// epoch counts lost connections.
	epoch   uint64
	conn    *websocket.Conn
	streams map[string]*stream
	acks    map[string]chan error
	closed  bool
}

var _ subscription.Source = (*Client)(nil)

// Dial connects to the gateway. The first connection is not retried; it
// fails with ErrUnauthorized when the token is rejected.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}

	c := &Client{
		opts:    opts,
		log:     opts.Log.With().Str("component", "transport").Logger(),
		status:  make(chan Status, 8),
		done:    make(chan struct{}),
		streams: make(map[string]*stream),
		acks:    make(map[string]chan error),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()
	return c, nil
}

// Status receives connection changes until the client is closed.
func (c *Client) Status() <-chan Status {
	return c.status
}

func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return errors.Wrap(err, "parse gateway url")
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return errors.Wrap(err, "dial gateway")
	}

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		err := c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("connection lost")
		c.disconnected(conn)

		if err := c.reconnect(); err != nil {
			if c.ctx.Err() == nil {
				c.log.Error().Err(err).Msg("giving up reconnecting")
				c.emit(Status{Err: err})
				c.shutdown()
			}
			return
		}
		c.resubscribe()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		var frame event.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.route(frame)
	}
}

func (c *Client) route(frame event.ServerFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.Op {
	case event.OpEvent:
		ev, err := event.Decode(frame.Event)
		if err != nil {
			c.log.Warn().Err(err).Str("channel", frame.Channel).Msg("skipping malformed event")
			return
		}
		if s, ok := c.streams[frame.Channel]; ok {
			s.push(ev)
		}
	case event.OpSubscribed:
		if ack, ok := c.acks[frame.Channel]; ok {
			delete(c.acks, frame.Channel)
			ack <- nil
		}
	case event.OpError:
		if frame.Channel == "" {
			c.log.Warn().Str("error", frame.Error).Msg("gateway error")
			return
		}
		err := &ServerError{Channel: frame.Channel, Message: frame.Error}
		if ack, ok := c.acks[frame.Channel]; ok {
			delete(c.acks, frame.Channel)
			ack <- err
		} else if s, ok := c.streams[frame.Channel]; ok {
			s.fail(err)
		}
	}
}

// disconnected fails every pending subscribe and tells every stream.
func (c *Client) disconnected(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.epoch++
	for channel, ack := range c.acks {
		delete(c.acks, channel)
		ack <- ErrDisconnected
	}
	for _, s := range c.streams {
		s.fail(ErrDisconnected)
	}
	c.mu.Unlock()

	c.emit(Status{Connected: false, Err: ErrDisconnected})
}

func (c *Client) reconnect() error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			return c.connect(c.ctx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrUnauthorized)
		},
		NotifyFunc: func(err error, attempt int) {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		},
		Attempts:    unlimitedAttempts,
		Delay:       c.opts.MinBackoff,
		MaxDelay:    c.opts.MaxBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.opts.Clock,
		Stop:        c.ctx.Done(),
	})
}

// resubscribe sends a subscribe for every stream of the new connection and
// reports the resync once the gateway answered for all of them. Streams with
// a subscribe of their own in flight are left to it.
func (c *Client) resubscribe() {
	c.mu.Lock()
	epoch := c.epoch
	pending := make(map[string]chan error, len(c.streams))
	for channel := range c.streams {
		if _, inFlight := c.acks[channel]; inFlight {
			continue
		}
		ack := make(chan error, 1)
		c.acks[channel] = ack
		pending[channel] = ack
	}
	c.mu.Unlock()

	for channel := range pending {
		if err := c.write(event.ClientFrame{Op: event.OpSubscribe, Channel: channel}); err != nil {
			// the read loop notices the broken connection and fails the acks
			c.log.Debug().Err(err).Str("channel", channel).Msg("resubscribe failed")
			break
		}
	}

	c.waiters.Add(1)
	go c.awaitResync(epoch, pending)
}

func (c *Client) awaitResync(epoch uint64, pending map[string]chan error) {
	defer c.waiters.Done()

	channels := make([]string, 0, len(pending))
	for channel := range pending {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	timeout := c.opts.Clock.After(resubscribeWait)
	expired := false
	st := Status{Connected: true, Resync: true}
	for _, channel := range channels {
		ack := pending[channel]
		var err error
		if !expired {
			select {
			case err = <-ack:
			case <-timeout:
				expired = true
			case <-c.ctx.Done():
				return
			}
		}
		if expired {
			select {
			case err = <-ack:
			default:
				c.dropAck(channel, ack)
				err = errAckTimeout
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrDisconnected):
			// lost again; the next connection resyncs
			return
		default:
			c.log.Warn().Err(err).Str("channel", channel).Msg("stream not re-established")
			c.failStream(channel, err)
			st.Failed = append(st.Failed, channel)
			if st.Err == nil {
				st.Err = err
			}
		}
	}
	c.emitFor(epoch, st)
}

func (c *Client) failStream(channel string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[channel]; ok {
		s.fail(err)
	}
}

func (c *Client) emit(s Status) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.send(s)
}

// emitFor emits s unless the connection of epoch was lost meanwhile.
func (c *Client) emitFor(epoch uint64, s Status) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	current := c.epoch == epoch
	c.mu.Unlock()
	if current {
		c.send(s)
	}
}

func (c *Client) send(s Status) {
	select {
	case c.status <- s:
	case <-c.ctx.Done():
	}
}

func (c *Client) write(frame event.ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// Subscribe opens a stream on channel and waits for the gateway to accept
// it. A subscribe issued while disconnected succeeds and takes effect on
// reconnect.
func (c *Client) Subscribe(ctx context.Context, channel string) (subscription.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.streams[channel]; ok {
		c.mu.Unlock()
		return nil, errors.Errorf("transport: %s already subscribed", channel)
	}
	s := newStream(c, channel)
	c.streams[channel] = s
	ack := make(chan error, 1)
	c.acks[channel] = ack
	c.mu.Unlock()

	if err := c.write(event.ClientFrame{Op: event.OpSubscribe, Channel: channel}); err != nil {
		c.dropAck(channel, ack)
		c.log.Debug().Err(err).Str("channel", channel).Msg("subscribe deferred until reconnect")
		return s, nil
	}

	select {
	case err := <-ack:
		if err == nil || errors.Is(err, ErrDisconnected) {
			return s, nil
		}
		c.remove(s)
		return nil, err
	case <-ctx.Done():
		c.dropAck(channel, ack)
		_ = s.Close()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) dropAck(channel string, ack chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acks[channel] == ack {
		delete(c.acks, channel)
	}
}

func (c *Client) remove(s *stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[s.channel] != s {
		return false
	}
	delete(c.streams, s.channel)
	return true
}

// shutdown ends every stream.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	streams := c.streams
	c.streams = make(map[string]*stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.end()
	}
}

// Close disconnects and ends every stream.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	<-c.done
	c.waiters.Wait()
	c.shutdown()
	return nil
}

type stream struct {
	c       *Client
	channel string
	events  chan event.Event
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newStream(c *Client, channel string) *stream {
	return &stream{
		c:       c,
		channel: channel,
		events:  make(chan event.Event, 256),
		errs:    make(chan error, 4),
		closed:  make(chan struct{}),
	}
}

func (s *stream) push(ev event.Event) {
	select {
	case s.events <- ev:
	default:
		s.c.log.Warn().Str("channel", s.channel).Msg("stream buffer full, dropping event")
		s.fail(errDropped)
	}
}

func (s *stream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *stream) end() {
	s.once.Do(func() { close(s.closed) })
}

func (s *stream) Next(ctx context.Context) (event.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errs:
		return event.Event{}, err
	case <-s.closed:
		return event.Event{}, subscription.ErrStreamClosed
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Close unsubscribes from the channel. It does not wait for the gateway's
// acknowledgement; later events of the channel are discarded.
func (s *stream) Close() error {
	if s.c.remove(s) {
		if err := s.c.write(event.ClientFrame{Op: event.OpUnsubscribe, Channel: s.channel}); err != nil {
			s.c.log.Debug().Err(err).Str("channel", s.channel).Msg("unsubscribe not sent")
		}
	}
	s.end()
	return nil
}
