// Package realtime is the websocket gateway between clients and the channel
// bus. A connection subscribes to channels it is authorized for; every
// message published on those channels is forwarded to it as an event frame.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/event"
	"github.com/nexus-im/nexus/internal/auth"
	"github.com/nexus-im/nexus/internal/bus"
	"github.com/nexus-im/nexus/internal/metrics"
	"github.com/nexus-im/nexus/internal/presence"
)

const presenceTimeout = 5 * time.Second

var errMalformedFrame = errors.New("malformed frame")

// Options configures a Gateway.
type Options struct {
	Bus           bus.Bus
	Authenticator *auth.Authenticator
	Authorizer    Authorizer
	Presence      presence.Store
	// Heartbeat is how often an open connection refreshes its presence
	// entry. Defaults to presence.HeartbeatPeriod.
	Heartbeat time.Duration
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	// CheckOrigin is passed to the websocket upgrader. Nil accepts same-origin
	// requests only.
	CheckOrigin func(r *http.Request) bool
}

// Gateway serves the realtime websocket endpoint.
type Gateway struct {
	bus       bus.Bus
	authn     *auth.Authenticator
	authz     Authorizer
	presence  presence.Store
	heartbeat time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewGateway(opts Options) *Gateway {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = presence.HeartbeatPeriod
	}
	return &Gateway{
		bus:       opts.Bus,
		authn:     opts.Authenticator,
		authz:     opts.Authorizer,
		presence:  opts.Presence,
		heartbeat: opts.Heartbeat,
		metrics:   opts.Metrics,
		log:       opts.Log.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*Connection]struct{}),
	}
}

// forwarder pumps one bus subscription into a connection.
type forwarder struct {
	sub  bus.Subscription
	done chan struct{}
}

func (f *forwarder) stop() {
	_ = f.sub.Close()
	<-f.done
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authn.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the response
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConnection(claims.UserID, ws)
	if !g.track(conn) {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(conn)

	log := g.log.With().Str("user_id", conn.UserID).Str("connection_id", conn.ID).Logger()
	log.Info().Msg("connection opened")

	ctx := context.WithoutCancel(r.Context())
	member := event.Member{UserID: conn.UserID, ConnectionID: conn.ID}

	conn.start()
	g.announce(ctx, event.PresenceJoin, member, log)
	stopBeat := g.beat(ctx, member, log)

	subs := make(map[string]*forwarder)
	defer func() {
		for _, f := range subs {
			f.stop()
			g.metrics.Subscriptions.Dec()
		}
		// the last heartbeat must land before the leave removes the entry
		stopBeat()
		g.announce(ctx, event.PresenceLeave, member, log)
		conn.Close(websocket.CloseNormalClosure, "")
		log.Info().Msg("connection closed")
	}()

	conn.prepareRead()
	for {
		frame, err := conn.readFrame()
		if errors.Is(err, errMalformedFrame) {
			_ = conn.sendFrame(event.ServerFrame{Op: event.OpError, Error: err.Error()})
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		switch frame.Op {
		case event.OpSubscribe:
			g.subscribe(ctx, conn, subs, frame.Channel, log)
		case event.OpUnsubscribe:
			if f, ok := subs[frame.Channel]; ok {
				f.stop()
				delete(subs, frame.Channel)
				g.metrics.Subscriptions.Dec()
			}
			_ = conn.sendFrame(event.ServerFrame{Op: event.OpUnsubscribed, Channel: frame.Channel})
		case event.OpPing:
			_ = conn.sendFrame(event.ServerFrame{Op: event.OpPong})
		default:
			_ = conn.sendFrame(event.ServerFrame{Op: event.OpError, Channel: frame.Channel, Error: "unknown op"})
		}
	}
}

// subscribe authorizes and opens a bus subscription. A presence subscriber
// receives the current membership before any later join or leave.
func (g *Gateway) subscribe(ctx context.Context, conn *Connection, subs map[string]*forwarder, channel string, log zerolog.Logger) {
	if _, ok := subs[channel]; ok {
		_ = conn.sendFrame(event.ServerFrame{Op: event.OpSubscribed, Channel: channel})
		return
	}

	if err := g.authz.Authorize(ctx, conn.UserID, channel); err != nil {
		scope, _ := event.ParseChannel(channel)
		g.metrics.SubscriptionDenials.WithLabelValues(scopeLabel(scope)).Inc()
		log.Debug().Err(err).Str("channel", channel).Msg("subscription denied")
		_ = conn.sendFrame(event.ServerFrame{Op: event.OpError, Channel: channel, Error: err.Error()})
		return
	}

	sub, err := g.bus.Subscribe(ctx, channel)
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("bus subscribe failed")
		_ = conn.sendFrame(event.ServerFrame{Op: event.OpError, Channel: channel, Error: "subscribe failed"})
		return
	}

	f := &forwarder{sub: sub, done: make(chan struct{})}
	subs[channel] = f
	g.metrics.Subscriptions.Inc()

	_ = conn.sendFrame(event.ServerFrame{Op: event.OpSubscribed, Channel: channel})
	if channel == event.PresenceChannel {
		g.sendPresenceSync(ctx, conn, log)
	}

	go func() {
		defer close(f.done)
		// keeps draining after the connection is gone until the
		// subscription is closed
		for msg := range sub.Messages() {
			_ = conn.sendFrame(event.ServerFrame{Op: event.OpEvent, Channel: msg.Channel, Event: msg.Payload})
		}
	}()
}

func (g *Gateway) sendPresenceSync(ctx context.Context, conn *Connection, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	members, err := g.presence.Members(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("presence snapshot failed")
		return
	}
	payload, err := event.Encode(event.NewPresence(event.PresenceSync, members...))
	if err != nil {
		log.Warn().Err(err).Msg("encode presence snapshot")
		return
	}
	_ = conn.sendFrame(event.ServerFrame{Op: event.OpEvent, Channel: event.PresenceChannel, Event: payload})
}

// announce records the connection in the presence registry and tells the
// presence channel.
func (g *Gateway) announce(ctx context.Context, kind event.Kind, member event.Member, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	var err error
	if kind == event.PresenceJoin {
		err = g.presence.Join(ctx, member)
	} else {
		err = g.presence.Leave(ctx, member)
	}
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("presence update failed")
	}

	payload, err := event.Encode(event.NewPresence(kind, member))
	if err == nil {
		err = g.bus.Publish(ctx, event.PresenceChannel, payload)
	}
	if err != nil {
		g.metrics.PublishFailures.WithLabelValues(string(kind)).Inc()
		log.Warn().Err(err).Str("kind", string(kind)).Msg("presence publish failed")
		return
	}
	g.metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
}

// beat refreshes member's presence entry until the returned func is called.
func (g *Gateway) beat(ctx context.Context, member event.Member, log zerolog.Logger) func() {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				tctx, cancel := context.WithTimeout(ctx, presenceTimeout)
				if err := g.presence.Touch(tctx, member); err != nil {
					log.Warn().Err(err).Msg("presence heartbeat failed")
				}
				cancel()
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func (g *Gateway) track(conn *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	g.wg.Add(1)
	g.metrics.Connections.Inc()
	return true
}

func (g *Gateway) untrack(conn *Connection) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
	g.metrics.Connections.Dec()
	g.wg.Done()
}

// Close disconnects every client and waits for their cleanup, including the
// presence leave, to finish or for ctx to expire.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*Connection, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func scopeLabel(scope event.Scope) string {
	switch scope {
	case event.ScopeConversation:
		return "conversation"
	case event.ScopeUser:
		return "user"
	case event.ScopePresence:
		return "presence"
	default:
		return "unknown"
	}
}
