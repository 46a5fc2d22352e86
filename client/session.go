// Package client is the realtime chat client: a Session keeps a view model
// of the signed-in user's conversations in sync with the server.
//
// All view mutations happen on the session loop. UI calls post an operation
// to the loop and return; network calls run beside it and post their result
// back.
package client

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/client/api"
	"github.com/nexus-im/nexus/client/presence"
	"github.com/nexus-im/nexus/client/subscription"
	"github.com/nexus-im/nexus/client/transport"
	"github.com/nexus-im/nexus/client/view"
	"github.com/nexus-im/nexus/event"
	"github.com/nexus-im/nexus/model"
)

// ClientIDPrefix marks the ids of optimistic messages.
const ClientIDPrefix = "tmp-"

var ErrStopped = errors.New("client: session stopped")

// API is the part of the HTTP API a session needs. *api.Client implements it.
type API interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID string, d api.Draft) (*model.Message, error)
	MarkSeen(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Config configures a Session.
type Config struct {
	// UserID is the signed-in user.
	UserID string
	API    API
	Source subscription.Source
	// Status, when set, drives the realtime state and triggers a resync
	// after a reconnect. *transport.Client provides it.
	Status <-chan transport.Status
	Log    zerolog.Logger
}

// Session is one signed-in client.
type Session struct {
	self     string
	api      API
	log      zerolog.Logger
	subs     *subscription.Manager
	view     *view.Model
	presence *presence.Tracker
	status   <-chan transport.Status

	ops    chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	calls  sync.WaitGroup

	// owned by the loop
	base    []*subscription.Handle
	threads map[string]*subscription.Handle
	// failed holds the channels the gateway refused, which stay dead until
	// resubscribed.
	failed     map[string]error
	refreshing int
	replay     []event.Event
}

func NewSession(cfg Config) *Session {
	log := cfg.Log.With().Str("user_id", cfg.UserID).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		self:     cfg.UserID,
		api:      cfg.API,
		log:      log.With().Str("component", "session").Logger(),
		subs:     subscription.NewManager(cfg.Source, log),
		view:     view.New(cfg.UserID, log),
		presence: presence.NewTracker(log),
		status:   cfg.Status,
		ops:      make(chan func(), 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		threads:  make(map[string]*subscription.Handle),
		failed:   make(map[string]error),
	}
}

func (s *Session) View() *view.Model {
	return s.view
}

func (s *Session) Presence() *presence.Tracker {
	return s.presence
}

// Start subscribes to the user's own channel and to presence, loads the
// conversation list and starts the loop.
func (s *Session) Start(ctx context.Context) error {
	for _, channel := range []string{event.UserChannel(s.self), event.PresenceChannel} {
		h, err := s.subs.Subscribe(channel)
		if err != nil {
			s.abort()
			return err
		}
		s.base = append(s.base, h)
	}

	list, err := s.api.Conversations(ctx)
	if err != nil {
		s.abort()
		return errors.Wrap(err, "load conversations")
	}
	s.view.LoadConversations(list)

	go s.loop()
	return nil
}

// abort undoes a failed Start.
func (s *Session) abort() {
	s.release()
	close(s.done)
}

// Stop ends a started session, releasing every subscription. In-flight
// writes are abandoned.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
	s.calls.Wait()
	s.release()
	s.subs.Close()
}

func (s *Session) release() {
	for _, h := range s.base {
		h.Close()
	}
	s.base = nil
}

func (s *Session) loop() {
	defer close(s.done)
	defer func() {
		for id, h := range s.threads {
			h.Close()
			delete(s.threads, id)
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			op()
		case d := <-s.subs.Deliveries():
			s.deliver(d)
		case st, ok := <-s.status:
			if !ok {
				s.status = nil
				continue
			}
			s.connectionChanged(st)
		case id := <-s.view.Removed():
			s.closeThread(id)
		}
	}
}

// post runs op on the loop. It reports false once the session stopped.
func (s *Session) post(op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.done:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// call runs fn beside the loop.
func (s *Session) call(fn func(ctx context.Context)) {
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		fn(s.ctx)
	}()
}

func (s *Session) deliver(d subscription.Delivery) {
	if !s.subs.Live(d) {
		return
	}
	if d.Err != nil {
		s.log.Warn().Err(d.Err).Str("channel", d.Channel).Msg("realtime updates interrupted")
		var serr *transport.ServerError
		if errors.As(d.Err, &serr) {
			s.channelFailed(d.Channel, d.Err)
		}
		s.view.SetRealtimeState(view.Degraded)
		return
	}

	if d.Event.Kind.IsPresence() {
		s.presence.Apply(d.Event)
		return
	}
	s.view.Apply(d.Event)
	if s.refreshing > 0 {
		s.replay = append(s.replay, d.Event)
	}
}

func (s *Session) connectionChanged(st transport.Status) {
	switch {
	case !st.Connected:
		s.log.Info().Err(st.Err).Msg("realtime disconnected")
		s.view.SetRealtimeState(view.Degraded)
	case st.Resync:
		s.log.Info().Strs("failed", st.Failed).Msg("realtime reconnected, resyncing")
		for _, channel := range st.Failed {
			s.channelFailed(channel, st.Err)
		}
		s.refresh()
	}
}

// channelFailed records a refused channel the session still holds. Must run
// on the loop.
func (s *Session) channelFailed(channel string, err error) {
	if s.handle(channel) != nil {
		s.failed[channel] = err
	}
}

// handle returns the held subscription of channel, or nil.
func (s *Session) handle(channel string) *subscription.Handle {
	for _, h := range s.base {
		if h.Channel() == channel {
			return h
		}
	}
	for _, h := range s.threads {
		if h.Channel() == channel {
			return h
		}
	}
	return nil
}

// resubscribeFailed replaces every refused subscription with a new one. Must
// run on the loop.
func (s *Session) resubscribeFailed() {
	for channel := range s.failed {
		delete(s.failed, channel)
		old := s.handle(channel)
		if old == nil {
			continue
		}
		old.Close()
		h, err := s.subs.Subscribe(channel)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", channel).Msg("resubscribe failed")
			s.failed[channel] = err
			continue
		}
		for i, b := range s.base {
			if b == old {
				s.base[i] = h
			}
		}
		for id, t := range s.threads {
			if t == old {
				s.threads[id] = h
			}
		}
	}
}

// refresh reloads the conversation list and every open conversation.
// Events that arrive while the load is in flight are applied again on top
// of it. Must run on the loop.
func (s *Session) refresh() {
	open := make([]string, 0, len(s.threads))
	for id := range s.threads {
		open = append(open, id)
	}
	s.refreshing++

	s.call(func(ctx context.Context) {
		list, err := s.api.Conversations(ctx)
		msgs := make(map[string][]model.Message, len(open))
		for _, id := range open {
			if err != nil {
				break
			}
			msgs[id], err = s.api.Messages(ctx, id)
		}

		s.post(func() {
			if err == nil {
				s.view.LoadConversations(list)
				for id, m := range msgs {
					if _, ok := s.threads[id]; ok {
						s.view.OpenConversation(id, m)
					}
				}
				if len(s.failed) == 0 {
					s.view.SetRealtimeState(view.Live)
				} else {
					s.view.SetRealtimeState(view.Degraded)
				}
			} else {
				s.log.Warn().Err(err).Msg("refresh failed")
			}
			s.endRefresh()
		})
	})
}

// endRefresh must run on the loop.
func (s *Session) endRefresh() {
	for _, ev := range s.replay {
		s.view.Apply(ev)
	}
	s.refreshing--
	if s.refreshing == 0 {
		s.replay = nil
	}
}

// Refresh subscribes again to refused channels and reloads everything from
// the server, for example when the UI offers a manual retry in the degraded
// state.
func (s *Session) Refresh() {
	s.post(func() {
		s.resubscribeFailed()
		s.refresh()
	})
}

// Open starts following a conversation: its channel is subscribed first,
// then its messages are loaded.
func (s *Session) Open(conversationID string) {
	s.post(func() {
		if _, ok := s.threads[conversationID]; ok {
			return
		}
		h, err := s.subs.Subscribe(event.ConversationChannel(conversationID))
		if err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("open failed")
			return
		}
		s.threads[conversationID] = h
		s.refreshing++

		s.call(func(ctx context.Context) {
			msgs, err := s.api.Messages(ctx, conversationID)
			s.post(func() {
				if err != nil {
					s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("load messages failed")
					s.view.SetRealtimeState(view.Degraded)
				} else if _, ok := s.threads[conversationID]; ok {
					s.view.OpenConversation(conversationID, msgs)
				}
				s.endRefresh()
			})
		})
	})
}

// Close stops following a conversation. When it returns no event of the
// conversation's channel will reach the view.
func (s *Session) Close(conversationID string) {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		s.closeThread(conversationID)
	}) {
		return
	}
	select {
	case <-done:
	case <-s.done:
	}
}

// closeThread must run on the loop.
func (s *Session) closeThread(conversationID string) {
	if h, ok := s.threads[conversationID]; ok {
		h.Close()
		delete(s.threads, conversationID)
		delete(s.failed, h.Channel())
	}
	s.view.CloseConversation(conversationID)
}

// Send shows the message right away and writes it. It returns the client id
// the message is tracked by until the server confirms it.
func (s *Session) Send(conversationID, body, image string) (string, error) {
	if body == "" && image == "" {
		return "", errors.New("client: empty message")
	}
	clientID := ClientIDPrefix + uuid.NewString()
	msg := model.Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       s.self,
		Body:           body,
		Image:          image,
	}
	if !s.post(func() {
		s.view.ApplyOptimisticMessage(msg)
		s.write(msg)
	}) {
		return "", ErrStopped
	}
	return clientID, nil
}

// Retry resends a failed message with its original client id, so the
// server stores it at most once.
func (s *Session) Retry(clientID string) {
	s.post(func() {
		if msg, ok := s.view.Retryable(clientID); ok {
			s.write(msg)
		}
	})
}

// write must run on the loop.
func (s *Session) write(msg model.Message) {
	s.call(func(ctx context.Context) {
		stored, err := s.api.SendMessage(ctx, msg.ConversationID, api.Draft{
			Body:     msg.Body,
			Image:    msg.Image,
			ClientID: msg.ClientID,
		})
		s.post(func() {
			if err != nil {
				s.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("send failed")
				s.view.MarkFailed(msg.ClientID, err)
				return
			}
			s.view.Confirm(*stored)
		})
	})
}

// MarkSeen marks the conversation as seen by the user. If the write fails
// the view is rolled back and reports the error through SeenError; calling
// MarkSeen again retries.
func (s *Session) MarkSeen(conversationID string) {
	s.post(func() {
		s.view.ApplyOptimisticSeen(conversationID)
		s.call(func(ctx context.Context) {
			changed, err := s.api.MarkSeen(ctx, conversationID)
			s.post(func() {
				if err != nil {
					s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark seen failed")
					s.view.RollbackSeen(conversationID, err)
					return
				}
				for _, msg := range changed {
					s.view.Apply(event.NewMessage(event.MessageUpdate, msg))
				}
				s.view.ConfirmSeen(conversationID)
			})
		})
	})
}
