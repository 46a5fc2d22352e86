// Package view holds the client-side view of conversations and messages and
// reconciles it with realtime events.
//
// Every mutation, optimistic or authoritative, is an upsert keyed by entity id
// followed by a re-derivation of display order, so applying an event twice,
// or events from different channels in any order, converges on the same
// state. A mutation that cannot be applied is skipped and leaves the model as
// it was.
package view

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/event"
	"github.com/nexus-im/nexus/model"
)

// RealtimeState tells the UI whether live updates can be trusted.
type RealtimeState int

const (
	// Live means every subscription is established.
	Live RealtimeState = iota
	// Degraded means some realtime updates may be missing; the UI should
	// offer a manual refresh.
	Degraded
)

func (s RealtimeState) String() string {
	if s == Live {
		return "live"
	}
	return "degraded"
}

// EntryState is the delivery state of a message entry.
type EntryState int

const (
	Confirmed EntryState = iota
	Pending
	Failed
)

func (s EntryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Entry is a message as displayed, with its delivery state. Err is set for
// failed entries.
type Entry struct {
	Message model.Message
	State   EntryState
	Err     error
}

type thread struct {
	// entries is keyed by message id; optimistic entries use their client
	// id until confirmed.
	entries map[string]*Entry
	order   []string
}

func newThread() *thread {
	return &thread{entries: make(map[string]*Entry)}
}

// reorder re-derives display order: creation time, then id.
func (t *thread) reorder() {
	order := make([]string, 0, len(t.entries))
	for id := range t.entries {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := t.entries[order[i]].Message, t.entries[order[j]].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	t.order = order
}

// findPending returns the key of the unconfirmed entry with clientID.
func (t *thread) findPending(clientID string) (string, bool) {
	if clientID == "" {
		return "", false
	}
	if e, ok := t.entries[clientID]; ok && e.State != Confirmed {
		return clientID, true
	}
	for key, e := range t.entries {
		if e.State != Confirmed && e.Message.ClientID == clientID {
			return key, true
		}
	}
	return "", false
}

// Model is the client view model. Mutations are expected from a single
// goroutine, the session loop; reads are safe from any goroutine.
type Model struct {
	self string
	log  zerolog.Logger

	mu        sync.RWMutex
	convos    map[string]*model.Conversation
	convOrder []string
	threads   map[string]*thread
	// bumps remembers activity for conversations not listed yet, so a
	// message:new that overtakes its conversation:new is not lost.
	bumps map[string]model.Message
	// seenMarks holds, per conversation, the messages ApplyOptimisticSeen
	// marked that the server has not confirmed yet.
	seenMarks map[string]map[string]bool
	seenErrs  map[string]error
	state     RealtimeState
	changes   chan struct{}
	removed   chan string
}

// New creates an empty model for the signed-in user selfID.
func New(selfID string, log zerolog.Logger) *Model {
	return &Model{
		self:      selfID,
		log:       log.With().Str("component", "view").Logger(),
		convos:    make(map[string]*model.Conversation),
		threads:   make(map[string]*thread),
		bumps:     make(map[string]model.Message),
		seenMarks: make(map[string]map[string]bool),
		seenErrs:  make(map[string]error),
		state:     Live,
		changes:   make(chan struct{}, 1),
		removed:   make(chan string, 16),
	}
}

// Changes receives a value after one or more mutations. Notifications
// coalesce; readers take a fresh snapshot on each receive.
func (m *Model) Changes() <-chan struct{} {
	return m.changes
}

// Removed receives the id of an open conversation that was deleted, so the
// UI can navigate away.
func (m *Model) Removed() <-chan string {
	return m.removed
}

func (m *Model) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Apply merges one realtime event and reports whether the model changed.
// Invalid events are logged and skipped.
func (m *Model) Apply(ev event.Event) bool {
	if err := ev.Validate(); err != nil {
		m.log.Warn().Err(err).Str("event_id", ev.ID).Msg("skipping invalid event")
		return false
	}

	m.mu.Lock()
	var changed bool
	switch ev.Kind {
	case event.MessageNew:
		changed = m.upsertMessage(*ev.Message)
	case event.MessageUpdate:
		changed = m.mergeSeen(*ev.Message)
	case event.ConversationNew, event.ConversationUpdate:
		changed = m.upsertConversation(*ev.Conversation)
	case event.ConversationRemove:
		changed = m.removeConversation(ev.Conversation.ID)
	default:
		// presence is tracked elsewhere
	}
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return changed
}

// Confirm merges the authoritative copy of a message the local user sent,
// as returned by the write, exactly like its message:new event.
func (m *Model) Confirm(msg model.Message) bool {
	return m.Apply(event.Event{Kind: event.MessageNew, Message: &msg})
}

// upsertMessage must be called with mu held.
func (m *Model) upsertMessage(msg model.Message) bool {
	msg = msg.Clone()
	incoming := msg.Clone()
	m.bump(msg)

	t, ok := m.threads[msg.ConversationID]
	if !ok {
		return true
	}

	key := msg.ID
	existing, found := t.entries[key]
	if pendingKey, ok := t.findPending(msg.ClientID); ok && pendingKey != key {
		if !found {
			existing, found = t.entries[pendingKey], true
		}
		delete(t.entries, pendingKey)
	}
	if found {
		msg.SeenBy = model.MergeSeen(existing.Message.SeenBy, msg.SeenBy)
	}
	m.seenConfirmed(incoming)
	t.entries[key] = &Entry{Message: msg, State: Confirmed}
	t.reorder()
	return true
}

// bump moves a conversation's activity forward for msg. It never moves it
// back. Must be called with mu held.
func (m *Model) bump(msg model.Message) {
	c, ok := m.convos[msg.ConversationID]
	if !ok {
		if prev, ok := m.bumps[msg.ConversationID]; !ok || newer(msg, prev) {
			m.bumps[msg.ConversationID] = msg.Clone()
		}
		return
	}
	if msg.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
	}
	switch {
	case c.LastMessage == nil, newer(msg, *c.LastMessage):
		last := msg.Clone()
		c.LastMessage = &last
	case c.LastMessage.ID == msg.ID || (msg.ClientID != "" && c.LastMessage.ClientID == msg.ClientID):
		last := msg.Clone()
		last.SeenBy = model.MergeSeen(c.LastMessage.SeenBy, msg.SeenBy)
		c.LastMessage = &last
	}
	m.reorderConversations()
}

func newer(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// mergeSeen must be called with mu held.
func (m *Model) mergeSeen(msg model.Message) bool {
	m.seenConfirmed(msg)
	changed := false
	if t, ok := m.threads[msg.ConversationID]; ok {
		if e, ok := t.entries[msg.ID]; ok {
			merged := model.MergeSeen(e.Message.SeenBy, msg.SeenBy)
			if len(merged) != len(e.Message.SeenBy) {
				e.Message.SeenBy = merged
				changed = true
			}
		}
	}
	if c, ok := m.convos[msg.ConversationID]; ok && c.LastMessage != nil && c.LastMessage.ID == msg.ID {
		merged := model.MergeSeen(c.LastMessage.SeenBy, msg.SeenBy)
		if len(merged) != len(c.LastMessage.SeenBy) {
			last := c.LastMessage.Clone()
			last.SeenBy = merged
			c.LastMessage = &last
			changed = true
		}
	}
	return changed
}

// seenConfirmed drops the optimistic seen mark of msg once an authoritative
// copy includes the local user. Must be called with mu held.
func (m *Model) seenConfirmed(msg model.Message) {
	if msg.HasSeen(m.self) {
		m.dropSeenMark(msg.ConversationID, msg.ID)
	}
}

// upsertConversation must be called with mu held.
func (m *Model) upsertConversation(conv model.Conversation) bool {
	conv = conv.Clone()
	if existing, ok := m.convos[conv.ID]; ok {
		if existing.LastMessageAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = existing.LastMessageAt
		}
		switch {
		case conv.LastMessage == nil:
			conv.LastMessage = existing.LastMessage
		case existing.LastMessage != nil && existing.LastMessage.ID == conv.LastMessage.ID:
			conv.LastMessage.SeenBy = model.MergeSeen(existing.LastMessage.SeenBy, conv.LastMessage.SeenBy)
		case existing.LastMessage != nil && newer(*existing.LastMessage, *conv.LastMessage):
			conv.LastMessage = existing.LastMessage
		}
	}
	if conv.LastMessage != nil {
		m.seenConfirmed(*conv.LastMessage)
	}
	m.convos[conv.ID] = &conv

	if pending, ok := m.bumps[conv.ID]; ok {
		delete(m.bumps, conv.ID)
		m.bump(pending)
	}
	m.reorderConversations()
	return true
}

// removeConversation must be called with mu held.
func (m *Model) removeConversation(id string) bool {
	_, listed := m.convos[id]
	_, open := m.threads[id]
	delete(m.convos, id)
	delete(m.bumps, id)
	delete(m.threads, id)
	delete(m.seenMarks, id)
	delete(m.seenErrs, id)
	if open {
		select {
		case m.removed <- id:
		default:
			m.log.Warn().Str("conversation_id", id).Msg("removed signal dropped")
		}
	}
	if listed {
		m.reorderConversations()
	}
	return listed || open
}

// reorderConversations sorts by last activity, most recent first, then id.
// Must be called with mu held.
func (m *Model) reorderConversations() {
	order := make([]string, 0, len(m.convos))
	for id := range m.convos {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := m.convos[order[i]], m.convos[order[j]]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
	m.convOrder = order
}

// ApplyOptimisticMessage shows msg as pending before the write completes.
// msg must carry a client id; its id defaults to the client id until the
// server assigns one. The owning conversation moves to the top.
func (m *Model) ApplyOptimisticMessage(msg model.Message) bool {
	if msg.ClientID == "" || msg.ConversationID == "" {
		return false
	}
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = msg.ClientID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if !msg.HasSeen(msg.SenderID) {
		msg.SeenBy = append(msg.SeenBy, msg.SenderID)
	}

	m.mu.Lock()
	if t, ok := m.threads[msg.ConversationID]; ok {
		if e, ok := t.entries[msg.ID]; !ok || e.State != Confirmed {
			t.entries[msg.ID] = &Entry{Message: msg, State: Pending}
			t.reorder()
		}
	}
	if c, ok := m.convos[msg.ConversationID]; ok {
		if msg.CreatedAt.After(c.LastMessageAt) {
			c.LastMessageAt = msg.CreatedAt
		}
		if c.LastMessage == nil || c.LastMessage.ID == msg.ID || newer(msg, *c.LastMessage) {
			last := msg.Clone()
			c.LastMessage = &last
		}
		m.reorderConversations()
	}
	m.mu.Unlock()

	m.notify()
	return true
}

// ApplyOptimisticSeen marks every loaded message of the conversation as seen
// by the local user until ConfirmSeen or RollbackSeen settles the write. It
// clears a previous SeenError.
func (m *Model) ApplyOptimisticSeen(conversationID string) bool {
	m.mu.Lock()
	_, changed := m.seenErrs[conversationID]
	delete(m.seenErrs, conversationID)
	mark := func(id string) {
		marks, ok := m.seenMarks[conversationID]
		if !ok {
			marks = make(map[string]bool)
			m.seenMarks[conversationID] = marks
		}
		marks[id] = true
		changed = true
	}
	if t, ok := m.threads[conversationID]; ok {
		for _, e := range t.entries {
			if !e.Message.HasSeen(m.self) {
				e.Message.SeenBy = append(e.Message.SeenBy, m.self)
				mark(e.Message.ID)
			}
		}
	}
	if c, ok := m.convos[conversationID]; ok && c.LastMessage != nil && !c.LastMessage.HasSeen(m.self) {
		last := c.LastMessage.Clone()
		last.SeenBy = append(last.SeenBy, m.self)
		c.LastMessage = &last
		mark(last.ID)
	}
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return changed
}

// ConfirmSeen settles a successful seen write for the conversation.
func (m *Model) ConfirmSeen(conversationID string) {
	m.mu.Lock()
	delete(m.seenMarks, conversationID)
	m.mu.Unlock()
}

// RollbackSeen undoes the unconfirmed marks of ApplyOptimisticSeen after the
// write failed and records err for SeenError. Marking the conversation as
// seen again retries.
func (m *Model) RollbackSeen(conversationID string, err error) {
	m.mu.Lock()
	marks := m.seenMarks[conversationID]
	delete(m.seenMarks, conversationID)
	if t, ok := m.threads[conversationID]; ok {
		for id := range marks {
			if e, ok := t.entries[id]; ok {
				e.Message.SeenBy = without(e.Message.SeenBy, m.self)
			}
		}
	}
	if c, ok := m.convos[conversationID]; ok && c.LastMessage != nil && marks[c.LastMessage.ID] {
		last := c.LastMessage.Clone()
		last.SeenBy = without(last.SeenBy, m.self)
		c.LastMessage = &last
	}
	m.seenErrs[conversationID] = err
	m.mu.Unlock()

	m.notify()
}

// SeenError returns the error of the last failed seen write for the
// conversation, or nil.
func (m *Model) SeenError(conversationID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seenErrs[conversationID]
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// MarkFailed flags the pending entry with clientID as failed.
func (m *Model) MarkFailed(clientID string, err error) bool {
	m.mu.Lock()
	changed := false
	for _, t := range m.threads {
		if key, ok := t.findPending(clientID); ok {
			e := t.entries[key]
			e.State = Failed
			e.Err = err
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return changed
}

// Retryable returns the failed message with clientID and puts it back in the
// pending state. It returns false if there is no such failed entry.
func (m *Model) Retryable(clientID string) (model.Message, bool) {
	m.mu.Lock()
	var (
		msg model.Message
		ok  bool
	)
	for _, t := range m.threads {
		if key, found := t.findPending(clientID); found && t.entries[key].State == Failed {
			e := t.entries[key]
			e.State = Pending
			e.Err = nil
			msg, ok = e.Message.Clone(), true
			break
		}
	}
	m.mu.Unlock()

	if ok {
		m.notify()
	}
	return msg, ok
}

// LoadConversations replaces the conversation list with a fresh load.
func (m *Model) LoadConversations(list []model.Conversation) {
	m.mu.Lock()
	m.convos = make(map[string]*model.Conversation, len(list))
	m.bumps = make(map[string]model.Message)
	for _, c := range list {
		c = c.Clone()
		m.convos[c.ID] = &c
		if c.LastMessage != nil {
			m.dropSeenMark(c.ID, c.LastMessage.ID)
		}
	}
	m.reorderConversations()
	m.mu.Unlock()

	m.notify()
}

// OpenConversation replaces the messages of a conversation with a fresh load
// and starts reconciling events for it. Optimistic entries the load does not
// confirm are kept.
func (m *Model) OpenConversation(conversationID string, msgs []model.Message) {
	m.mu.Lock()
	t := newThread()
	for _, msg := range msgs {
		msg = msg.Clone()
		t.entries[msg.ID] = &Entry{Message: msg, State: Confirmed}
		m.dropSeenMark(conversationID, msg.ID)
	}
	if old, ok := m.threads[conversationID]; ok {
		confirmed := make(map[string]bool, len(msgs))
		for _, msg := range msgs {
			if msg.ClientID != "" {
				confirmed[msg.ClientID] = true
			}
		}
		for key, e := range old.entries {
			if e.State != Confirmed && !confirmed[e.Message.ClientID] {
				t.entries[key] = e
			}
		}
	}
	t.reorder()
	m.threads[conversationID] = t
	m.mu.Unlock()

	m.notify()
}

// dropSeenMark must be called with mu held.
func (m *Model) dropSeenMark(conversationID, messageID string) {
	if marks, ok := m.seenMarks[conversationID]; ok {
		delete(marks, messageID)
		if len(marks) == 0 {
			delete(m.seenMarks, conversationID)
		}
	}
}

// CloseConversation stops tracking the messages of a conversation.
func (m *Model) CloseConversation(conversationID string) {
	m.mu.Lock()
	_, ok := m.threads[conversationID]
	delete(m.threads, conversationID)
	m.mu.Unlock()

	if ok {
		m.notify()
	}
}

// SetRealtimeState records whether live updates are flowing.
func (m *Model) SetRealtimeState(s RealtimeState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

func (m *Model) RealtimeState() RealtimeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Conversations returns the conversation list, most recently active first.
func (m *Model) Conversations() []model.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Conversation, 0, len(m.convOrder))
	for _, id := range m.convOrder {
		out = append(out, m.convos[id].Clone())
	}
	return out
}

func (m *Model) Conversation(id string) (model.Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convos[id]
	if !ok {
		return model.Conversation{}, false
	}
	return c.Clone(), true
}

// IsOpen reports whether the messages of the conversation are loaded.
func (m *Model) IsOpen(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.threads[conversationID]
	return ok
}

// Messages returns the entries of an open conversation in display order.
func (m *Model) Messages(conversationID string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		e := *t.entries[id]
		e.Message = e.Message.Clone()
		out = append(out, e)
	}
	return out
}

// HasUnseen reports whether the latest message of the conversation is unseen
// by the local user.
func (m *Model) HasUnseen(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convos[conversationID]
	if !ok || c.LastMessage == nil {
		return false
	}
	return !c.LastMessage.HasSeen(m.self)
}
