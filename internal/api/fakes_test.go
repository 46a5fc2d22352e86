package api

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-im/nexus/model"
	"github.com/nexus-im/nexus/store/conversation"
	"github.com/nexus-im/nexus/store/message"
	"github.com/nexus-im/nexus/store/user"
)

// memory is an in-process stand-in for the SQL stores.
type memory struct {
	mu       sync.Mutex
	seq      int
	clock    time.Time
	users    map[string]*user.User
	convos   map[string]*model.Conversation
	direct   map[string]string
	messages []*model.Message
}

func newMemory() *memory {
	return &memory{
		clock:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		users:  map[string]*user.User{},
		convos: map[string]*model.Conversation{},
		direct: map[string]string{},
	}
}

func (m *memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memory) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

type memUsers struct{ *memory }

func (m memUsers) Create(_ context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return user.ErrDuplicateUsername
		}
	}
	u.ID = m.nextID("u")
	u.CreatedAt = m.tick()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m memUsers) GetByUsername(_ context.Context, username string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrUserNotFound
}

func (m memUsers) GetByID(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, user.ErrUserNotFound
}

func (m memUsers) ListExcept(_ context.Context, userID string) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.User{}
	for _, u := range m.users {
		if u.ID != userID {
			out = append(out, u.Public())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memConvos struct{ *memory }

func (m memConvos) member(id string) model.Member {
	return model.Member{UserID: id, Username: m.users[id].Username, JoinedAt: m.clock}
}

func (m memConvos) FindOrCreateDirect(_ context.Context, creatorID, otherID string) (*model.Conversation, bool, error) {
	if creatorID == otherID {
		return nil, false, conversation.ErrSelfConversation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conversation.DirectKey(creatorID, otherID)
	if id, ok := m.direct[key]; ok {
		c := m.convos[id].Clone()
		return &c, false, nil
	}
	now := m.tick()
	c := &model.Conversation{
		ID:            m.nextID("c"),
		CreatedBy:     creatorID,
		Members:       []model.Member{m.member(creatorID), m.member(otherID)},
		CreatedAt:     now,
		LastMessageAt: now,
	}
	m.convos[c.ID] = c
	m.direct[key] = c.ID
	out := c.Clone()
	return &out, true, nil
}

func (m memConvos) CreateGroup(_ context.Context, convo *model.Conversation, memberIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	members := []model.Member{}
	for _, id := range memberIDs {
		if !seen[id] {
			seen[id] = true
			members = append(members, m.member(id))
		}
	}
	if len(members) < 2 {
		return conversation.ErrNotEnoughMembers
	}
	now := m.tick()
	convo.ID = m.nextID("g")
	convo.IsGroup = true
	convo.Members = members
	convo.CreatedAt = now
	convo.LastMessageAt = now
	c := convo.Clone()
	m.convos[c.ID] = &c
	return nil
}

func (m memConvos) Get(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[id]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	out := c.Clone()
	return &out, nil
}

func (m memConvos) ListForUser(_ context.Context, userID string) ([]*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Conversation{}
	for _, c := range m.convos {
		if c.HasMember(userID) {
			cp := c.Clone()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m memConvos) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[conversationID]
	return ok && c.HasMember(userID), nil
}

func (m memConvos) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convos[id]; !ok {
		return conversation.ErrConversationNotFound
	}
	delete(m.convos, id)
	return nil
}

type memMessages struct{ *memory }

func (m memMessages) Create(_ context.Context, msg *model.Message) (bool, error) {
	if msg.Body == "" && msg.Image == "" {
		return false, message.ErrEmptyMessage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ClientID != "" {
		for _, existing := range m.messages {
			if existing.SenderID == msg.SenderID && existing.ClientID == msg.ClientID {
				if existing.ConversationID != msg.ConversationID {
					return false, message.ErrClientIDReused
				}
				*msg = existing.Clone()
				return false, nil
			}
		}
	}
	msg.ID = m.nextID("m")
	msg.CreatedAt = m.tick()
	msg.SeenBy = []string{msg.SenderID}
	stored := msg.Clone()
	m.messages = append(m.messages, &stored)
	if c, ok := m.convos[msg.ConversationID]; ok && msg.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.CreatedAt
	}
	return true, nil
}

func (m memMessages) List(_ context.Context, conversationID string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Message{}
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

func (m memMessages) MarkSeen(_ context.Context, conversationID, userID string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Message{}
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && !msg.HasSeen(userID) {
			msg.SeenBy = append(msg.SeenBy, userID)
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

func (m memMessages) Latest(_ context.Context, conversationIDs []string) (map[string]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*model.Message{}
	for _, id := range conversationIDs {
		for _, msg := range m.messages {
			if msg.ConversationID == id {
				cp := msg.Clone()
				out[id] = &cp
			}
		}
	}
	return out, nil
}

type notification struct {
	kind     string
	conv     model.Conversation
	messages []model.Message
}

type recorder struct {
	mu    sync.Mutex
	calls []notification
}

func (r *recorder) add(n notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
}

func (r *recorder) MessageCreated(_ context.Context, conv model.Conversation, msg model.Message) {
	r.add(notification{kind: "message_created", conv: conv, messages: []model.Message{msg}})
}

func (r *recorder) MessagesSeen(_ context.Context, conv model.Conversation, msgs []model.Message) {
	r.add(notification{kind: "messages_seen", conv: conv, messages: msgs})
}

func (r *recorder) ConversationCreated(_ context.Context, conv model.Conversation) {
	r.add(notification{kind: "conversation_created", conv: conv})
}

func (r *recorder) ConversationRemoved(_ context.Context, conv model.Conversation) {
	r.add(notification{kind: "conversation_removed", conv: conv})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.kind)
	}
	return out
}
