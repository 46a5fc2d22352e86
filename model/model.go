// Package model holds the entity snapshots shared by the server stores, the
// realtime event schema and the client SDK.
package model

import "time"

// User is a registered account. Presence is derived from realtime
// connections and never stored here.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a user reference inside a conversation.
type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Conversation is a chat thread between users. Members are ordered by most
// recent join first.
type Conversation struct {
	ID            string    `json:"id"`
	IsGroup       bool      `json:"is_group"`
	Name          string    `json:"name,omitempty"`
	CreatedBy     string    `json:"created_by"`
	Members       []Member  `json:"members"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessage   *Message  `json:"last_message,omitempty"`
}

// MemberIDs returns the ids of the conversation members in membership order.
func (c *Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Message is immutable after creation except for SeenBy, which only grows.
// SeenBy keeps read order.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body,omitempty"`
	Image          string    `json:"image,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SeenBy         []string  `json:"seen_by"`
}

// HasSeen reports whether userID is in the seen-by set.
func (m *Message) HasSeen(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MergeSeen returns the union of current and incoming, keeping the order of
// current and appending unseen ids of incoming in their order. The result
// never has fewer entries than current.
func MergeSeen(current, incoming []string) []string {
	out := make([]string, 0, len(current)+len(incoming))
	seen := make(map[string]struct{}, len(current)+len(incoming))
	for _, list := range [][]string{current, incoming} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.SeenBy = append([]string(nil), m.SeenBy...)
	return m
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	c.Members = append([]Member(nil), c.Members...)
	if c.LastMessage != nil {
		last := c.LastMessage.Clone()
		c.LastMessage = &last
	}
	return c
}
