package event

import (
	"strings"

	"github.com/nexus-im/nexus/model"
)

// PresenceChannel is shared by the whole deployment.
const PresenceChannel = "presence"

const (
	conversationPrefix = "conversation:"
	userPrefix         = "user:"
)

// Scope classifies a channel name.
type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeConversation
	ScopeUser
	ScopePresence
)

// ConversationChannel names the per-conversation channel.
func ConversationChannel(conversationID string) string {
	return conversationPrefix + conversationID
}

// UserChannel names the per-user channel.
func UserChannel(userID string) string {
	return userPrefix + userID
}

// ParseChannel splits a channel name into its scope and entity id.
func ParseChannel(name string) (Scope, string) {
	switch {
	case name == PresenceChannel:
		return ScopePresence, ""
	case strings.HasPrefix(name, conversationPrefix) && len(name) > len(conversationPrefix):
		return ScopeConversation, strings.TrimPrefix(name, conversationPrefix)
	case strings.HasPrefix(name, userPrefix) && len(name) > len(userPrefix):
		return ScopeUser, strings.TrimPrefix(name, userPrefix)
	default:
		return ScopeUnknown, ""
	}
}

// Fanout returns the channels a conversation-scoped event is published to:
// the conversation channel followed by the user channel of every member.
func Fanout(conv *model.Conversation) []string {
	channels := make([]string, 0, len(conv.Members)+1)
	channels = append(channels, ConversationChannel(conv.ID))
	seen := make(map[string]struct{}, len(conv.Members))
	for _, m := range conv.Members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		channels = append(channels, UserChannel(m.UserID))
	}
	return channels
}
