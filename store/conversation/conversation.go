package conversation

import (
	"context"
	"errors"

	"github.com/nexus-im/nexus/model"
)

type Type string

const (
	TypeP2P   Type = "p2p"
	TypeGroup Type = "group"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("a direct conversation needs two distinct users")
	ErrNotEnoughMembers     = errors.New("a group conversation needs at least two members")
)

// Store defines conversation persistence operations.
type Store interface {
	// FindOrCreateDirect returns the p2p conversation between the two users,
	// creating it if needed. created reports whether this call created it.
	// Concurrent calls for the same pair converge on one conversation.
	FindOrCreateDirect(ctx context.Context, creatorID, otherID string) (convo *model.Conversation, created bool, err error)
	CreateGroup(ctx context.Context, convo *model.Conversation, memberIDs []string) error
	Get(ctx context.Context, id string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*model.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// DirectKey identifies the unordered pair of a p2p conversation.
func DirectKey(userAID, userBID string) string {
	if userBID < userAID {
		userAID, userBID = userBID, userAID
	}
	return userAID + ":" + userBID
}
