package realtime

import (
	"context"
	"errors"

	"github.com/nexus-im/nexus/event"
)

var (
	ErrForbidden      = errors.New("not allowed to subscribe to this channel")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Authorizer decides whether a user may subscribe to a channel.
type Authorizer interface {
	Authorize(ctx context.Context, userID, channel string) error
}

// MembershipChecker reports conversation membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// ChannelAuthorizer lets a user subscribe to their own user channel, to the
// channels of conversations they belong to and to the presence channel.
type ChannelAuthorizer struct {
	members MembershipChecker
}

func NewChannelAuthorizer(members MembershipChecker) *ChannelAuthorizer {
	return &ChannelAuthorizer{members: members}
}

var _ Authorizer = (*ChannelAuthorizer)(nil)

func (a *ChannelAuthorizer) Authorize(ctx context.Context, userID, channel string) error {
	if userID == "" {
		return ErrForbidden
	}

	scope, id := event.ParseChannel(channel)
	switch scope {
	case event.ScopePresence:
		return nil
	case event.ScopeUser:
		if id != userID {
			return ErrForbidden
		}
		return nil
	case event.ScopeConversation:
		ok, err := a.members.IsMember(ctx, id, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForbidden
		}
		return nil
	default:
		return ErrUnknownChannel
	}
}
