package message

import (
	"context"
	"errors"

	"github.com/nexus-im/nexus/model"
)

var (
	ErrEmptyMessage = errors.New("message needs a body or an image")
	// ErrClientIDReused is returned when a sender's client id already names a
	// message in another conversation.
	ErrClientIDReused = errors.New("client id already used in another conversation")
)

// Store defines message persistence operations.
type Store interface {
	// Create persists msg and fills in its id, creation time and seen-by set.
	// A message with a client id already used by the same sender is not
	// inserted again; msg is filled from the stored row and created is false.
	// If the stored row belongs to another conversation, Create fails with
	// ErrClientIDReused.
	Create(ctx context.Context, msg *model.Message) (created bool, err error)
	// List returns the conversation's messages ordered by creation time.
	List(ctx context.Context, conversationID string) ([]model.Message, error)
	// MarkSeen records userID as having seen every message of the
	// conversation and returns the messages whose seen-by set changed.
	MarkSeen(ctx context.Context, conversationID, userID string) ([]model.Message, error)
	// Latest returns the newest message of each conversation that has one.
	Latest(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error)
}
