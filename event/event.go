// Package event defines the realtime event schema exchanged over the channel
// bus and the websocket gateway, together with the channel naming scheme.
//
// Every conversation-scoped event carries a full snapshot of the entity it
// describes rather than a diff, so applying an event never depends on the
// state the receiver happens to be in.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nexus-im/nexus/model"
)

// Kind tags the variant of an Event.
type Kind string

const (
	MessageNew         Kind = "message:new"
	MessageUpdate      Kind = "message:update"
	ConversationNew    Kind = "conversation:new"
	ConversationUpdate Kind = "conversation:update"
	ConversationRemove Kind = "conversation:remove"

	PresenceJoin  Kind = "presence:join"
	PresenceLeave Kind = "presence:leave"
	PresenceSync  Kind = "presence:sync"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrMalformed   = errors.New("malformed event")
)

// IsMessage reports whether the kind carries a message snapshot.
func (k Kind) IsMessage() bool {
	return k == MessageNew || k == MessageUpdate
}

// IsConversation reports whether the kind carries a conversation snapshot.
func (k Kind) IsConversation() bool {
	return k == ConversationNew || k == ConversationUpdate || k == ConversationRemove
}

// IsPresence reports whether the kind carries presence members.
func (k Kind) IsPresence() bool {
	return k == PresenceJoin || k == PresenceLeave || k == PresenceSync
}

// Member is one realtime connection of a user. A user with several open
// connections appears once per connection.
type Member struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// Event is the tagged variant. Exactly one of Message, Conversation or
// Presence is populated, selected by Kind.
type Event struct {
	ID           string
	Kind         Kind
	At           time.Time
	Message      *model.Message
	Conversation *model.Conversation
	Presence     []Member
}

// envelope is the wire form: the kind names the payload schema.
type envelope struct {
	ID      string          `json:"id"`
	Type    Kind            `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func newEvent(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC()}
}

// NewMessage builds a message:new or message:update event.
func NewMessage(kind Kind, msg model.Message) Event {
	ev := newEvent(kind)
	m := msg.Clone()
	ev.Message = &m
	return ev
}

// NewConversation builds a conversation:new, :update or :remove event.
func NewConversation(kind Kind, conv model.Conversation) Event {
	ev := newEvent(kind)
	c := conv.Clone()
	ev.Conversation = &c
	return ev
}

// NewPresence builds a presence event.
func NewPresence(kind Kind, members ...Member) Event {
	ev := newEvent(kind)
	ev.Presence = append([]Member{}, members...)
	return ev
}

// Validate checks that the kind is known and that its payload is present.
func (e Event) Validate() error {
	switch {
	case e.Kind.IsMessage():
		if e.Message == nil || e.Message.ID == "" || e.Message.ConversationID == "" {
			return errors.Wrapf(ErrMalformed, "%s without message", e.Kind)
		}
	case e.Kind.IsConversation():
		if e.Conversation == nil || e.Conversation.ID == "" {
			return errors.Wrapf(ErrMalformed, "%s without conversation", e.Kind)
		}
	case e.Kind.IsPresence():
		if e.Kind != PresenceSync && len(e.Presence) == 0 {
			return errors.Wrapf(ErrMalformed, "%s without members", e.Kind)
		}
	default:
		return errors.Wrapf(ErrUnknownKind, "%q", e.Kind)
	}
	return nil
}

// Encode serializes the event into its wire envelope.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var payload interface{}
	switch {
	case e.Kind.IsMessage():
		payload = e.Message
	case e.Kind.IsConversation():
		payload = e.Conversation
	default:
		payload = e.Presence
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return json.Marshal(envelope{ID: e.ID, Type: e.Kind, At: e.At, Payload: raw})
}

// Decode parses a wire envelope. Unknown kinds yield ErrUnknownKind and
// broken payloads ErrMalformed; callers are expected to log and skip both.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, errors.Wrap(ErrMalformed, err.Error())
	}

	ev := Event{ID: env.ID, Kind: env.Type, At: env.At}
	var err error
	switch {
	case env.Type.IsMessage():
		ev.Message = new(model.Message)
		err = json.Unmarshal(env.Payload, ev.Message)
	case env.Type.IsConversation():
		ev.Conversation = new(model.Conversation)
		err = json.Unmarshal(env.Payload, ev.Conversation)
	case env.Type.IsPresence():
		err = json.Unmarshal(env.Payload, &ev.Presence)
	default:
		return Event{}, errors.Wrapf(ErrUnknownKind, "%q", env.Type)
	}
	if err != nil {
		return Event{}, errors.Wrap(ErrMalformed, err.Error())
	}

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// MarshalJSON lets an Event be embedded in other JSON documents, such as
// websocket frames, in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return Encode(e)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	ev, err := Decode(data)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
