// Package event defines the wire shape of every relay event and the codec
// used on both sides of the socket.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UserID is the stable identity a connection is addressed by.
type UserID int64

// Type tags a primary event.
type Type string

const (
	TypeChat         Type = "chat"
	TypeRead         Type = "read"
	TypeUserLogin    Type = "userLogin"
	TypeUserLogout   Type = "userLogout"
	TypeUpdateUnread Type = "updateUnread"
	TypeAddFriend    Type = "addFriend"
)

// SubEvent tags a server-synthesized notification about a primary event,
// routed back to the original sender's room.
type SubEvent string

const (
	SubDelivered SubEvent = "delivered"
	SubRead      SubEvent = "read"
	SubAddFriend SubEvent = "addFriend"
)

// ErrMalformed is returned by Decode for payloads the relay must drop.
var ErrMalformed = errors.New("malformed event")

// Event is the closed tagged union exchanged over the socket and the
// backplane. Which fields are meaningful depends on Type/SubEvent.
type Event struct {
	Type     Type     `json:"type,omitempty"`
	SubEvent SubEvent `json:"subevent,omitempty"`

	SenderID   UserID `json:"senderId,omitempty"`
	ReceiverID UserID `json:"receiverId,omitempty"`

	// Presence events carry the id of the user who logged in/out.
	UserID UserID `json:"userId,omitempty"`

	// chat
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`

	// updateUnread
	Unread int64 `json:"unread"`

	// addFriend carries the sender's profile so the receiver can render it.
	Username string `json:"username,omitempty"`
	Online   bool   `json:"online,omitempty"`
}

// Message is the persisted form handed to the durable publisher. The relay
// never retains it after handoff; the Event field tells downstream consumers
// which payload shape to expect.
type Message struct {
	ID             string `json:"id"`
	SenderID       UserID `json:"senderId"`
	ReceiverID     UserID `json:"receiverId"`
	ConversationID string `json:"conversationId"`
	Data           string `json:"data"`
	CreateTime     string `json:"createTime,omitempty"`
	Event          string `json:"event,omitempty"`
	Unread         int64  `json:"unread,omitempty"`
}

// Encode serializes an event. Total for well-formed events.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event encode: %w", err)
	}
	return b, nil
}

// Decode parses and validates an inbound frame. It never panics: anything it
// cannot accept comes back as an error wrapping ErrMalformed, and the caller
// drops the frame.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	switch e.Type {
	case TypeChat, TypeRead, TypeUpdateUnread, TypeAddFriend:
		if e.SenderID == 0 || e.ReceiverID == 0 {
			return Event{}, fmt.Errorf("%w: %s requires senderId and receiverId", ErrMalformed, e.Type)
		}
	case TypeUserLogin, TypeUserLogout:
		if e.UserID == 0 {
			return Event{}, fmt.Errorf("%w: %s requires userId", ErrMalformed, e.Type)
		}
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	return e, nil
}

// PersistForm converts a routed event into the persisted Message shape,
// stamping the originating event type.
func (e Event) PersistForm(now time.Time) Message {
	return Message{
		ID:             e.ID,
		SenderID:       e.SenderID,
		ReceiverID:     e.ReceiverID,
		ConversationID: ConversationKey(e.SenderID, e.ReceiverID),
		Data:           e.Text,
		CreateTime:     now.UTC().Format(time.RFC3339),
		Event:          string(e.Type),
		Unread:         e.Unread,
	}
}

// ConversationKey derives the pairwise key both parties compute
// independently: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b UserID) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d,%d", a, b)
}

// Room returns the backplane room name for a user id.
func Room(id UserID) string {
	return fmt.Sprintf("%d", id)
}
