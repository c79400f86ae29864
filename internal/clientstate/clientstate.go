// Package clientstate implements the per-conversation and per-friend state
// rules a connected client follows: online flags, unread counters and the
// delivered/read ticks on sent messages. The relay never runs this; it is the
// contract connected Go clients and the end-to-end tests share.
package clientstate

import (
	"context"
	"strings"

	"github.com/chatrelay/internal/event"
)

// Marker is the read state of a message the local user sent. It only moves
// forward: a message marked read never drops back to delivered or none.
type Marker int

const (
	MarkNone Marker = iota
	MarkDelivered
	MarkRead
)

func (m Marker) String() string {
	switch m {
	case MarkDelivered:
		return "delivered"
	case MarkRead:
		return "read"
	default:
		return "none"
	}
}

// ChatMessage is one entry of a conversation view.
type ChatMessage struct {
	ID         string
	SenderID   event.UserID
	ReceiverID event.UserID
	Text       string

	// Marker is meaningful only on messages the local user sent.
	Marker Marker
}

// Friend is the derived per-friend state: presence and unread counter.
type Friend struct {
	ID       event.UserID
	Username string
	Online   bool
	Unread   int64
}

// Directory is the REST collaborator the session rebuilds its caches from.
// *apiclient.Client satisfies it.
type Directory interface {
	Friends(ctx context.Context, id event.UserID) ([]Friend, error)
	Conversation(ctx context.Context, userID, pairID event.UserID) ([]ChatMessage, error)
}

// FriendList keeps the authoritative friend set and a substring filter over
// it. The filtered view is recomputed from the full set so the two can never
// disagree.
type FriendList struct {
	all    []Friend
	filter string
}

// All returns the authoritative set.
func (fl *FriendList) All() []Friend {
	return fl.all
}

// Visible returns the friends matching the current filter, in insertion
// order. An empty filter shows everyone.
func (fl *FriendList) Visible() []Friend {
	if fl.filter == "" {
		return fl.all
	}
	q := strings.ToLower(fl.filter)
	var out []Friend
	for _, f := range fl.all {
		if strings.Contains(strings.ToLower(f.Username), q) {
			out = append(out, f)
		}
	}
	return out
}

// Search sets the display filter.
func (fl *FriendList) Search(q string) {
	fl.filter = q
}

// Upsert adds a friend or refreshes an existing entry's profile. Presence
// defaults to offline until a login event says otherwise.
func (fl *FriendList) Upsert(f Friend) {
	for i := range fl.all {
		if fl.all[i].ID == f.ID {
			fl.all[i].Username = f.Username
			fl.all[i].Online = f.Online
			return
		}
	}
	fl.all = append(fl.all, f)
}

// Get returns a pointer into the set, or nil for an unknown id.
func (fl *FriendList) Get(id event.UserID) *Friend {
	for i := range fl.all {
		if fl.all[i].ID == id {
			return &fl.all[i]
		}
	}
	return nil
}

// SetOnline flips presence for a known friend. Unknown ids are ignored:
// presence for someone outside the friend set carries no state.
func (fl *FriendList) SetOnline(id event.UserID, online bool) {
	if f := fl.Get(id); f != nil {
		f.Online = online
	}
}

// Conversation is the ordered message view for one peer.
type Conversation struct {
	Messages []ChatMessage
	self     event.UserID
}

// NewConversation builds a view owned by the given local user.
func NewConversation(self event.UserID, history []ChatMessage) *Conversation {
	return &Conversation{Messages: history, self: self}
}

// Append adds a message to the end of the view.
func (c *Conversation) Append(m ChatMessage) {
	c.Messages = append(c.Messages, m)
}

// MarkDelivered advances unmarked sent messages to delivered, walking
// backwards from the newest and stopping at the first message that already
// carries a marker. Read messages are never touched.
func (c *Conversation) MarkDelivered() {
	c.mark(MarkDelivered)
}

// MarkRead advances sent messages to read, walking backwards from the newest
// and stopping at the first message already read.
func (c *Conversation) MarkRead() {
	c.mark(MarkRead)
}

func (c *Conversation) mark(to Marker) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := &c.Messages[i]
		if m.SenderID != c.self {
			continue
		}
		if m.Marker >= to {
			return
		}
		m.Marker = to
	}
}

// Session drives the state machine for one logged-in user. It is not safe
// for concurrent use; a client owns one session on its event loop.
type Session struct {
	self    event.UserID
	friends FriendList
	active  event.UserID
	convs   map[event.UserID]*Conversation
	api     Directory
}

// NewSession builds a session for the given local user.
func NewSession(self event.UserID, api Directory) *Session {
	return &Session{
		self:  self,
		convs: make(map[event.UserID]*Conversation),
		api:   api,
	}
}

// Friends exposes the friend list for rendering and search.
func (s *Session) Friends() *FriendList {
	return &s.friends
}

// Active returns the current conversation peer, 0 when none is open.
func (s *Session) Active() event.UserID {
	return s.active
}

// ActiveConversation returns the view for the active peer, nil when none.
func (s *Session) ActiveConversation() *Conversation {
	if s.active == 0 {
		return nil
	}
	return s.conv(s.active)
}

func (s *Session) conv(peer event.UserID) *Conversation {
	c, ok := s.convs[peer]
	if !ok {
		c = NewConversation(s.self, nil)
		s.convs[peer] = c
	}
	return c
}

// Load rebuilds the friend set from the directory. Called once after login;
// the event stream mutates the caches incrementally from then on.
func (s *Session) Load(ctx context.Context) error {
	friends, err := s.api.Friends(ctx, s.self)
	if err != nil {
		return err
	}
	for _, f := range friends {
		s.friends.Upsert(f)
		if f.Unread > 0 {
			s.friends.Get(f.ID).Unread = f.Unread
		}
	}
	return nil
}

// HandleEvent consumes one inbound event, mutates session state and returns
// the events the client must emit in response.
func (s *Session) HandleEvent(e event.Event) []event.Event {
	switch {
	case e.SubEvent == event.SubDelivered:
		s.conv(e.ReceiverID).MarkDelivered()
	case e.SubEvent == event.SubRead:
		s.conv(e.ReceiverID).MarkRead()
	case e.SubEvent == event.SubAddFriend:
		s.friends.Upsert(Friend{ID: e.SenderID, Username: e.Username, Online: e.Online})
	case e.Type == event.TypeChat:
		return s.handleChat(e)
	case e.Type == event.TypeUserLogin:
		s.friends.SetOnline(e.UserID, true)
	case e.Type == event.TypeUserLogout:
		s.friends.SetOnline(e.UserID, false)
	}
	return nil
}

func (s *Session) handleChat(e event.Event) []event.Event {
	s.conv(e.SenderID).Append(ChatMessage{
		ID:         e.ID,
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		Text:       e.Text,
	})

	if e.SenderID == s.active {
		// Face-to-face fast path: the conversation is on screen, so the
		// message counts as read immediately and the unread counter stays 0.
		return []event.Event{{
			Type:       event.TypeRead,
			SenderID:   e.SenderID,
			ReceiverID: s.self,
		}}
	}

	f := s.friends.Get(e.SenderID)
	if f == nil {
		s.friends.Upsert(Friend{ID: e.SenderID})
		f = s.friends.Get(e.SenderID)
	}
	f.Unread++
	return []event.Event{{
		Type:       event.TypeUpdateUnread,
		SenderID:   e.SenderID,
		ReceiverID: s.self,
		Unread:     f.Unread,
	}}
}

// Activate switches the open conversation to peer: the peer's unread counter
// resets, history is loaded from the directory and the returned events tell
// the peer its messages were read.
func (s *Session) Activate(ctx context.Context, peer event.UserID) ([]event.Event, error) {
	s.active = peer
	if f := s.friends.Get(peer); f != nil {
		f.Unread = 0
	}

	history, err := s.api.Conversation(ctx, s.self, peer)
	if err != nil {
		return nil, err
	}
	s.convs[peer] = NewConversation(s.self, history)

	return []event.Event{
		{
			Type:       event.TypeRead,
			SenderID:   peer,
			ReceiverID: s.self,
		},
		{
			Type:       event.TypeUpdateUnread,
			SenderID:   peer,
			ReceiverID: s.self,
			Unread:     0,
		},
	}, nil
}

// Send records an outbound chat in the active conversation and returns the
// event to put on the wire. The marker starts at none and advances when the
// delivered/read acks come back.
func (s *Session) Send(text string) event.Event {
	e := event.Event{
		Type:       event.TypeChat,
		SenderID:   s.self,
		ReceiverID: s.active,
		Text:       text,
	}
	s.conv(s.active).Append(ChatMessage{
		SenderID:   s.self,
		ReceiverID: s.active,
		Text:       text,
	})
	return e
}
