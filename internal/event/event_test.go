package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/chatrelay/internal/event"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    event.Event
		wantErr bool
	}{
		{
			name: "chat event",
			data: `{"type":"chat","senderId":1,"receiverId":2,"text":"hi"}`,
			want: event.Event{Type: event.TypeChat, SenderID: 1, ReceiverID: 2, Text: "hi"},
		},
		{
			name: "read event",
			data: `{"type":"read","senderId":3,"receiverId":1}`,
			want: event.Event{Type: event.TypeRead, SenderID: 3, ReceiverID: 1},
		},
		{
			name: "update unread",
			data: `{"type":"updateUnread","senderId":3,"receiverId":1,"unread":0}`,
			want: event.Event{Type: event.TypeUpdateUnread, SenderID: 3, ReceiverID: 1, Unread: 0},
		},
		{
			name: "login carries userId",
			data: `{"type":"userLogin","userId":7}`,
			want: event.Event{Type: event.TypeUserLogin, UserID: 7},
		},
		{
			name:    "invalid json",
			data:    `{"type":`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"senderId":1,"receiverId":2}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			data:    `{"type":"shout","senderId":1,"receiverId":2}`,
			wantErr: true,
		},
		{
			name:    "chat without receiver",
			data:    `{"type":"chat","senderId":1,"text":"hi"}`,
			wantErr: true,
		},
		{
			name:    "login without userId",
			data:    `{"type":"userLogin"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := event.Decode([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode(%s) = %+v, want error", tt.data, got)
				}
				if !errors.Is(err, event.ErrMalformed) {
					t.Errorf("Decode error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", tt.data, err)
			}
			if got != tt.want {
				t.Errorf("Decode(%s) = %+v, want %+v", tt.data, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := event.Event{
		Type:       event.TypeAddFriend,
		SubEvent:   event.SubAddFriend,
		SenderID:   5,
		ReceiverID: 9,
		Username:   "ana",
		Online:     true,
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := event.Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != e {
		t.Errorf("round trip = %+v, want %+v", got, e)
	}
}

func TestConversationKey_Symmetric(t *testing.T) {
	tests := []struct {
		a, b event.UserID
		want string
	}{
		{1, 2, "1,2"},
		{2, 1, "1,2"},
		{9, 9, "9,9"},
		{42, 7, "7,42"},
	}
	for _, tt := range tests {
		if got := event.ConversationKey(tt.a, tt.b); got != tt.want {
			t.Errorf("ConversationKey(%d, %d) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
		if event.ConversationKey(tt.a, tt.b) != event.ConversationKey(tt.b, tt.a) {
			t.Errorf("ConversationKey(%d, %d) is not symmetric", tt.a, tt.b)
		}
	}
}

func TestPersistForm(t *testing.T) {
	e := event.Event{Type: event.TypeChat, ID: "m-1", SenderID: 2, ReceiverID: 1, Text: "hello"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m := e.PersistForm(now)

	if m.Event != "chat" {
		t.Errorf("PersistForm Event = %q, want %q", m.Event, "chat")
	}
	if m.ConversationID != "1,2" {
		t.Errorf("PersistForm ConversationID = %q, want %q", m.ConversationID, "1,2")
	}
	if m.Data != "hello" || m.ID != "m-1" {
		t.Errorf("PersistForm payload = %+v", m)
	}
	if m.CreateTime != "2025-06-01T12:00:00Z" {
		t.Errorf("PersistForm CreateTime = %q", m.CreateTime)
	}
}
