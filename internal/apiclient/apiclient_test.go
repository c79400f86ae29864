package apiclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chatrelay/internal/apiclient"
	"github.com/chatrelay/internal/clientstate"
)

func TestFriends_DecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/friend" || r.URL.Query().Get("id") != "7" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		io.WriteString(w, `{"data":[{"id":3,"username":"carol","online":true,"unread":2}]}`)
	}))
	defer srv.Close()

	friends, err := apiclient.New(srv.URL).Friends(context.Background(), 7)
	if err != nil {
		t.Fatalf("Friends() error = %v", err)
	}
	want := clientstate.Friend{ID: 3, Username: "carol", Online: true, Unread: 2}
	if len(friends) != 1 || friends[0] != want {
		t.Errorf("Friends() = %+v, want [%+v]", friends, want)
	}
}

func TestAddFriend_OrdersPair(t *testing.T) {
	var got map[string]int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/user/friend" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("body decode: %v", err)
		}
		io.WriteString(w, `{"data":null}`)
	}))
	defer srv.Close()

	// Caller passes the larger id first; the wire body still orders it.
	if err := apiclient.New(srv.URL).AddFriend(context.Background(), 9, 5); err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}
	if got["small_id"] != 5 || got["big_id"] != 9 {
		t.Errorf("body = %v, want small_id=5 big_id=9", got)
	}
}

func TestConversation_MapsReadFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("userId") != "1" || q.Get("pairId") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"data":[
			{"id":"m1","senderId":1,"receiverId":2,"data":"hi","isRead":true},
			{"id":"m2","senderId":2,"receiverId":1,"data":"hey","isRead":true},
			{"id":"m3","senderId":1,"receiverId":2,"data":"there","isRead":false}
		]}`)
	}))
	defer srv.Close()

	history, err := apiclient.New(srv.URL).Conversation(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("Conversation() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if history[0].Marker != clientstate.MarkRead {
		t.Errorf("own read message marker = %v, want read", history[0].Marker)
	}
	// The read flag on messages the peer sent carries no marker.
	if history[1].Marker != clientstate.MarkNone {
		t.Errorf("peer message marker = %v, want none", history[1].Marker)
	}
	if history[2].Marker != clientstate.MarkNone {
		t.Errorf("unread own message marker = %v, want none", history[2].Marker)
	}
}

func TestClient_SurfacesEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"user not found"}`)
	}))
	defer srv.Close()

	_, err := apiclient.New(srv.URL).User(context.Background(), "nobody")
	if err == nil {
		t.Fatal("User() error = nil, want envelope error")
	}
}
