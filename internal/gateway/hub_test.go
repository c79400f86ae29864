package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay/internal/backplane"
	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/publisher"
)

// fakePersister records everything handed to the durable publisher.
type fakePersister struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (f *fakePersister) Publish(topic string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, append([]byte(nil), body...))
}

func (f *fakePersister) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

func (f *fakePersister) body(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

// testClient builds a connection-less client joined to its rooms so tests
// can observe frames on the send buffer directly.
func testClient(t *testing.T, h *Hub, userID event.UserID, connID string) *Client {
	t.Helper()
	c := newClient(h, nil, userID, connID)
	h.addClient(c)
	t.Cleanup(func() {
		h.removeClient(c)
	})
	return c
}

func recvEvent(t *testing.T, c *Client) event.Event {
	t.Helper()
	select {
	case data := <-c.send:
		var e event.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("undecodable frame %q: %v", data, err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return event.Event{}
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestHub() (*Hub, *fakePersister) {
	p := &fakePersister{}
	return NewHub(backplane.NewInproc(), p, 0), p
}

func TestRouteChat_DeliversAcksAndPersists(t *testing.T) {
	h, p := newTestHub()
	sender := testClient(t, h, 1, "conn-1")
	receiver := testClient(t, h, 2, "conn-2")

	h.route(context.Background(), sender, event.Event{
		Type:       event.TypeChat,
		SenderID:   1,
		ReceiverID: 2,
		ID:         "m-1",
		Text:       "hi",
	})

	got := recvEvent(t, receiver)
	if got.Type != event.TypeChat || got.Text != "hi" || got.ID != "m-1" {
		t.Errorf("receiver got %+v", got)
	}

	ack := recvEvent(t, sender)
	if ack.SubEvent != event.SubDelivered {
		t.Errorf("sender ack subevent = %q, want %q", ack.SubEvent, event.SubDelivered)
	}
	if ack.SenderID != 1 || ack.ReceiverID != 2 {
		t.Errorf("ack addressing = %+v", ack)
	}

	topics := p.published()
	if len(topics) != 1 || topics[0] != publisher.TopicSendMessage {
		t.Fatalf("persisted topics = %v, want [%s]", topics, publisher.TopicSendMessage)
	}
	var m event.Message
	if err := json.Unmarshal(p.body(0), &m); err != nil {
		t.Fatalf("persisted body: %v", err)
	}
	if m.ConversationID != "1,2" || m.Data != "hi" || m.Event != "chat" {
		t.Errorf("persisted message = %+v", m)
	}
}

func TestRouteChat_AbsentReceiverPersistsWithoutAck(t *testing.T) {
	h, p := newTestHub()
	sender := testClient(t, h, 1, "conn-1")

	h.route(context.Background(), sender, event.Event{
		Type:       event.TypeChat,
		SenderID:   1,
		ReceiverID: 9,
		Text:       "into the void",
	})

	// No delivered ack when nobody was in the receiver's room.
	expectSilence(t, sender)

	topics := p.published()
	if len(topics) != 1 || topics[0] != publisher.TopicSendMessage {
		t.Errorf("persisted topics = %v, want [%s]", topics, publisher.TopicSendMessage)
	}
}

func TestRouteChat_AssignsMissingID(t *testing.T) {
	h, p := newTestHub()
	sender := testClient(t, h, 1, "conn-1")

	h.route(context.Background(), sender, event.Event{
		Type:       event.TypeChat,
		SenderID:   1,
		ReceiverID: 9,
		Text:       "x",
	})

	var m event.Message
	if err := json.Unmarshal(p.body(0), &m); err != nil {
		t.Fatalf("persisted body: %v", err)
	}
	if m.ID == "" {
		t.Error("persisted message has empty id")
	}
}

func TestRouteRead_PersistsAndAcksSender(t *testing.T) {
	h, p := newTestHub()
	reader := testClient(t, h, 2, "conn-2")
	author := testClient(t, h, 1, "conn-1")

	// User 2 read user 1's messages; senderId names the original author.
	h.route(context.Background(), reader, event.Event{
		Type:       event.TypeRead,
		SenderID:   1,
		ReceiverID: 2,
	})

	ack := recvEvent(t, author)
	if ack.SubEvent != event.SubRead {
		t.Errorf("author ack subevent = %q, want %q", ack.SubEvent, event.SubRead)
	}
	expectSilence(t, reader)

	topics := p.published()
	if len(topics) != 1 || topics[0] != publisher.TopicReadMessage {
		t.Errorf("persisted topics = %v, want [%s]", topics, publisher.TopicReadMessage)
	}
}

func TestRouteUpdateUnread_PersistsOnly(t *testing.T) {
	h, p := newTestHub()
	sender := testClient(t, h, 1, "conn-1")
	peer := testClient(t, h, 2, "conn-2")

	h.route(context.Background(), sender, event.Event{
		Type:       event.TypeUpdateUnread,
		SenderID:   1,
		ReceiverID: 2,
		Unread:     0,
	})

	expectSilence(t, sender)
	expectSilence(t, peer)

	topics := p.published()
	if len(topics) != 1 || topics[0] != publisher.TopicUpdateUnread {
		t.Errorf("persisted topics = %v, want [%s]", topics, publisher.TopicUpdateUnread)
	}
}

func TestRouteAddFriend_ReachesReceiverOnly(t *testing.T) {
	h, p := newTestHub()
	sender := testClient(t, h, 1, "conn-1")
	receiver := testClient(t, h, 2, "conn-2")
	bystander := testClient(t, h, 3, "conn-3")

	h.route(context.Background(), sender, event.Event{
		Type:       event.TypeAddFriend,
		SenderID:   1,
		ReceiverID: 2,
		Username:   "alice",
	})

	got := recvEvent(t, receiver)
	if got.SubEvent != event.SubAddFriend || got.Username != "alice" {
		t.Errorf("receiver got %+v", got)
	}
	expectSilence(t, sender)
	expectSilence(t, bystander)

	if topics := p.published(); len(topics) != 0 {
		t.Errorf("addFriend persisted %v, want nothing", topics)
	}
}

func TestRoutePresence_BroadcastExcludesOrigin(t *testing.T) {
	h, p := newTestHub()
	origin := testClient(t, h, 1, "conn-1")
	other := testClient(t, h, 2, "conn-2")
	anon := testClient(t, h, 0, "conn-anon")

	h.route(context.Background(), origin, event.Event{
		Type:   event.TypeUserLogin,
		UserID: 1,
	})

	got := recvEvent(t, other)
	if got.Type != event.TypeUserLogin || got.UserID != 1 {
		t.Errorf("other got %+v", got)
	}
	// Identity-less connections still see presence.
	got = recvEvent(t, anon)
	if got.Type != event.TypeUserLogin {
		t.Errorf("anon got %+v", got)
	}
	expectSilence(t, origin)

	if topics := p.published(); len(topics) != 0 {
		t.Errorf("presence persisted %v, want nothing", topics)
	}
}

func TestHub_ConnectionLimit(t *testing.T) {
	h, _ := newTestHub()
	h.maxConns = 1

	testClient(t, h, 1, "conn-1")

	over := newClient(h, nil, 2, "conn-2")
	h.addClient(over)

	select {
	case <-over.done:
	case <-time.After(time.Second):
		t.Fatal("over-limit client was not closed")
	}
}

func TestHub_MultiDeviceDelivery(t *testing.T) {
	h, _ := newTestHub()
	sender := testClient(t, h, 1, "conn-1")
	phone := testClient(t, h, 2, "conn-2a")
	laptop := testClient(t, h, 2, "conn-2b")

	h.route(context.Background(), sender, event.Event{
		Type:       event.TypeChat,
		SenderID:   1,
		ReceiverID: 2,
		Text:       "both of you",
	})

	if got := recvEvent(t, phone); got.Text != "both of you" {
		t.Errorf("phone got %+v", got)
	}
	if got := recvEvent(t, laptop); got.Text != "both of you" {
		t.Errorf("laptop got %+v", got)
	}
}
