// Package gateway binds each WebSocket connection to its user room and
// routes events between rooms, the backplane and the durable publisher.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatrelay/internal/backplane"
	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/publisher"
	"github.com/google/uuid"
)

// broadcastRoom carries presence events: every connection joins it, with or
// without an identity.
const broadcastRoom = "broadcast"

const routeTimeout = 5 * time.Second

// Persister receives persistence-worthy events, fire and forget.
// *publisher.Publisher is the real one.
type Persister interface {
	Publish(topic string, body []byte)
}

// broadcastFrame wraps broadcast-room payloads with the originating
// connection id so presence reaches all other connections, never the sender.
type broadcastFrame struct {
	Conn string          `json:"conn"`
	Data json.RawMessage `json:"data"`
}

// Hub owns the connection set of one relay instance. All room state lives in
// the backplane adapter; the hub only routes.
type Hub struct {
	adapter  backplane.Adapter
	persist  Persister
	maxConns int

	mu      sync.Mutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub builds a hub with injected backplane and publisher dependencies.
func NewHub(adapter backplane.Adapter, persist Persister, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		adapter:    adapter,
		persist:    persist,
		maxConns:   maxConns,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// Run processes registration until ctx is cancelled, then drains every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	// Leave rooms and close connections outside the lock (network I/O).
	for _, c := range all {
		h.leaveRooms(c)
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

// addClient joins the connection to its rooms: the private room keyed by its
// user id (when an identity was supplied) and the shared broadcast room.
func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%d", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()

	if c.userID != 0 {
		sub, err := h.adapter.Subscribe(ctx, event.Room(c.userID))
		if err != nil {
			logger.Errorf("ws join room user=%d: %v", c.userID, err)
		} else {
			c.subs = append(c.subs, sub)
			go c.forward(sub)
		}
	}

	bsub, err := h.adapter.Subscribe(ctx, broadcastRoom)
	if err != nil {
		logger.Errorf("ws join broadcast user=%d: %v", c.userID, err)
	} else {
		c.subs = append(c.subs, bsub)
		go c.forwardBroadcast(bsub)
	}

	logger.Debugf("ws connected user=%d conn=%s", c.userID, c.connID)
}

// removeClient cancels only this connection's room membership. In-flight
// publishes already handed to the durable publisher are not touched.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.leaveRooms(c)
	c.Close()
	logger.Debugf("ws disconnected user=%d conn=%s", c.userID, c.connID)
}

func (h *Hub) leaveRooms(c *Client) {
	for _, sub := range c.subs {
		sub.Leave()
	}
}

// Register hands a connection to the run loop.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister removes a connection from the run loop.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// route applies the routing table for one inbound event. Handlers for a
// single connection run sequentially; across connections they race, which is
// safe because all room state is behind the adapter.
func (h *Hub) route(ctx context.Context, c *Client, e event.Event) {
	defer logger.DeferLogDuration("hub.route."+string(e.Type), time.Now())()
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	switch e.Type {
	case event.TypeChat:
		h.routeChat(ctx, e)
	case event.TypeRead:
		h.routeRead(ctx, e)
	case event.TypeUpdateUnread:
		// Counter reconciliation only persists; there is no fan-out.
		h.persistRaw(publisher.TopicUpdateUnread, e)
	case event.TypeUserLogin, event.TypeUserLogout:
		// Presence is global, not room scoped, and is never persisted.
		h.broadcast(ctx, c, e)
	case event.TypeAddFriend:
		e.SubEvent = event.SubAddFriend
		h.fanOut(ctx, event.Room(e.ReceiverID), e)
	}
}

// routeChat delivers to the receiver's room, acknowledges the sender with a
// delivered sub-event and hands the stamped persisted form to the broker.
// The ack is only synthesized when the receiver's room had a known
// subscriber: a chat nobody received is "not yet delivered" and the sender's
// client reconciles over REST.
func (h *Hub) routeChat(ctx context.Context, e event.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	reached := h.fanOut(ctx, event.Room(e.ReceiverID), e)
	if reached > 0 {
		ack := event.Event{
			SubEvent:   event.SubDelivered,
			SenderID:   e.SenderID,
			ReceiverID: e.ReceiverID,
		}
		h.fanOut(ctx, event.Room(e.SenderID), ack)
	}

	body, err := json.Marshal(e.PersistForm(time.Now()))
	if err != nil {
		logger.Errorf("persist encode chat: %v", err)
		return
	}
	h.persist.Publish(publisher.TopicSendMessage, body)
}

// routeRead persists the read event and acknowledges the original sender.
func (h *Hub) routeRead(ctx context.Context, e event.Event) {
	h.persistRaw(publisher.TopicReadMessage, e)

	ack := event.Event{
		SubEvent:   event.SubRead,
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
	}
	h.fanOut(ctx, event.Room(e.SenderID), ack)
}

// fanOut publishes an event to a room and reports how many subscribers
// were known to receive it. A room with no live subscriber anywhere
// silently drops the event: the receiver catches up over REST.
func (h *Hub) fanOut(ctx context.Context, room string, e event.Event) int {
	data, err := e.Encode()
	if err != nil {
		logger.Errorf("fan-out encode %s: %v", room, err)
		return 0
	}
	n, err := h.adapter.Publish(ctx, room, data)
	if err != nil {
		logger.Errorf("fan-out %s: %v", room, err)
	}
	return n
}

// broadcast sends a presence event to every connection except the
// originating one.
func (h *Hub) broadcast(ctx context.Context, c *Client, e event.Event) {
	data, err := e.Encode()
	if err != nil {
		logger.Errorf("broadcast encode: %v", err)
		return
	}
	var connID string
	if c != nil {
		connID = c.connID
	}
	frame, err := json.Marshal(broadcastFrame{Conn: connID, Data: data})
	if err != nil {
		logger.Errorf("broadcast frame encode: %v", err)
		return
	}
	if _, err := h.adapter.Publish(ctx, broadcastRoom, frame); err != nil {
		logger.Errorf("broadcast: %v", err)
	}
}

func (h *Hub) persistRaw(topic string, e event.Event) {
	body, err := e.Encode()
	if err != nil {
		logger.Errorf("persist encode %s: %v", topic, err)
		return
	}
	h.persist.Publish(topic, body)
}
