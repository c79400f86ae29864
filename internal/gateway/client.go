package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatrelay/internal/backplane"
	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// Client is a single WebSocket connection. userID 0 means the caller never
// supplied an identity: the connection is not joined to a private room and
// only sees broadcast traffic (legacy shape, kept for old clients).
//
// Lifecycle: newClient -> Start(ctx, cancel) -> [readPump, writePump] ->
// Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID event.UserID
	connID string

	subs []*backplane.Subscription

	// done guards non-blocking sends after shutdown.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, userID event.UserID, connID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		userID: userID,
		connID: connID,
		done:   make(chan struct{}),
	}
}

// Start launches the read and write pumps. ctx bounds their lifetime;
// cancel is kept for Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close stops the client. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// enqueue hands a pre-encoded frame to the write pump. A full buffer means a
// slow client; it is closed rather than allowed to stall routing.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		logger.Errorf("ws send buffer full, closing slow client user=%d", c.userID)
		c.Close()
	}
}

// forward pumps one backplane subscription into the connection until the
// subscription is left or the client closes.
func (c *Client) forward(sub *backplane.Subscription) {
	for data := range sub.C() {
		c.enqueue(data)
	}
}

// forwardBroadcast is forward for the broadcast room: frames are wrapped
// with the originating connection id so a connection never echoes its own
// presence events back to itself.
func (c *Client) forwardBroadcast(sub *backplane.Subscription) {
	for data := range sub.C() {
		var f broadcastFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Conn == c.connID {
			continue
		}
		c.enqueue(f.Data)
	}
}

// readPump decodes inbound frames and hands them to the hub's router.
// Malformed payloads are dropped with a logged decode error; the connection
// stays open.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%d: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%d: %v", c.userID, err)
			}
			return
		}

		e, err := event.Decode(raw)
		if err != nil {
			logger.Errorf("ws decode error user=%d: %v", c.userID, err)
			continue
		}

		c.hub.route(ctx, c, e)
	}
}

// writePump writes frames and pings until ctx cancellation or write error.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message user=%d: %v", c.userID, err)
			}
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%d: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%d: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
