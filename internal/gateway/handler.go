package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSHandler upgrades connections at /ws. allowedOrigins is comma separated
// or "*", like CORS.
type WSHandler struct {
	hub            *Hub
	allowedOrigins string
}

func NewWSHandler(hub *Hub, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and registers the connection. The identity is
// the userId query parameter; a connection without one is tolerated but can
// only be reached by broadcast (legacy event shapes).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var userID event.UserID
	if raw := r.URL.Query().Get("userId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid userId", http.StatusBadRequest)
			return
		}
		userID = event.UserID(id)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := newClient(h.hub, conn, userID, uuid.NewString())
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
