// Package apiclient talks to the user/friend-graph REST service. The relay
// itself never calls it; connected clients use it to rebuild state on login
// and to fetch conversation history.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatrelay/internal/clientstate"
	"github.com/chatrelay/internal/event"
)

// Client is a thin JSON client over the collaborator API. All responses come
// wrapped in a {data, error} envelope.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type userPayload struct {
	ID       event.UserID `json:"id"`
	Username string       `json:"username"`
	Online   bool         `json:"online"`
	Unread   int64        `json:"unread"`
}

type messagePayload struct {
	ID         string       `json:"id"`
	SenderID   event.UserID `json:"senderId"`
	ReceiverID event.UserID `json:"receiverId"`
	Data       string       `json:"data"`
	IsRead     bool         `json:"isRead"`
}

// Friends fetches the friend list for a user.
func (c *Client) Friends(ctx context.Context, id event.UserID) ([]clientstate.Friend, error) {
	q := url.Values{"id": {strconv.FormatInt(int64(id), 10)}}
	var payload []userPayload
	if err := c.get(ctx, "/user/friend", q, &payload); err != nil {
		return nil, fmt.Errorf("friends of %d: %w", id, err)
	}
	friends := make([]clientstate.Friend, 0, len(payload))
	for _, u := range payload {
		friends = append(friends, clientstate.Friend{
			ID:       u.ID,
			Username: u.Username,
			Online:   u.Online,
			Unread:   u.Unread,
		})
	}
	return friends, nil
}

// AddFriend creates a friendship edge. The API keys edges by the ordered
// pair, so the smaller id always goes first.
func (c *Client) AddFriend(ctx context.Context, a, b event.UserID) error {
	if a > b {
		a, b = b, a
	}
	body := map[string]event.UserID{"small_id": a, "big_id": b}
	if err := c.post(ctx, "/user/friend", body, nil); err != nil {
		return fmt.Errorf("add friend %d-%d: %w", a, b, err)
	}
	return nil
}

// Conversation fetches the ordered history between two users. Messages the
// caller sent carry a read marker derived from the stored read flag.
func (c *Client) Conversation(ctx context.Context, userID, pairID event.UserID) ([]clientstate.ChatMessage, error) {
	q := url.Values{
		"userId": {strconv.FormatInt(int64(userID), 10)},
		"pairId": {strconv.FormatInt(int64(pairID), 10)},
	}
	var payload []messagePayload
	if err := c.get(ctx, "/message", q, &payload); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", event.ConversationKey(userID, pairID), err)
	}
	history := make([]clientstate.ChatMessage, 0, len(payload))
	for _, m := range payload {
		msg := clientstate.ChatMessage{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Text:       m.Data,
		}
		if m.SenderID == userID && m.IsRead {
			msg.Marker = clientstate.MarkRead
		}
		history = append(history, msg)
	}
	return history, nil
}

// User looks up a user by username.
func (c *Client) User(ctx context.Context, username string) (clientstate.Friend, error) {
	q := url.Values{"username": {username}}
	var payload userPayload
	if err := c.get(ctx, "/user", q, &payload); err != nil {
		return clientstate.Friend{}, fmt.Errorf("user %q: %w", username, err)
	}
	return clientstate.Friend{ID: payload.ID, Username: payload.Username, Online: payload.Online}, nil
}

// Register creates a user and returns the assigned id.
func (c *Client) Register(ctx context.Context, username string, online bool) (clientstate.Friend, error) {
	body := map[string]any{"username": username, "online": online}
	var payload userPayload
	if err := c.post(ctx, "/user", body, &payload); err != nil {
		return clientstate.Friend{}, fmt.Errorf("register %q: %w", username, err)
	}
	return clientstate.Friend{ID: payload.ID, Username: payload.Username, Online: payload.Online}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || env.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, env.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
