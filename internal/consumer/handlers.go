package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
)

const handleTimeout = 10 * time.Second

// MessageStore is the persistence surface the handlers write to.
// *repository.MessageRepository is the real one.
type MessageStore interface {
	Save(ctx context.Context, m event.Message) error
	MarkConversationRead(ctx context.Context, senderID, receiverID event.UserID) error
	SetUnread(ctx context.Context, userID, pairID event.UserID, count int64) error
}

// Handlers return nil for malformed bodies so nsq finishes them; a
// persistence error propagates and the message is requeued.

// SaveMessageHandler inserts relayed chat messages.
type SaveMessageHandler struct {
	Store MessageStore
}

func (h *SaveMessageHandler) HandleMessage(msg *nsq.Message) error {
	var m event.Message
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		logger.Errorf("save_message: drop malformed body: %v", err)
		return nil
	}
	if m.SenderID == 0 || m.ReceiverID == 0 {
		logger.Errorf("save_message: drop body without sender/receiver: %s", msg.Body)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return h.Store.Save(ctx, m)
}

// ReadMessageHandler flips the read flag for one conversation direction.
type ReadMessageHandler struct {
	Store MessageStore
}

func (h *ReadMessageHandler) HandleMessage(msg *nsq.Message) error {
	var e event.Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		logger.Errorf("read_message: drop malformed body: %v", err)
		return nil
	}
	if e.SenderID == 0 || e.ReceiverID == 0 {
		logger.Errorf("read_message: drop body without sender/receiver: %s", msg.Body)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return h.Store.MarkConversationRead(ctx, e.SenderID, e.ReceiverID)
}

// UpdateUnreadHandler stores advertised unread counters.
type UpdateUnreadHandler struct {
	Store MessageStore
}

func (h *UpdateUnreadHandler) HandleMessage(msg *nsq.Message) error {
	var e event.Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		logger.Errorf("update_unread: drop malformed body: %v", err)
		return nil
	}
	if e.SenderID == 0 || e.ReceiverID == 0 || e.Unread < 0 {
		logger.Errorf("update_unread: drop invalid body: %s", msg.Body)
		return nil
	}

	// The counter belongs to the receiver: how many messages from the
	// sender it has not read yet.
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return h.Store.SetUnread(ctx, e.ReceiverID, e.SenderID, e.Unread)
}
