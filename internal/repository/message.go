package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
)

// MessageRepository persists the relayed event stream: chat messages, read
// flips and advertised unread counters.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Save inserts one chat message. Replays of the same message id are ignored:
// the broker delivers at least once.
func (r *MessageRepository) Save(ctx context.Context, m event.Message) error {
	defer logger.DeferLogDuration("msgRepo.Save", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, conversation_id, data, create_time)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SenderID, m.ReceiverID, m.ConversationID, m.Data, m.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Save: %w", err)
	}
	return nil
}

// MarkConversationRead flips is_read on one direction of a conversation:
// everything senderID sent to receiverID. Idempotent.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, senderID, receiverID event.UserID) error {
	defer logger.DeferLogDuration("msgRepo.MarkConversationRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE sender_id = $1 AND receiver_id = $2 AND is_read = false`,
		senderID, receiverID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkConversationRead: %w", err)
	}
	return nil
}

// SetUnread stores the counter userID advertised for messages from pairID.
// Last write wins; multi-device clients reconcile from here.
func (r *MessageRepository) SetUnread(ctx context.Context, userID, pairID event.UserID, count int64) error {
	defer logger.DeferLogDuration("msgRepo.SetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO unread (user_id, pair_id, count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, pair_id) DO UPDATE SET count = EXCLUDED.count`,
		userID, pairID, count,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SetUnread: %w", err)
	}
	return nil
}
