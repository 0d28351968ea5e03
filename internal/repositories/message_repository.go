package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateChatMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error)
	GetChatMessages(ctx context.Context, chatID int, limit int) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	MarkRead(ctx context.Context, messageID int) (bool, error)
	MarkUnread(ctx context.Context, messageID int) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateChatMessage stores an unread message and returns it with its id.
func (r *MessageRepo) CreateChatMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, content) VALUES ($1, $2, $3) RETURNING id, chat_id, sender_id, content, is_read, created_at`, chatID, senderID, content).
		Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.IsRead, &msg.CreatedAt)
	return msg, err
}

// GetChatMessages returns the latest messages of a chat in id order.
func (r *MessageRepo) GetChatMessages(ctx context.Context, chatID int, limit int) ([]models.Message, error) {
	query := `SELECT id, chat_id, sender_id, content, is_read, created_at FROM (
            SELECT id, chat_id, sender_id, content, is_read, created_at
            FROM messages
            WHERE chat_id=$1
            ORDER BY id DESC
            LIMIT $2
        ) recent ORDER BY id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, chatID, limit)
	return msgs, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT id, chat_id, sender_id, content, is_read, created_at FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkRead flips the read flag and reports whether this call changed it.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE WHERE id=$1 AND is_read = FALSE`, messageID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// MarkUnread reverts a read flag whose receipt could not be routed.
func (r *MessageRepo) MarkUnread(ctx context.Context, messageID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = FALSE WHERE id=$1`, messageID)
	return err
}
