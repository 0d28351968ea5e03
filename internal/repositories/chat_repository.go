package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrSelfChat     = errors.New("cannot create chat with self")
)

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateOrGetChat(ctx context.Context, userID int, friendID int) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateOrGetChat creates a chat between two users if it does not already exist.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, userID int, friendID int) (models.Chat, error) {
	if userID == friendID {
		return models.Chat{}, ErrSelfChat
	}
	user1, user2 := userID, friendID
	if user1 > user2 {
		user1, user2 = user2, user1
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	var chat models.Chat
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chats (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO UPDATE SET user1_id = EXCLUDED.user1_id
        RETURNING id, user1_id, user2_id, created_at`, user1, user2).
		Scan(&chat.ID, &chat.User1ID, &chat.User2ID, &chat.CreatedAt)
	return chat, err
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, chatID, userID)
	return exists, err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT id, user1_id, user2_id, created_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

type chatListRow struct {
	models.Chat
	LastMessage   string       `db:"last_message"`
	LastMessageAt sql.NullTime `db:"last_message_at"`
	UnreadCount   int          `db:"unread_count"`
}

// ListChats returns the chats the user belongs to, most recently active
// first, with the latest message and the count of unread peer messages.
func (r *ChatRepo) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	query := `SELECT c.id, c.user1_id, c.user2_id, c.created_at,
            COALESCE(lm.content, '') AS last_message,
            lm.created_at AS last_message_at,
            (SELECT COUNT(*) FROM messages u
                WHERE u.chat_id = c.id AND u.sender_id <> $1 AND u.is_read = FALSE) AS unread_count
        FROM chats c
        LEFT JOIN LATERAL (
            SELECT content, created_at FROM messages m
            WHERE m.chat_id = c.id
            ORDER BY m.id DESC
            LIMIT 1
        ) lm ON TRUE
        WHERE c.user1_id = $1 OR c.user2_id = $1
        ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id DESC`

	var rows []chatListRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	result := make([]models.ChatSummary, 0, len(rows))
	for _, row := range rows {
		summary := models.ChatSummary{
			ChatID:      row.ID,
			FriendID:    row.Peer(userID),
			LastMessage: row.LastMessage,
			UnreadCount: row.UnreadCount,
			Created:     row.CreatedAt,
		}
		if row.LastMessageAt.Valid {
			at := row.LastMessageAt.Time
			summary.LastMessageAt = &at
		}
		result = append(result, summary)
	}
	return result, nil
}
