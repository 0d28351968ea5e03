package models

import "time"

// Message represents a chat message. ID is assigned by storage when the
// message is accepted and never changes afterwards.
type Message struct {
	ID        int       `db:"id" json:"id"`
	ChatID    int       `db:"chat_id" json:"chat_id"`
	SenderID  int       `db:"sender_id" json:"sender_id"`
	Content   string    `db:"content" json:"content"`
	IsRead    bool      `db:"is_read" json:"is_read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Receipt is a read acknowledgment waiting for the sender to view the room.
type Receipt struct {
	MessageID int       `db:"message_id" json:"message_id"`
	ChatID    int       `db:"chat_id" json:"chat_id"`
	SenderID  int       `db:"sender_id" json:"sender_id"`
	ReadBy    int       `db:"read_by" json:"read_by"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}
