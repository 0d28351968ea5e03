package models

import "time"

// Chat represents a private room between exactly two users. User1ID is always
// the smaller id.
type Chat struct {
	ID        int       `db:"id" json:"id"`
	User1ID   int       `db:"user1_id" json:"user1_id"`
	User2ID   int       `db:"user2_id" json:"user2_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasMember reports whether userID is one of the two members.
func (c Chat) HasMember(userID int) bool {
	return userID != 0 && (c.User1ID == userID || c.User2ID == userID)
}

// Peer returns the other member, or 0 when userID is not a member.
func (c Chat) Peer(userID int) int {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return 0
}

// ChatSummary provides API-friendly view of a chat for a user. LastMessageAt
// is nil until the first message; UnreadCount counts the peer's unread
// messages.
type ChatSummary struct {
	ChatID        int        `json:"chat_id"`
	FriendID      int        `json:"friend_id"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	UnreadCount   int        `json:"unread_count"`
	Created       time.Time  `json:"created_at"`
}
