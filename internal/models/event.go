package models

// EventType discriminates websocket frames in both directions.
type EventType string

const (
	EventJoinRoom      EventType = "join_room"
	EventLeaveRoom     EventType = "leave_room"
	EventChat          EventType = "chat"
	EventRead          EventType = "read"
	EventPresenceQuery EventType = "presence_query"

	EventReadReceipt EventType = "read_receipt"
	EventUserStatus  EventType = "user_status"
	EventOnlineUsers EventType = "online_users_list"
	EventError       EventType = "error"
)

// InboundEvent is a frame sent by a client.
type InboundEvent struct {
	Type       EventType `json:"type"`
	ChatRoomID int       `json:"chat_room_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	ClientRef  string    `json:"client_ref,omitempty"`
	MessageID  int       `json:"message_id,omitempty"`
	UserID     int       `json:"user_id,omitempty"`
}

// ChatEvent delivers an accepted message to every active member, the sender
// included. ClientRef is only set on the sender's copy.
type ChatEvent struct {
	Type       EventType `json:"type"`
	ChatRoomID int       `json:"chat_room_id"`
	Message    *Message  `json:"message"`
	ClientRef  string    `json:"client_ref,omitempty"`
}

// ReadReceiptEvent tells a sender that the peer has read one of its messages.
type ReadReceiptEvent struct {
	Type       EventType `json:"type"`
	MessageID  int       `json:"message_id"`
	ChatRoomID int       `json:"chat_room_id"`
	ReadBy     int       `json:"read_by"`
}

// UserStatusEvent is a presence transition.
type UserStatusEvent struct {
	Type     EventType `json:"type"`
	UserID   int       `json:"user_id"`
	IsOnline bool      `json:"is_online"`
}

// OnlineUsersEvent is the presence snapshot sent once per connection.
type OnlineUsersEvent struct {
	Type    EventType `json:"type"`
	UserIDs []int     `json:"user_ids"`
}

// ErrorEvent reports a rejected action without closing the connection.
type ErrorEvent struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code"`
	Error     string    `json:"error"`
	ClientRef string    `json:"client_ref,omitempty"`
}

// OutboundEvent is the union of server frames, used by clients to decode.
type OutboundEvent struct {
	Type       EventType `json:"type"`
	ChatRoomID int       `json:"chat_room_id,omitempty"`
	Message    *Message  `json:"message,omitempty"`
	ClientRef  string    `json:"client_ref,omitempty"`
	MessageID  int       `json:"message_id,omitempty"`
	ReadBy     int       `json:"read_by,omitempty"`
	UserID     int       `json:"user_id,omitempty"`
	IsOnline   bool      `json:"is_online,omitempty"`
	UserIDs    []int     `json:"user_ids,omitempty"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
}
