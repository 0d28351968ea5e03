package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
	"chat-relay/internal/telemetry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// PresenceReader is satisfied by ws.Hub.
type PresenceReader interface {
	IsOnline(userID int) bool
	InRoom(chatID int, userID int) bool
}

// ChatHandler manages private chat endpoints.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	presence    PresenceReader
	audit       *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, presence PresenceReader, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		presence:    presence,
		audit:       audit,
	}
}

// ListChats returns the chats of the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetInt("userID")

	chats, err := h.chatRepo.ListChats(c.Request.Context(), userID)
	if err != nil {
		h.emitAudit(c, "ERROR", "failed to load chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}

	type chatResponse struct {
		ChatID        int        `json:"chat_id"`
		FriendID      int        `json:"friend_id"`
		FriendOnline  bool       `json:"friend_online"`
		LastMessage   string     `json:"last_message"`
		LastMessageAt *time.Time `json:"last_message_at"`
		UnreadCount   int        `json:"unread_count"`
		CreatedAt     time.Time  `json:"created_at"`
	}

	responses := make([]chatResponse, 0, len(chats))
	for _, chat := range chats {
		responses = append(responses, chatResponse{
			ChatID:        chat.ChatID,
			FriendID:      chat.FriendID,
			FriendOnline:  h.isOnline(chat.FriendID),
			LastMessage:   chat.LastMessage,
			LastMessageAt: chat.LastMessageAt,
			UnreadCount:   chat.UnreadCount,
			CreatedAt:     chat.Created,
		})
	}

	c.JSON(http.StatusOK, gin.H{"chats": responses})
}

// StartChat creates or returns the private room between the caller and the
// target user.
func (h *ChatHandler) StartChat(c *gin.Context) {
	var req struct {
		TargetUserID int `json:"target_user_id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	if userID == req.TargetUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}

	chat, err := h.chatRepo.CreateOrGetChat(c.Request.Context(), userID, req.TargetUserID)
	if err != nil {
		if errors.Is(err, repositories.ErrSelfChat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
			return
		}
		h.emitAudit(c, "ERROR", "could not create chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	h.emitAudit(c, "INFO", "private chat opened")
	c.JSON(http.StatusOK, gin.H{"room_id": chat.ID})
}

// GetChatMessages returns the latest messages of a chat with their read state.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}

	userID := c.GetInt("userID")
	member, err := h.chatRepo.IsParticipant(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		h.emitAudit(c, "WARN", "chat history denied")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	msgs, err := h.messageRepo.GetChatMessages(c.Request.Context(), chatID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetChatStatus reports whether each member of a chat is online and whether
// it is currently viewing the chat.
func (h *ChatHandler) GetChatStatus(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}

	userID := c.GetInt("userID")
	chat, err := h.chatRepo.GetChat(c.Request.Context(), chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "chat not found"})
		return
	}
	if !chat.HasMember(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	type memberStatus struct {
		UserID   int  `json:"user_id"`
		IsOnline bool `json:"is_online"`
		InRoom   bool `json:"in_room"`
	}

	members := make([]memberStatus, 0, 2)
	for _, member := range []int{chat.User1ID, chat.User2ID} {
		members = append(members, memberStatus{
			UserID:   member,
			IsOnline: h.isOnline(member),
			InRoom:   h.presence != nil && h.presence.InRoom(chat.ID, member),
		})
	}

	c.JSON(http.StatusOK, gin.H{"chat_id": chat.ID, "members": members})
}

func (h *ChatHandler) isOnline(userID int) bool {
	return h.presence != nil && h.presence.IsOnline(userID)
}

func (h *ChatHandler) emitAudit(c *gin.Context, level, text string) {
	emitAudit(c, h.audit, level, text)
}
