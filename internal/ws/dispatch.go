package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

type roomRequest struct {
	ChatRoomID int `validate:"gt=0"`
}

type chatRequest struct {
	ChatRoomID int    `validate:"gt=0"`
	Content    string `validate:"required"`
	ClientRef  string `validate:"omitempty,max=128"`
}

type readRequest struct {
	MessageID int `validate:"gt=0"`
}

type presenceRequest struct {
	UserID int `validate:"gt=0"`
}

// Dispatch handles one inbound frame from s. Rejected frames are answered
// with an error event; the connection stays open.
func (h *Hub) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var event models.InboundEvent
	err := h.dispatch(ctx, s, raw, &event)
	if err == nil {
		return
	}
	h.reject(s, event.ClientRef, err)
}

func (h *Hub) dispatch(ctx context.Context, s *Session, raw []byte, event *models.InboundEvent) error {
	if !s.Ready() {
		return ErrSessionNotReady
	}
	if err := json.Unmarshal(raw, event); err != nil {
		return fmt.Errorf("decode frame: %w", ErrInvalidEvent)
	}
	observability.IncWSEvent("in", eventLabel(event.Type))

	switch event.Type {
	case models.EventJoinRoom:
		req := roomRequest{ChatRoomID: event.ChatRoomID}
		if err := h.check(req); err != nil {
			return err
		}
		return h.join(ctx, s, req.ChatRoomID)
	case models.EventLeaveRoom:
		req := roomRequest{ChatRoomID: event.ChatRoomID}
		if err := h.check(req); err != nil {
			return err
		}
		h.registry.Leave(s, req.ChatRoomID)
		return nil
	case models.EventChat:
		req := chatRequest{ChatRoomID: event.ChatRoomID, Content: event.Content, ClientRef: event.ClientRef}
		if err := h.check(req); err != nil {
			return err
		}
		_, err := h.router.Accept(ctx, s, req.ChatRoomID, req.Content, req.ClientRef)
		return err
	case models.EventRead:
		req := readRequest{MessageID: event.MessageID}
		if err := h.check(req); err != nil {
			return err
		}
		_, err := h.receipts.MarkRead(ctx, s, req.MessageID)
		return err
	case models.EventPresenceQuery:
		req := presenceRequest{UserID: event.UserID}
		if err := h.check(req); err != nil {
			return err
		}
		return h.presence.Query(s, req.UserID)
	default:
		return fmt.Errorf("%q: %w", event.Type, ErrUnknownType)
	}
}

func eventLabel(t models.EventType) string {
	switch t {
	case models.EventJoinRoom, models.EventLeaveRoom, models.EventChat, models.EventRead, models.EventPresenceQuery:
		return string(t)
	default:
		return "unknown"
	}
}

func (h *Hub) join(ctx context.Context, s *Session, roomID int) error {
	chat, joined, err := h.registry.Join(ctx, s, roomID, func(chat models.Chat) {
		h.receipts.flushLocked(ctx, s, chat)
	})
	if err != nil {
		return err
	}
	if !joined {
		return nil
	}
	return h.presence.Announce(s, chat.Peer(s.UserID()))
}

func (h *Hub) check(req any) error {
	if err := h.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, err.Error())
	}
	return nil
}

func (h *Hub) reject(s *Session, clientRef string, err error) {
	code := errorCode(err)
	message := err.Error()
	if code == CodeInternal {
		h.logger.Error("dispatch failed", "user_id", s.UserID(), "conn_id", s.info.ConnID, "err", err)
		message = "internal error"
	} else {
		h.logger.Debug("event rejected", "user_id", s.UserID(), "code", code, "err", err)
	}
	observability.IncProtocolError(code)
	_ = s.Send(models.ErrorEvent{Type: models.EventError, Code: code, Error: message, ClientRef: clientRef})
}
