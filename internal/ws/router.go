package ws

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/repositories"
)

// Router accepts chat messages and delivers them to every session viewing the
// room, the sender included.
type Router struct {
	registry   *Registry
	messages   repositories.MessageRepository
	maxContent int
	logger     *slog.Logger
}

// NewRouter constructs a Router.
func NewRouter(registry *Registry, messages repositories.MessageRepository, maxContent int, logger *slog.Logger) *Router {
	return &Router{registry: registry, messages: messages, maxContent: maxContent, logger: logger}
}

// Accept persists content as a new message in roomID and delivers it. The
// message id is assigned and the message delivered under the room lock, so
// every observer sees a room's messages in id order.
func (r *Router) Accept(ctx context.Context, s *Session, roomID int, content string, clientRef string) (models.Message, error) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(ctx, "ws.accept")
	defer span.End()
	span.SetAttributes(attribute.Int("chat_id", roomID), attribute.Int("user_id", s.UserID()))

	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("empty content: %w", ErrInvalidEvent)
	}
	if r.maxContent > 0 && utf8.RuneCountInString(content) > r.maxContent {
		return models.Message{}, fmt.Errorf("content exceeds %d characters: %w", r.maxContent, ErrInvalidEvent)
	}

	var msg models.Message
	var err error
	r.registry.withRoom(roomID, func(st *roomState) {
		if _, ok := st.sessions[s]; !ok {
			err = fmt.Errorf("chat %d: %w", roomID, ErrNotActiveMember)
			return
		}
		msg, err = r.messages.CreateChatMessage(ctx, roomID, s.UserID(), content)
		if err != nil {
			err = fmt.Errorf("create message: %w", err)
			return
		}
		for target := range st.sessions {
			event := models.ChatEvent{Type: models.EventChat, ChatRoomID: roomID, Message: &msg}
			if target == s {
				event.ClientRef = clientRef
			}
			if sendErr := target.Send(event); sendErr != nil {
				r.logger.Debug("chat delivery dropped", "chat_id", roomID, "message_id", msg.ID, "target", target.UserID(), "err", sendErr)
			}
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Message{}, err
	}

	span.SetAttributes(attribute.Int("message_id", msg.ID))
	observability.IncMessageAccepted()
	r.logger.Debug("message accepted", "chat_id", roomID, "message_id", msg.ID, "user_id", s.UserID())
	return msg, nil
}
