package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-relay/internal/auth"
	"chat-relay/internal/observability"
	"chat-relay/internal/telemetry"
)

// ChatWebSocketHandler authenticates the handshake and runs the session.
type ChatWebSocketHandler struct {
	hub    *Hub
	auth   auth.TokenValidator
	audit  *telemetry.AuditEmitter
	logger *slog.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. audit may be nil.
func NewChatWebSocketHandler(hub *Hub, validator auth.TokenValidator, audit *telemetry.AuditEmitter, logger *slog.Logger) *ChatWebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatWebSocketHandler{hub: hub, auth: validator, audit: audit, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle validates the token, upgrades the connection and registers the
// session. The token comes from ?token= or the Authorization header.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)
	requestID := observability.RequestIDFromRequest(c.Request)

	token := c.Query("token")
	if token == "" {
		token, _ = auth.BearerToken(c.GetHeader("Authorization"))
	}

	userID, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid token")
		h.audit.Emit(ctx, "WARN", "websocket handshake rejected: invalid token", requestID, nil)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.Int("user_id", userID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	s := NewSession(conn, info, h.hub.Options())
	go s.WritePump()

	// The request context ends with this handler; the session outlives it.
	sessionCtx := context.WithoutCancel(ctx)
	if err := h.hub.Register(sessionCtx, s); err != nil {
		h.logger.Warn("session registration failed", "user_id", userID, "err", err)
		return
	}
	h.hub.publishWSEvent(sessionCtx, "ws_connect", s, "")

	go h.serve(sessionCtx, s)
}

func (h *ChatWebSocketHandler) serve(ctx context.Context, s *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := s.ReadPump(ctx, h.hub.Dispatch)
	closedByServer := s.Err() != nil
	h.hub.Unregister(s, err)

	reason := ""
	if cause := s.Err(); cause != nil {
		reason = cause.Error()
	}
	if !closedByServer && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.hub.publishWSEvent(ctx, "ws_error", s, reason)
	}
	h.hub.publishWSEvent(ctx, "ws_disconnect", s, reason)
}
