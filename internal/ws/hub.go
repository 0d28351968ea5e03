package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/repositories"
)

// Hub owns every live session and wires them to the registry, router,
// presence tracker and receipt correlator.
type Hub struct {
	registry *Registry
	presence *PresenceTracker
	router   *Router
	receipts *ReceiptCorrelator
	validate *validator.Validate
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewHub creates a hub on top of the given repositories.
func NewHub(chats repositories.ChatRepository, messages repositories.MessageRepository, pending repositories.ReceiptRepository, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry(chats)
	return &Hub{
		registry: registry,
		presence: NewPresenceTracker(registry, logger),
		router:   NewRouter(registry, messages, opts.MaxContentLength, logger),
		receipts: NewReceiptCorrelator(registry, chats, messages, pending, logger),
		validate: validator.New(),
		opts:     opts,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
}

// Options returns the transport options new sessions should use.
func (h *Hub) Options() Options {
	return h.opts
}

// Register brings s online. A previous session of the same participant is
// torn down as superseded. On success s is Ready and has been sent the
// online_users_list snapshot.
func (h *Hub) Register(ctx context.Context, s *Session) error {
	if s.State() != StateConnecting {
		return ErrSessionNotReady
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close(ErrHubClosed)
		return ErrHubClosed
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	if previous := h.presence.Connect(s); previous != nil {
		h.logger.Info("session superseded", "user_id", s.UserID(), "conn_id", previous.info.ConnID)
		h.Unregister(previous, ErrSuperseded)
	}
	if !s.markReady() {
		// Torn down concurrently, e.g. by Shutdown, before Connect bound s;
		// that teardown saw no binding to undo.
		h.Unregister(s, ErrTransportFailure)
		h.presence.Disconnect(s)
		if errors.Is(s.Err(), ErrHubClosed) {
			return ErrHubClosed
		}
		return ErrTransportFailure
	}
	observability.IncWSActive()

	if err := s.Send(models.OnlineUsersEvent{Type: models.EventOnlineUsers, UserIDs: h.presence.Online()}); err != nil {
		h.Unregister(s, err)
		return err
	}
	h.logger.Info("session registered", "user_id", s.UserID(), "conn_id", s.info.ConnID)
	return nil
}

// Unregister tears s down once: it closes the outbound queue, releases every
// active room and marks the participant offline unless superseded.
func (h *Hub) Unregister(s *Session, reason error) {
	s.unregister.Do(func() {
		wasReady := s.Ready()
		s.Close(reason)
		rooms := h.registry.ReleaseAll(s)
		h.presence.Disconnect(s)

		h.mu.Lock()
		delete(h.sessions, s)
		h.mu.Unlock()

		if wasReady {
			observability.DecWSActive()
		}
		h.logger.Info("session closed", "user_id", s.UserID(), "conn_id", s.info.ConnID, "rooms", len(rooms), "reason", s.Err())
	})
}

// IsOnline reports whether participant userID currently has a live session.
func (h *Hub) IsOnline(userID int) bool {
	return h.presence.IsOnline(userID)
}

// InRoom reports whether participant userID is currently viewing chatID.
func (h *Hub) InRoom(chatID int, userID int) bool {
	return h.registry.Viewing(chatID, userID)
}

// Shutdown tears down every session and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.Unregister(s, ErrHubClosed)
	}
}

func (h *Hub) publishWSEvent(ctx context.Context, event string, s *Session, reason string) {
	info := s.Info()
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	envelope := observability.NewWSEnvelope(event, info.identity(), time.Since(info.ConnectedAt), reason)
	if err := observability.PublishEvent(ctx, observability.WSRoutingKey, envelope, headers); err != nil {
		h.logger.Warn("publish ws event", "event", event, "conn_id", info.ConnID, "err", err)
	}
	observability.IncWSEvent("lifecycle", event)
}
