// Package client is a websocket client for the chat relay. It keeps a local
// view of the messages it sent, reconciling each optimistic send with the
// server's echo, and of the presence of the participants it hears about.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/models"
)

var (
	ErrUnauthorized = errors.New("handshake rejected: invalid token")
	ErrClosed       = errors.New("client closed")
)

// Status is the local lifecycle of a sent message.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "rolled_back"
	}
}

// LocalMessage is the client's view of one message. Message is set once the
// server has assigned a durable id.
type LocalMessage struct {
	ClientRef  string
	ChatRoomID int
	Content    string
	Status     Status
	Message    *models.Message
	ReadBy     int
	ErrorCode  string
}

// Client is one authenticated connection.
type Client struct {
	conn   *websocket.Conn
	events chan models.OutboundEvent
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	byRef  map[string]*LocalMessage
	byID   map[int]*LocalMessage
	online map[int]bool
	err    error

	done chan struct{}
}

// Option customizes Dial.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	eventBuffer int
	dialer      *websocket.Dialer
}

// WithLogger sets the logger used for dropped events and read failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

// Dial opens a session at url (ws:// or wss://) authenticated with token.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	o := options{
		logger:      slog.Default(),
		eventBuffer: 256,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := o.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan models.OutboundEvent, o.eventBuffer),
		logger: o.logger,
		byRef:  make(map[string]*LocalMessage),
		byID:   make(map[int]*LocalMessage),
		online: make(map[int]bool),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every server event after it has been applied to the local
// state. Events that do not fit the buffer are dropped; the local state is
// still updated.
func (c *Client) Events() <-chan models.OutboundEvent {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Join(roomID int) error {
	return c.write(models.InboundEvent{Type: models.EventJoinRoom, ChatRoomID: roomID})
}

func (c *Client) Leave(roomID int) error {
	return c.write(models.InboundEvent{Type: models.EventLeaveRoom, ChatRoomID: roomID})
}

// Send records content as pending and sends it. The returned client ref
// identifies the local message until the server confirms or rejects it.
func (c *Client) Send(roomID int, content string) (string, error) {
	ref := uuid.NewString()
	c.mu.Lock()
	c.byRef[ref] = &LocalMessage{ClientRef: ref, ChatRoomID: roomID, Content: content, Status: StatusPending}
	c.mu.Unlock()

	if err := c.write(models.InboundEvent{Type: models.EventChat, ChatRoomID: roomID, Content: content, ClientRef: ref}); err != nil {
		c.mu.Lock()
		c.byRef[ref].Status = StatusRolledBack
		c.mu.Unlock()
		return ref, err
	}
	return ref, nil
}

func (c *Client) MarkRead(messageID int) error {
	return c.write(models.InboundEvent{Type: models.EventRead, MessageID: messageID})
}

// QueryPresence asks for userID's status and for its future transitions.
func (c *Client) QueryPresence(userID int) error {
	return c.write(models.InboundEvent{Type: models.EventPresenceQuery, UserID: userID})
}

// Message returns a copy of the local message sent with ref.
func (c *Client) Message(ref string) (LocalMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lm, ok := c.byRef[ref]
	if !ok {
		return LocalMessage{}, false
	}
	return lm.clone(), true
}

// MessageByID returns a copy of a confirmed message, sent or received.
func (c *Client) MessageByID(id int) (LocalMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lm, ok := c.byID[id]
	if !ok {
		return LocalMessage{}, false
	}
	return lm.clone(), true
}

func (c *Client) IsOnline(userID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(event models.InboundEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write %s: %w", event.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		var event models.OutboundEvent
		if err := c.conn.ReadJSON(&event); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Debug("client read ended", "err", err)
			}
			return
		}
		c.apply(event)

		select {
		case c.events <- event:
		default:
			c.logger.Warn("client event dropped", "type", event.Type)
		}
	}
}

func (c *Client) apply(event models.OutboundEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case models.EventChat:
		if event.Message == nil {
			return
		}
		msg := *event.Message
		lm, ok := c.byRef[event.ClientRef]
		if !ok || event.ClientRef == "" {
			lm = &LocalMessage{ChatRoomID: event.ChatRoomID, Content: msg.Content}
		}
		lm.Status = StatusConfirmed
		lm.Message = &msg
		c.byID[msg.ID] = lm
	case models.EventError:
		if lm, ok := c.byRef[event.ClientRef]; ok && lm.Status == StatusPending {
			lm.Status = StatusRolledBack
			lm.ErrorCode = event.Code
		}
	case models.EventReadReceipt:
		if lm, ok := c.byID[event.MessageID]; ok && lm.Message != nil {
			lm.Message.IsRead = true
			lm.ReadBy = event.ReadBy
		}
	case models.EventUserStatus:
		c.online[event.UserID] = event.IsOnline
	case models.EventOnlineUsers:
		c.online = make(map[int]bool, len(event.UserIDs))
		for _, id := range event.UserIDs {
			c.online[id] = true
		}
	}
}

func (lm *LocalMessage) clone() LocalMessage {
	out := *lm
	if lm.Message != nil {
		msg := *lm.Message
		out.Message = &msg
	}
	return out
}
