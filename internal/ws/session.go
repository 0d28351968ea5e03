package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chat-relay/internal/observability"
)

// Options tunes per-session transport behavior.
type Options struct {
	SendBuffer       int
	MaxMessageSize   int64
	PongWait         time.Duration
	PingPeriod       time.Duration
	WriteWait        time.Duration
	MaxContentLength int
}

// frameHeadroom covers the event envelope around the content: type, room id
// and a fully escaped client_ref of up to 128 runes.
const frameHeadroom = 2048

// maxEncodedRuneBytes is the widest JSON encoding of one rune, a surrogate
// pair written as two \uXXXX escapes.
const maxEncodedRuneBytes = 12

// ReadLimit is the largest inbound frame accepted. MaxMessageSize is a floor;
// the limit always fits a chat event whose content is at the content limit,
// so content errors are reported as events instead of closing the transport.
func (o Options) ReadLimit() int64 {
	limit := o.MaxMessageSize
	if need := int64(o.MaxContentLength)*maxEncodedRuneBytes + frameHeadroom; need > limit {
		limit = need
	}
	return limit
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:       256,
		MaxMessageSize:   4096,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		WriteWait:        10 * time.Second,
		MaxContentLength: 4000,
	}
}

// SessionState is the lifecycle of a session: Connecting, Ready, Closed.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateReady
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// Session is one live connection bound to one participant. It owns the
// ordered outbound queue and the set of rooms currently being viewed.
type Session struct {
	info  ConnInfo
	conn  *websocket.Conn
	opts  Options
	state atomic.Int32

	mu     sync.Mutex
	send   chan []byte
	rooms  map[int]struct{}
	reason error
	done   chan struct{}

	unregister sync.Once
}

// NewSession wraps conn for the participant in info. conn may be nil when the
// session is driven without a network transport.
func NewSession(conn *websocket.Conn, info ConnInfo, opts Options) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	return &Session{
		info:  info,
		conn:  conn,
		opts:  opts,
		send:  make(chan []byte, opts.SendBuffer),
		rooms: make(map[int]struct{}),
		done:  make(chan struct{}),
	}
}

func (s *Session) UserID() int {
	return s.info.UserID
}

func (s *Session) Info() ConnInfo {
	return s.info
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the teardown reason, or nil while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) markReady() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
}

// Send queues event for delivery without blocking. A full queue tears the
// session down; the event is not delivered.
func (s *Session) Send(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != nil {
		return ErrTransportFailure
	}
	select {
	case s.send <- payload:
		return nil
	default:
		observability.IncSendOverflow()
		s.closeLocked(ErrSendOverflow)
		return fmt.Errorf("%w: %w", ErrTransportFailure, ErrSendOverflow)
	}
}

// Close tears down the outbound side. Queued but unwritten events are
// abandoned; the write pump only sends the close frame.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Session) closeLocked(reason error) {
	if s.reason != nil {
		return
	}
	if reason == nil {
		reason = ErrTransportFailure
	}
	s.reason = reason
	s.state.Store(int32(StateClosed))
	close(s.send)
	close(s.done)
}

func (s *Session) addRoom(roomID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != nil {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

func (s *Session) removeRoom(roomID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Session) hasRoom(roomID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the active room ids in ascending order.
func (s *Session) Rooms() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]int, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	sort.Ints(rooms)
	return rooms
}

// ReadPump reads frames until the connection fails and hands each one to
// handle in arrival order. It returns the reason the connection ended.
func (s *Session) ReadPump(ctx context.Context, handle func(context.Context, *Session, []byte)) error {
	if s.conn == nil {
		return ErrTransportFailure
	}
	if limit := s.opts.ReadLimit(); limit > 0 {
		s.conn.SetReadLimit(limit)
	}
	s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrTransportFailure, err)
		}
		handle(ctx, s, message)
	}
}

// WritePump drains the outbound queue onto the connection and keeps it alive
// with pings. It closes the connection when it returns.
func (s *Session) WritePump() {
	if s.conn == nil {
		return
	}
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if !ok || s.Err() != nil {
				s.conn.WriteMessage(websocket.CloseMessage, closeFrame(s.Err()))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeFrame(reason error) []byte {
	switch {
	case errors.Is(reason, ErrSuperseded):
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrSuperseded.Error())
	case errors.Is(reason, ErrHubClosed):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, ErrHubClosed.Error())
	case errors.Is(reason, ErrSendOverflow):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ErrSendOverflow.Error())
	default:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
}
