package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *repositories.MemoryStore) {
	t.Helper()
	store := repositories.NewMemoryStore()
	return NewHub(store, store, store, DefaultOptions(), testLogger()), store
}

func newChat(t *testing.T, store *repositories.MemoryStore, a, b int) models.Chat {
	t.Helper()
	chat, err := store.CreateOrGetChat(context.Background(), a, b)
	require.NoError(t, err)
	return chat
}

// connect registers a transport-less session and discards its snapshot.
func connect(t *testing.T, hub *Hub, userID int) *Session {
	t.Helper()
	s := NewSession(nil, ConnInfo{UserID: userID}, hub.Options())
	require.NoError(t, hub.Register(context.Background(), s))
	snapshot := recv(t, s)
	require.Equal(t, models.EventOnlineUsers, snapshot.Type)
	return s
}

func recv(t *testing.T, s *Session) models.OutboundEvent {
	t.Helper()
	select {
	case payload, ok := <-s.send:
		require.True(t, ok, "session closed")
		var event models.OutboundEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.OutboundEvent{}
}

func drain(s *Session) []models.OutboundEvent {
	var events []models.OutboundEvent
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return events
			}
			var event models.OutboundEvent
			if err := json.Unmarshal(payload, &event); err == nil {
				events = append(events, event)
			}
		default:
			return events
		}
	}
}

func dispatch(t *testing.T, hub *Hub, s *Session, event models.InboundEvent) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	hub.Dispatch(context.Background(), s, raw)
}

func join(t *testing.T, hub *Hub, s *Session, roomID int) {
	t.Helper()
	dispatch(t, hub, s, models.InboundEvent{Type: models.EventJoinRoom, ChatRoomID: roomID})
}

func TestRegisterSendsOnlineSnapshotIncludingSelf(t *testing.T) {
	hub, _ := newTestHub(t)
	a := connect(t, hub, 1)

	b := NewSession(nil, ConnInfo{UserID: 2}, hub.Options())
	require.NoError(t, hub.Register(context.Background(), b))

	snapshot := recv(t, b)
	assert.Equal(t, models.EventOnlineUsers, snapshot.Type)
	assert.Equal(t, []int{1, 2}, snapshot.UserIDs)
	assert.True(t, b.Ready())
	assert.Empty(t, drain(a), "no interest in participant 2 yet")
}

func TestRegisterTwiceRejected(t *testing.T) {
	hub, _ := newTestHub(t)
	a := connect(t, hub, 1)

	require.ErrorIs(t, hub.Register(context.Background(), a), ErrSessionNotReady)
}

func TestMessageRoundTripAndReceipt(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	b := connect(t, hub, 2)

	join(t, hub, a, chat.ID)
	status := recv(t, a)
	assert.Equal(t, models.EventUserStatus, status.Type)
	assert.Equal(t, 2, status.UserID)
	assert.True(t, status.IsOnline)

	join(t, hub, b, chat.ID)
	status = recv(t, b)
	assert.Equal(t, 1, status.UserID)
	assert.True(t, status.IsOnline)

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "hi", ClientRef: "ref-1"})

	echo := recv(t, a)
	require.Equal(t, models.EventChat, echo.Type)
	require.NotNil(t, echo.Message)
	assert.NotZero(t, echo.Message.ID)
	assert.Equal(t, 1, echo.Message.SenderID)
	assert.Equal(t, "hi", echo.Message.Content)
	assert.Equal(t, "ref-1", echo.ClientRef)

	delivered := recv(t, b)
	require.NotNil(t, delivered.Message)
	assert.Equal(t, echo.Message.ID, delivered.Message.ID)
	assert.Empty(t, delivered.ClientRef, "client ref is only echoed to the sender")

	dispatch(t, hub, b, models.InboundEvent{Type: models.EventRead, MessageID: echo.Message.ID})
	receipt := recv(t, a)
	assert.Equal(t, models.EventReadReceipt, receipt.Type)
	assert.Equal(t, echo.Message.ID, receipt.MessageID)
	assert.Equal(t, chat.ID, receipt.ChatRoomID)
	assert.Equal(t, 2, receipt.ReadBy)

	dispatch(t, hub, b, models.InboundEvent{Type: models.EventRead, MessageID: echo.Message.ID})
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))

	stored, err := store.GetMessage(context.Background(), echo.Message.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)
}

func TestChatOnlyReachesActiveSessions(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	b := connect(t, hub, 2)

	join(t, hub, a, chat.ID)
	drain(a)

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "hello"})
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b), "peer has not joined")

	join(t, hub, b, chat.ID)
	drain(b)
	dispatch(t, hub, b, models.InboundEvent{Type: models.EventLeaveRoom, ChatRoomID: chat.ID})
	dispatch(t, hub, b, models.InboundEvent{Type: models.EventLeaveRoom, ChatRoomID: chat.ID})
	assert.Empty(t, drain(b), "leave is silent and repeatable")

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "again"})
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestSendWithoutJoinRejected(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	b := connect(t, hub, 2)
	join(t, hub, b, chat.ID)
	drain(b)

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "hi", ClientRef: "ref-9"})

	rejected := recv(t, a)
	assert.Equal(t, models.EventError, rejected.Type)
	assert.Equal(t, CodeNotActiveMember, rejected.Code)
	assert.Equal(t, "ref-9", rejected.ClientRef)
	assert.Empty(t, drain(b))

	messages, err := store.GetChatMessages(context.Background(), chat.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestJoinRejectsNonMembers(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	c := connect(t, hub, 3)

	join(t, hub, c, chat.ID)
	rejected := recv(t, c)
	assert.Equal(t, CodeNotAMember, rejected.Code)

	join(t, hub, c, 999)
	rejected = recv(t, c)
	assert.Equal(t, CodeNotAMember, rejected.Code)
	assert.Empty(t, c.Rooms())
}

func TestJoinTwiceIsNoop(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)

	join(t, hub, a, chat.ID)
	assert.Len(t, drain(a), 1)
	join(t, hub, a, chat.ID)
	assert.Empty(t, drain(a))
	assert.Equal(t, []int{chat.ID}, a.Rooms())
}

func TestSelfReadIsNoop(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	join(t, hub, a, chat.ID)
	drain(a)

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "mine"})
	echo := recv(t, a)

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventRead, MessageID: echo.Message.ID})
	assert.Empty(t, drain(a))

	stored, err := store.GetMessage(context.Background(), echo.Message.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)
}

func TestReadRejections(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	msg, err := store.CreateChatMessage(context.Background(), chat.ID, 1, "secret")
	require.NoError(t, err)
	c := connect(t, hub, 3)

	dispatch(t, hub, c, models.InboundEvent{Type: models.EventRead, MessageID: 4242})
	assert.Equal(t, CodeUnknownMessage, recv(t, c).Code)

	dispatch(t, hub, c, models.InboundEvent{Type: models.EventRead, MessageID: msg.ID})
	assert.Equal(t, CodeNotAMember, recv(t, c).Code)

	stored, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)
}

func TestReceiptQueuedUntilSenderRejoins(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	b := connect(t, hub, 2)
	join(t, hub, a, chat.ID)
	join(t, hub, b, chat.ID)
	drain(a)
	drain(b)

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "one"})
	dispatch(t, hub, a, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "two"})
	first, second := recv(t, a), recv(t, a)
	drain(b)

	hub.Unregister(a, nil)
	dispatch(t, hub, b, models.InboundEvent{Type: models.EventRead, MessageID: second.Message.ID})
	dispatch(t, hub, b, models.InboundEvent{Type: models.EventRead, MessageID: first.Message.ID})

	again := connect(t, hub, 1)
	assert.Empty(t, drain(again), "receipts wait for the room to be joined")

	join(t, hub, again, chat.ID)
	events := drain(again)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventReadReceipt, events[0].Type)
	assert.Equal(t, second.Message.ID, events[0].MessageID)
	assert.Equal(t, first.Message.ID, events[1].MessageID)
	assert.Equal(t, models.EventUserStatus, events[2].Type)

	join(t, hub, again, chat.ID)
	assert.Empty(t, drain(again))
}

func TestDisconnectClearsMembershipAndNotifiesWatchers(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	b := connect(t, hub, 2)
	join(t, hub, a, chat.ID)
	join(t, hub, b, chat.ID)
	drain(a)
	drain(b)

	hub.Unregister(a, nil)

	offline := recv(t, b)
	assert.Equal(t, models.EventUserStatus, offline.Type)
	assert.Equal(t, 1, offline.UserID)
	assert.False(t, offline.IsOnline)
	assert.Empty(t, a.Rooms())
	assert.Equal(t, []*Session{b}, hub.registry.ActiveSessions(chat.ID))
	assert.False(t, hub.IsOnline(1))

	again := connect(t, hub, 1)
	online := recv(t, b)
	assert.True(t, online.IsOnline)

	dispatch(t, hub, b, models.InboundEvent{Type: models.EventChat, ChatRoomID: chat.ID, Content: "back?"})
	drain(b)
	assert.Empty(t, drain(again), "rejoining requires a fresh join_room")
}

func TestNewSessionSupersedesOld(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	first := connect(t, hub, 1)
	b := connect(t, hub, 2)
	join(t, hub, first, chat.ID)
	join(t, hub, b, chat.ID)
	drain(first)
	drain(b)

	second := connect(t, hub, 1)

	assert.Equal(t, StateClosed, first.State())
	require.ErrorIs(t, first.Err(), ErrSuperseded)
	assert.Empty(t, first.Rooms())
	assert.True(t, hub.IsOnline(1))
	assert.Same(t, second, hub.presence.SessionOf(1))

	events := drain(b)
	require.Len(t, events, 1, "the old session's teardown emits no offline")
	assert.True(t, events[0].IsOnline)

	hub.Unregister(first, nil)
	assert.Empty(t, drain(b))
}

func TestShutdownClosesSessions(t *testing.T) {
	hub, _ := newTestHub(t)
	a := connect(t, hub, 1)

	hub.Shutdown()

	assert.Equal(t, StateClosed, a.State())
	require.ErrorIs(t, a.Err(), ErrHubClosed)
	assert.False(t, hub.IsOnline(1))

	late := NewSession(nil, ConnInfo{UserID: 2}, hub.Options())
	require.ErrorIs(t, hub.Register(context.Background(), late), ErrHubClosed)
	assert.Equal(t, StateClosed, late.State())
}

func TestConcurrentReadsEmitOneReceipt(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	b := connect(t, hub, 2)
	join(t, hub, a, chat.ID)
	drain(a)
	msg, err := store.CreateChatMessage(context.Background(), chat.ID, 1, "hi")
	require.NoError(t, err)

	var changed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := hub.receipts.MarkRead(context.Background(), b, msg.ID)
			assert.NoError(t, err)
			if ok {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), changed.Load())
	events := drain(a)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventReadReceipt, events[0].Type)
	assert.Equal(t, msg.ID, events[0].MessageID)
	assert.Equal(t, 2, events[0].ReadBy)
}

func TestReceiptQueueFailureLeavesMessageUnread(t *testing.T) {
	store := repositories.NewMemoryStore()
	pending := new(mocks.ReceiptRepositoryMock)
	hub := NewHub(store, store, pending, DefaultOptions(), testLogger())
	chat := newChat(t, store, 1, 2)
	msg, err := store.CreateChatMessage(context.Background(), chat.ID, 1, "hi")
	require.NoError(t, err)
	reader := connect(t, hub, 2)

	forMsg := mock.MatchedBy(func(r models.Receipt) bool {
		return r.MessageID == msg.ID && r.SenderID == 1 && r.ReadBy == 2
	})
	pending.On("EnqueueReceipt", mock.Anything, forMsg).Return(assert.AnError).Once()
	pending.On("EnqueueReceipt", mock.Anything, forMsg).Return(nil).Once()

	changed, err := hub.receipts.MarkRead(context.Background(), reader, msg.ID)
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, changed)
	stored, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)

	changed, err = hub.receipts.MarkRead(context.Background(), reader, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	pending.AssertExpectations(t)
}

func TestRegisterRacingShutdownLeavesParticipantOffline(t *testing.T) {
	for i := 0; i < 100; i++ {
		hub, _ := newTestHub(t)
		s := NewSession(nil, ConnInfo{UserID: 1}, hub.Options())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = hub.Register(context.Background(), s)
		}()
		go func() {
			defer wg.Done()
			hub.Shutdown()
		}()
		wg.Wait()
		hub.Shutdown()

		require.Equal(t, StateClosed, s.State())
		require.False(t, hub.IsOnline(1), "iteration %d", i)
	}
}

func TestInRoomTracksActiveSessions(t *testing.T) {
	hub, store := newTestHub(t)
	chat := newChat(t, store, 1, 2)
	a := connect(t, hub, 1)
	connect(t, hub, 2)

	assert.False(t, hub.InRoom(chat.ID, 1))
	join(t, hub, a, chat.ID)
	assert.True(t, hub.InRoom(chat.ID, 1))
	assert.False(t, hub.InRoom(chat.ID, 2))

	dispatch(t, hub, a, models.InboundEvent{Type: models.EventLeaveRoom, ChatRoomID: chat.ID})
	assert.False(t, hub.InRoom(chat.ID, 1))
}
