package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

// roomState holds the sessions viewing one room. A state is retired once its
// last session leaves; holders of a retired state must look it up again.
type roomState struct {
	mu       sync.Mutex
	chat     models.Chat
	sessions map[*Session]struct{}
	retired  bool
}

// Registry tracks which sessions are actively viewing which rooms. Durable
// membership comes from the chat repository; active membership lives here.
type Registry struct {
	chats repositories.ChatRepository

	mu    sync.Mutex
	rooms map[int]*roomState

	wmu      sync.Mutex
	watchers map[int]map[*Session]int
}

// NewRegistry constructs a Registry.
func NewRegistry(chats repositories.ChatRepository) *Registry {
	return &Registry{
		chats:    chats,
		rooms:    make(map[int]*roomState),
		watchers: make(map[int]map[*Session]int),
	}
}

func (r *Registry) lockRoom(roomID int) *roomState {
	for {
		r.mu.Lock()
		st, ok := r.rooms[roomID]
		if !ok {
			st = &roomState{sessions: make(map[*Session]struct{})}
			r.rooms[roomID] = st
		}
		r.mu.Unlock()

		st.mu.Lock()
		if !st.retired {
			return st
		}
		st.mu.Unlock()
	}
}

func (r *Registry) unlockRoom(roomID int, st *roomState) {
	if len(st.sessions) == 0 {
		r.mu.Lock()
		if r.rooms[roomID] == st {
			delete(r.rooms, roomID)
		}
		r.mu.Unlock()
		st.retired = true
	}
	st.mu.Unlock()
}

// withRoom runs fn while holding the room's lock. Every mutation of a room's
// active set and every delivery into the room goes through here.
func (r *Registry) withRoom(roomID int, fn func(st *roomState)) {
	st := r.lockRoom(roomID)
	defer r.unlockRoom(roomID, st)
	fn(st)
}

// Join activates roomID for s after checking durable membership. onJoin runs
// under the room lock only when the room was not already active. Joining twice
// is a no-op that reports joined=false.
func (r *Registry) Join(ctx context.Context, s *Session, roomID int, onJoin func(models.Chat)) (models.Chat, bool, error) {
	chat, err := r.chats.GetChat(ctx, roomID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Chat{}, false, fmt.Errorf("chat %d: %w", roomID, ErrNotAMember)
	}
	if err != nil {
		return models.Chat{}, false, fmt.Errorf("load chat %d: %w", roomID, err)
	}
	if !chat.HasMember(s.UserID()) {
		return models.Chat{}, false, fmt.Errorf("chat %d: %w", roomID, ErrNotAMember)
	}

	var joined bool
	var joinErr error
	r.withRoom(roomID, func(st *roomState) {
		if _, ok := st.sessions[s]; ok {
			return
		}
		if !s.addRoom(roomID) {
			joinErr = ErrTransportFailure
			return
		}
		st.chat = chat
		st.sessions[s] = struct{}{}
		r.addWatcher(chat.Peer(s.UserID()), s)
		joined = true
		if onJoin != nil {
			onJoin(chat)
		}
	})
	return chat, joined, joinErr
}

// Leave deactivates roomID for s. Leaving a room that is not active is a no-op.
func (r *Registry) Leave(s *Session, roomID int) bool {
	var left bool
	r.withRoom(roomID, func(st *roomState) {
		if _, ok := st.sessions[s]; !ok {
			return
		}
		delete(st.sessions, s)
		s.removeRoom(roomID)
		r.removeWatcher(st.chat.Peer(s.UserID()), s)
		left = true
	})
	return left
}

// IsActive reports whether s currently views roomID.
func (r *Registry) IsActive(s *Session, roomID int) bool {
	return s.hasRoom(roomID)
}

// ActiveSessions returns the sessions currently viewing roomID.
func (r *Registry) ActiveSessions(roomID int) []*Session {
	var sessions []*Session
	r.withRoom(roomID, func(st *roomState) {
		sessions = make([]*Session, 0, len(st.sessions))
		for s := range st.sessions {
			sessions = append(sessions, s)
		}
	})
	return sessions
}

// Viewing reports whether any session of userID currently views roomID.
func (r *Registry) Viewing(roomID int, userID int) bool {
	viewing := false
	r.withRoom(roomID, func(st *roomState) {
		for s := range st.sessions {
			if s.UserID() == userID {
				viewing = true
				return
			}
		}
	})
	return viewing
}

// ReleaseAll deactivates every room of s. The session must already be closed
// so that no concurrent Join can add a room after the snapshot.
func (r *Registry) ReleaseAll(s *Session) []int {
	rooms := s.Rooms()
	for _, roomID := range rooms {
		r.Leave(s, roomID)
	}
	return rooms
}

// Watchers returns the sessions viewing a room whose other member is userID.
func (r *Registry) Watchers(userID int) []*Session {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	set := r.watchers[userID]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) addWatcher(subject int, s *Session) {
	if subject == 0 {
		return
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	set, ok := r.watchers[subject]
	if !ok {
		set = make(map[*Session]int)
		r.watchers[subject] = set
	}
	set[s]++
}

func (r *Registry) removeWatcher(subject int, s *Session) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	set, ok := r.watchers[subject]
	if !ok {
		return
	}
	set[s]--
	if set[s] <= 0 {
		delete(set, s)
	}
	if len(set) == 0 {
		delete(r.watchers, subject)
	}
}
