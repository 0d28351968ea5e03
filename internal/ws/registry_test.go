package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

func TestRegistryJoinLeave(t *testing.T) {
	store := repositories.NewMemoryStore()
	chat := newChat(t, store, 1, 2)
	registry := NewRegistry(store)
	s := NewSession(nil, ConnInfo{UserID: 1}, DefaultOptions())

	calls := 0
	got, joined, err := registry.Join(context.Background(), s, chat.ID, func(models.Chat) { calls++ })
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, chat.ID, got.ID)
	assert.True(t, registry.IsActive(s, chat.ID))
	assert.Equal(t, []*Session{s}, registry.Watchers(2))

	_, joined, err = registry.Join(context.Background(), s, chat.ID, func(models.Chat) { calls++ })
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, 1, calls, "hook runs only on activation")

	assert.True(t, registry.Leave(s, chat.ID))
	assert.False(t, registry.Leave(s, chat.ID))
	assert.False(t, registry.IsActive(s, chat.ID))
	assert.Empty(t, registry.Watchers(2))
	assert.Empty(t, registry.ActiveSessions(chat.ID))

	registry.mu.Lock()
	assert.Empty(t, registry.rooms, "empty rooms are retired")
	registry.mu.Unlock()
}

func TestRegistryJoinChecksMembership(t *testing.T) {
	store := repositories.NewMemoryStore()
	chat := newChat(t, store, 1, 2)
	registry := NewRegistry(store)
	outsider := NewSession(nil, ConnInfo{UserID: 3}, DefaultOptions())

	_, _, err := registry.Join(context.Background(), outsider, chat.ID, nil)
	require.ErrorIs(t, err, ErrNotAMember)

	_, _, err = registry.Join(context.Background(), outsider, 77, nil)
	require.ErrorIs(t, err, ErrNotAMember)
	assert.Empty(t, registry.ActiveSessions(chat.ID))
}

func TestRegistryClosedSessionCannotJoin(t *testing.T) {
	store := repositories.NewMemoryStore()
	chat := newChat(t, store, 1, 2)
	registry := NewRegistry(store)
	s := NewSession(nil, ConnInfo{UserID: 1}, DefaultOptions())
	s.Close(nil)

	_, _, err := registry.Join(context.Background(), s, chat.ID, nil)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Empty(t, registry.ActiveSessions(chat.ID))
}

func TestRegistryReleaseAll(t *testing.T) {
	store := repositories.NewMemoryStore()
	first := newChat(t, store, 1, 2)
	second := newChat(t, store, 1, 3)
	registry := NewRegistry(store)
	s := NewSession(nil, ConnInfo{UserID: 1}, DefaultOptions())

	for _, id := range []int{first.ID, second.ID} {
		_, _, err := registry.Join(context.Background(), s, id, nil)
		require.NoError(t, err)
	}

	s.Close(nil)
	released := registry.ReleaseAll(s)

	assert.ElementsMatch(t, []int{first.ID, second.ID}, released)
	assert.Empty(t, s.Rooms())
	assert.Empty(t, registry.ActiveSessions(first.ID))
	assert.Empty(t, registry.Watchers(2))
	assert.Empty(t, registry.Watchers(3))
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	store := repositories.NewMemoryStore()
	chat := newChat(t, store, 1, 2)
	registry := NewRegistry(store)
	sessions := []*Session{
		NewSession(nil, ConnInfo{UserID: 1}, DefaultOptions()),
		NewSession(nil, ConnInfo{UserID: 2}, DefaultOptions()),
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _, err := registry.Join(context.Background(), s, chat.ID, nil)
				assert.NoError(t, err)
				registry.Leave(s, chat.ID)
			}
		}(s)
	}
	wg.Wait()

	assert.Empty(t, registry.ActiveSessions(chat.ID))
	assert.Empty(t, registry.Watchers(1))
	assert.Empty(t, registry.Watchers(2))
}
