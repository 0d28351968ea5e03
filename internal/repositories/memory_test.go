package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
)

func TestMemoryStoreCreateOrGetChatIsSymmetric(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.CreateOrGetChat(ctx, 9, 4)
	require.NoError(t, err)
	second, err := store.CreateOrGetChat(ctx, 4, 9)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4, first.User1ID)
	assert.Equal(t, 9, first.User2ID)

	_, err = store.CreateOrGetChat(ctx, 4, 4)
	require.ErrorIs(t, err, ErrSelfChat)
}

func TestMemoryStoreMarkReadOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, err := store.CreateOrGetChat(ctx, 1, 2)
	require.NoError(t, err)
	msg, err := store.CreateChatMessage(ctx, chat.ID, 1, "hi")
	require.NoError(t, err)

	changed, err := store.MarkRead(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MarkRead(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.GetMessage(ctx, 999)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMemoryStoreTakePendingReceiptsDrainsInReadOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	readAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.EnqueueReceipt(ctx, models.Receipt{MessageID: 5, ChatID: 1, SenderID: 1, ReadBy: 2, ReadAt: readAt}))
	require.NoError(t, store.EnqueueReceipt(ctx, models.Receipt{MessageID: 3, ChatID: 1, SenderID: 1, ReadBy: 2, ReadAt: readAt.Add(time.Second)}))
	require.NoError(t, store.EnqueueReceipt(ctx, models.Receipt{MessageID: 4, ChatID: 1, SenderID: 1, ReadBy: 2, ReadAt: readAt.Add(time.Second)}))
	require.NoError(t, store.EnqueueReceipt(ctx, models.Receipt{MessageID: 8, ChatID: 2, SenderID: 1, ReadBy: 3}))

	receipts, err := store.TakePendingReceipts(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, 5, receipts[0].MessageID)
	assert.Equal(t, 3, receipts[1].MessageID)
	assert.Equal(t, 4, receipts[2].MessageID)

	receipts, err = store.TakePendingReceipts(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestMemoryStoreGetChatMessagesLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, err := store.CreateOrGetChat(ctx, 1, 2)
	require.NoError(t, err)
	for _, content := range []string{"a", "b", "c"} {
		_, err := store.CreateChatMessage(ctx, chat.ID, 1, content)
		require.NoError(t, err)
	}

	msgs, err := store.GetChatMessages(ctx, chat.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Content)
	assert.Equal(t, "c", msgs[1].Content)
}

func TestMemoryStoreListChatsByActivity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	older, err := store.CreateOrGetChat(ctx, 1, 2)
	require.NoError(t, err)
	newer, err := store.CreateOrGetChat(ctx, 1, 3)
	require.NoError(t, err)

	chats, err := store.ListChats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, newer.ID, chats[0].ChatID)
	assert.Nil(t, chats[0].LastMessageAt)

	_, err = store.CreateChatMessage(ctx, older.ID, 2, "first")
	require.NoError(t, err)
	read, err := store.CreateChatMessage(ctx, older.ID, 2, "second")
	require.NoError(t, err)
	_, err = store.CreateChatMessage(ctx, older.ID, 1, "mine")
	require.NoError(t, err)
	_, err = store.MarkRead(ctx, read.ID)
	require.NoError(t, err)

	chats, err = store.ListChats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, older.ID, chats[0].ChatID)
	assert.Equal(t, 2, chats[0].FriendID)
	assert.Equal(t, "mine", chats[0].LastMessage)
	require.NotNil(t, chats[0].LastMessageAt)
	assert.Equal(t, 1, chats[0].UnreadCount)
	assert.Equal(t, newer.ID, chats[1].ChatID)

	peer, err := store.ListChats(ctx, 2)
	require.NoError(t, err)
	require.Len(t, peer, 1)
	assert.Equal(t, 1, peer[0].UnreadCount)
}

func TestMemoryStoreMarkUnreadRestoresFlag(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	chat, err := store.CreateOrGetChat(ctx, 1, 2)
	require.NoError(t, err)
	msg, err := store.CreateChatMessage(ctx, chat.ID, 1, "hi")
	require.NoError(t, err)

	_, err = store.MarkRead(ctx, msg.ID)
	require.NoError(t, err)
	require.NoError(t, store.MarkUnread(ctx, msg.ID))

	changed, err := store.MarkRead(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	require.ErrorIs(t, store.MarkUnread(ctx, 99), ErrMessageNotFound)
}
