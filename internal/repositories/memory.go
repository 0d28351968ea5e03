package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-relay/internal/models"
)

// MemoryStore keeps chats, messages and pending receipts in process memory.
// It implements ChatRepository, MessageRepository and ReceiptRepository.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[int]models.Chat
	pairs    map[[2]int]int
	messages map[int]models.Message
	receipts []models.Receipt
	nextChat int
	nextMsg  int
	// activity orders chats by their latest creation or message.
	activity map[int]int
	clock    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[int]models.Chat),
		pairs:    make(map[[2]int]int),
		messages: make(map[int]models.Message),
		activity: make(map[int]int),
	}
}

func (s *MemoryStore) touch(chatID int) {
	s.clock++
	s.activity[chatID] = s.clock
}

func (s *MemoryStore) CreateOrGetChat(_ context.Context, userID int, friendID int) (models.Chat, error) {
	if userID == friendID {
		return models.Chat{}, ErrSelfChat
	}
	user1, user2 := userID, friendID
	if user1 > user2 {
		user1, user2 = user2, user1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[[2]int{user1, user2}]; ok {
		return s.chats[id], nil
	}
	s.nextChat++
	chat := models.Chat{ID: s.nextChat, User1ID: user1, User2ID: user2, CreatedAt: time.Now()}
	s.chats[chat.ID] = chat
	s.pairs[[2]int{user1, user2}] = chat.ID
	s.touch(chat.ID)
	return chat, nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, chatID int, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	return ok && chat.HasMember(userID), nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID int) (models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (s *MemoryStore) ListChats(_ context.Context, userID int) ([]models.ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.ChatSummary, 0)
	for _, chat := range s.chats {
		if !chat.HasMember(userID) {
			continue
		}
		summary := models.ChatSummary{ChatID: chat.ID, FriendID: chat.Peer(userID), Created: chat.CreatedAt}
		lastID := 0
		for _, msg := range s.messages {
			if msg.ChatID != chat.ID {
				continue
			}
			if msg.SenderID != userID && !msg.IsRead {
				summary.UnreadCount++
			}
			if msg.ID > lastID {
				lastID = msg.ID
				at := msg.CreatedAt
				summary.LastMessage = msg.Content
				summary.LastMessageAt = &at
			}
		}
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool {
		return s.activity[result[i].ChatID] > s.activity[result[j].ChatID]
	})
	return result, nil
}

func (s *MemoryStore) CreateChatMessage(_ context.Context, chatID int, senderID int, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return models.Message{}, ErrChatNotFound
	}
	s.nextMsg++
	msg := models.Message{ID: s.nextMsg, ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: time.Now()}
	s.messages[msg.ID] = msg
	s.touch(chatID)
	return msg, nil
}

func (s *MemoryStore) GetChatMessages(_ context.Context, chatID int, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []models.Message
	for _, msg := range s.messages {
		if msg.ChatID == chatID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, messageID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.IsRead {
		return false, nil
	}
	msg.IsRead = true
	s.messages[messageID] = msg
	return true, nil
}

func (s *MemoryStore) MarkUnread(_ context.Context, messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msg.IsRead = false
	s.messages[messageID] = msg
	return nil
}

func (s *MemoryStore) EnqueueReceipt(_ context.Context, receipt models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.receipts {
		if queued.MessageID == receipt.MessageID {
			return nil
		}
	}
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = time.Now()
	}
	s.receipts = append(s.receipts, receipt)
	return nil
}

func (s *MemoryStore) TakePendingReceipts(_ context.Context, senderID int, chatID int) ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var taken []models.Receipt
	kept := s.receipts[:0]
	for _, receipt := range s.receipts {
		if receipt.SenderID == senderID && receipt.ChatID == chatID {
			taken = append(taken, receipt)
			continue
		}
		kept = append(kept, receipt)
	}
	s.receipts = kept
	// Enqueue order breaks ties between equal read times.
	sort.SliceStable(taken, func(i, j int) bool { return taken[i].ReadAt.Before(taken[j].ReadAt) })
	return taken, nil
}

var (
	_ ChatRepository    = (*MemoryStore)(nil)
	_ MessageRepository = (*MemoryStore)(nil)
	_ ReceiptRepository = (*MemoryStore)(nil)
)
