package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/repositories"
)

// ReceiptCorrelator marks messages read and routes the receipt to the sender.
// A receipt the sender cannot see right now is queued and flushed the next
// time the sender joins the room.
type ReceiptCorrelator struct {
	registry *Registry
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	pending  repositories.ReceiptRepository
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewReceiptCorrelator constructs a ReceiptCorrelator.
func NewReceiptCorrelator(registry *Registry, chats repositories.ChatRepository, messages repositories.MessageRepository, pending repositories.ReceiptRepository, logger *slog.Logger) *ReceiptCorrelator {
	return &ReceiptCorrelator{
		registry: registry,
		chats:    chats,
		messages: messages,
		pending:  pending,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// MarkRead records that the participant of s has read messageID. It reports
// whether the message changed state; repeated and self reads change nothing.
func (c *ReceiptCorrelator) MarkRead(ctx context.Context, s *Session, messageID int) (bool, error) {
	unlock := c.locks.Lock(messageID)
	defer unlock()

	msg, err := c.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return false, fmt.Errorf("message %d: %w", messageID, ErrUnknownMessage)
	}
	if err != nil {
		return false, fmt.Errorf("load message %d: %w", messageID, err)
	}

	reader := s.UserID()
	if msg.SenderID == reader {
		observability.IncReceipt("self")
		return false, nil
	}

	member, err := c.chats.IsParticipant(ctx, msg.ChatID, reader)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return false, fmt.Errorf("chat %d: %w", msg.ChatID, ErrNotAMember)
	}

	changed, err := c.messages.MarkRead(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("mark read %d: %w", messageID, err)
	}
	if !changed {
		observability.IncReceipt("duplicate")
		return false, nil
	}

	receipt := models.Receipt{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		ReadBy:    reader,
		ReadAt:    time.Now().UTC(),
	}
	if err := c.route(ctx, receipt); err != nil {
		// Unmark so a later read retries instead of being taken as a duplicate.
		if rbErr := c.messages.MarkUnread(ctx, messageID); rbErr != nil {
			c.logger.Error("revert read flag", "message_id", messageID, "err", rbErr)
		}
		return false, err
	}
	return true, nil
}

// route delivers receipt to the sender's sessions on the room, or queues it
// when there are none. Both happen under the room lock so a concurrent join
// either sees the queued receipt or is already a delivery target.
func (c *ReceiptCorrelator) route(ctx context.Context, receipt models.Receipt) error {
	var err error
	c.registry.withRoom(receipt.ChatID, func(st *roomState) {
		event := receiptEvent(receipt)
		delivered := false
		for target := range st.sessions {
			if target.UserID() != receipt.SenderID {
				continue
			}
			if sendErr := target.Send(event); sendErr != nil {
				c.logger.Debug("receipt delivery dropped", "message_id", receipt.MessageID, "err", sendErr)
				continue
			}
			delivered = true
		}
		if delivered {
			observability.IncReceipt("delivered")
			return
		}
		if err = c.pending.EnqueueReceipt(ctx, receipt); err != nil {
			err = fmt.Errorf("queue receipt %d: %w", receipt.MessageID, err)
			return
		}
		observability.IncReceipt("queued")
		c.logger.Debug("receipt queued", "message_id", receipt.MessageID, "chat_id", receipt.ChatID, "user_id", receipt.SenderID)
	})
	return err
}

// flushLocked sends the receipts queued for the participant of s on chat. It
// runs under the room lock from Registry.Join.
func (c *ReceiptCorrelator) flushLocked(ctx context.Context, s *Session, chat models.Chat) {
	receipts, err := c.pending.TakePendingReceipts(ctx, s.UserID(), chat.ID)
	if err != nil {
		c.logger.Error("flush pending receipts", "chat_id", chat.ID, "user_id", s.UserID(), "err", err)
		return
	}
	for i, receipt := range receipts {
		if err := s.Send(receiptEvent(receipt)); err != nil {
			c.requeue(ctx, receipts[i:])
			return
		}
		observability.IncReceipt("flushed")
	}
}

// requeue puts back receipts a dying session could not take.
func (c *ReceiptCorrelator) requeue(ctx context.Context, receipts []models.Receipt) {
	for _, receipt := range receipts {
		if err := c.pending.EnqueueReceipt(ctx, receipt); err != nil {
			c.logger.Error("requeue receipt", "message_id", receipt.MessageID, "err", err)
		}
	}
}

func receiptEvent(receipt models.Receipt) models.ReadReceiptEvent {
	return models.ReadReceiptEvent{
		Type:       models.EventReadReceipt,
		MessageID:  receipt.MessageID,
		ChatRoomID: receipt.ChatID,
		ReadBy:     receipt.ReadBy,
	}
}
