package repositories

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

// ReceiptRepository queues read receipts for senders not viewing the room.
type ReceiptRepository interface {
	EnqueueReceipt(ctx context.Context, receipt models.Receipt) error
	TakePendingReceipts(ctx context.Context, senderID int, chatID int) ([]models.Receipt, error)
}

// ReceiptRepo is a sqlx-backed receipt queue.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// EnqueueReceipt stores a receipt; a message is read at most once so the
// message id is the key.
func (r *ReceiptRepo) EnqueueReceipt(ctx context.Context, receipt models.Receipt) error {
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO pending_receipts (message_id, chat_id, sender_id, read_by, read_at) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (message_id) DO NOTHING`, receipt.MessageID, receipt.ChatID, receipt.SenderID, receipt.ReadBy, receipt.ReadAt)
	return err
}

// TakePendingReceipts removes and returns the queued receipts of a sender for
// one chat in the order they were read.
func (r *ReceiptRepo) TakePendingReceipts(ctx context.Context, senderID int, chatID int) ([]models.Receipt, error) {
	rows, err := r.db.QueryxContext(ctx, `DELETE FROM pending_receipts WHERE sender_id=$1 AND chat_id=$2
        RETURNING message_id, chat_id, sender_id, read_by, read_at`, senderID, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var receipt models.Receipt
		if err := rows.StructScan(&receipt); err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortReceipts(receipts)
	return receipts, nil
}

func sortReceipts(receipts []models.Receipt) {
	// DELETE ... RETURNING has no ORDER BY.
	sort.Slice(receipts, func(i, j int) bool {
		if !receipts[i].ReadAt.Equal(receipts[j].ReadAt) {
			return receipts[i].ReadAt.Before(receipts[j].ReadAt)
		}
		return receipts[i].MessageID < receipts[j].MessageID
	})
}
