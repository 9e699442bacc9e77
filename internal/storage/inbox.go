package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"broadcastd/internal/model"
)

// DeliverInbox stores an in-app message. Delivering the same broadcast to the
// same recipient twice keeps the first row.
func (s *Store) DeliverInbox(ctx context.Context, m InboxMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.execWithRetry(ctx, `
		INSERT OR IGNORE INTO inbox (broadcast_id, recipient_id, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.BroadcastID, m.RecipientID, m.Subject, m.Body, millis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("deliver inbox: %w", err)
	}
	return nil
}

// Inbox lists a recipient's in-app messages, newest first.
func (s *Store) Inbox(ctx context.Context, recipientID string, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		ID          int64         `db:"id"`
		BroadcastID string        `db:"broadcast_id"`
		RecipientID string        `db:"recipient_id"`
		Subject     string        `db:"subject"`
		Body        string        `db:"body"`
		CreatedAt   int64         `db:"created_at"`
		ReadAt      sql.NullInt64 `db:"read_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, broadcast_id, recipient_id, subject, body, created_at, read_at
		FROM inbox WHERE recipient_id = ? ORDER BY id DESC LIMIT ?`, recipientID, limit,
	); err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	out := make([]InboxMessage, len(rows))
	for i, r := range rows {
		out[i] = InboxMessage{
			ID:          r.ID,
			BroadcastID: r.BroadcastID,
			RecipientID: r.RecipientID,
			Subject:     r.Subject,
			Body:        r.Body,
			CreatedAt:   fromMillis(r.CreatedAt),
			ReadAt:      timePtr(r.ReadAt),
		}
	}
	return out, nil
}

// MarkInboxRead stamps read_at on one message of recipientID.
func (s *Store) MarkInboxRead(ctx context.Context, recipientID string, id int64, at time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE inbox SET read_at = ? WHERE id = ? AND recipient_id = ? AND read_at IS NULL`,
		millis(at), id, recipientID,
	)
	if err != nil {
		return false, fmt.Errorf("mark inbox read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// InboxMessageFor builds the inbox row for a broadcast message.
func InboxMessageFor(broadcastID, recipientID string, msg model.Message, at time.Time) InboxMessage {
	return InboxMessage{
		BroadcastID: broadcastID,
		RecipientID: recipientID,
		Subject:     msg.Subject,
		Body:        msg.Body,
		CreatedAt:   at,
	}
}
