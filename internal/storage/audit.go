package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO audit (at, actor, action, broadcast_id, detail) VALUES (?, ?, ?, ?, ?)`,
		millis(e.At), e.Actor, e.Action, e.BroadcastID, nullStr(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Audit returns the audit trail of a broadcast, oldest first.
func (s *Store) Audit(ctx context.Context, broadcastID string) ([]AuditEntry, error) {
	var rows []struct {
		At          int64          `db:"at"`
		Actor       string         `db:"actor"`
		Action      string         `db:"action"`
		BroadcastID string         `db:"broadcast_id"`
		Detail      sql.NullString `db:"detail"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT at, actor, action, broadcast_id, detail FROM audit
		WHERE broadcast_id = ? ORDER BY id`, broadcastID,
	); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out := make([]AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = AuditEntry{
			At:          fromMillis(r.At),
			Actor:       r.Actor,
			Action:      r.Action,
			BroadcastID: r.BroadcastID,
			Detail:      r.Detail.String,
		}
	}
	return out, nil
}
