package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"broadcastd/internal/model"
)

type broadcastRow struct {
	ID           string        `db:"id"`
	CreatedBy    string        `db:"created_by"`
	TargetGroup  string        `db:"target_group"`
	TargetFilter string        `db:"target_filter"`
	Subject      string        `db:"subject"`
	Body         string        `db:"body"`
	Channel      string        `db:"channel"`
	EventType    string        `db:"event_type"`
	ScheduledAt  sql.NullInt64 `db:"scheduled_at"`
	Status       string        `db:"status"`
	Total        int           `db:"total_recipients"`
	Sent         int           `db:"sent_count"`
	Failed       int           `db:"failed_count"`
	Skipped      int           `db:"skipped_count"`
	CreatedAt    int64         `db:"created_at"`
	SentAt       sql.NullInt64 `db:"sent_at"`
	CompletedAt  sql.NullInt64 `db:"completed_at"`
	CancelledAt  sql.NullInt64 `db:"cancelled_at"`
}

const broadcastColumns = `id, created_by, target_group, target_filter, subject, body, channel, event_type,
	scheduled_at, status, total_recipients, sent_count, failed_count, skipped_count,
	created_at, sent_at, completed_at, cancelled_at`

func (r broadcastRow) model() (model.Broadcast, error) {
	filter, err := model.DecodeFilter(r.TargetFilter)
	if err != nil {
		return model.Broadcast{}, fmt.Errorf("decode target filter of %s: %w", r.ID, err)
	}
	return model.Broadcast{
		ID:              r.ID,
		CreatedBy:       r.CreatedBy,
		TargetGroup:     model.TargetGroup(r.TargetGroup),
		TargetFilter:    filter,
		Message:         model.Message{Subject: r.Subject, Body: r.Body},
		Channel:         model.Channel(r.Channel),
		EventType:       model.EventType(r.EventType),
		ScheduledAt:     timePtr(r.ScheduledAt),
		Status:          model.Status(r.Status),
		TotalRecipients: r.Total,
		SentCount:       r.Sent,
		FailedCount:     r.Failed,
		SkippedCount:    r.Skipped,
		CreatedAt:       fromMillis(r.CreatedAt),
		SentAt:          timePtr(r.SentAt),
		CompletedAt:     timePtr(r.CompletedAt),
		CancelledAt:     timePtr(r.CancelledAt),
	}, nil
}

// CreateBroadcast inserts a new broadcast row. Counters start at zero.
func (s *Store) CreateBroadcast(ctx context.Context, b model.Broadcast) error {
	filter, err := model.EncodeFilter(b.TargetFilter)
	if err != nil {
		return fmt.Errorf("encode target filter: %w", err)
	}
	_, err = s.execWithRetry(ctx, `
		INSERT INTO broadcasts (id, created_by, target_group, target_filter, subject, body,
			channel, event_type, scheduled_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.CreatedBy, string(b.TargetGroup), filter, b.Message.Subject, b.Message.Body,
		string(b.Channel), string(b.EventType), nullMillis(b.ScheduledAt), string(b.Status), millis(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

func (s *Store) GetBroadcast(ctx context.Context, id string) (model.Broadcast, error) {
	var row broadcastRow
	err := s.db.GetContext(ctx, &row, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Broadcast{}, ErrNotFound
	}
	if err != nil {
		return model.Broadcast{}, fmt.Errorf("get broadcast: %w", err)
	}
	return row.model()
}

// ListBroadcasts returns broadcasts newest first.
func (s *Store) ListBroadcasts(ctx context.Context, f ListFilter) ([]model.Broadcast, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		q, a, err := sqlx.In(`status IN (?)`, statusStrings(f.Statuses))
		if err != nil {
			return nil, err
		}
		where = append(where, q)
		args = append(args, a...)
	}
	if f.CreatedBy != "" {
		where = append(where, `created_by = ?`)
		args = append(args, f.CreatedBy)
	}
	query := `SELECT ` + broadcastColumns + ` FROM broadcasts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []broadcastRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	out := make([]model.Broadcast, 0, len(rows))
	for _, r := range rows {
		b, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// DueScheduled returns the ids of SCHEDULED broadcasts whose time has come.
func (s *Store) DueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM broadcasts
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at, id`,
		string(model.StatusScheduled), millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("due scheduled: %w", err)
	}
	return ids, nil
}

// SettledSending returns SENDING broadcasts whose outcomes are all terminal,
// which happens when the completion write after the last outcome failed.
func (s *Store) SettledSending(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM broadcasts
		WHERE status = ? AND sent_count + failed_count + skipped_count = total_recipients
		ORDER BY created_at, id`,
		string(model.StatusSending),
	)
	if err != nil {
		return nil, fmt.Errorf("settled sending: %w", err)
	}
	return ids, nil
}

// BroadcastsWithOutcome returns the ids of broadcasts in one of statuses that
// still hold at least one outcome row in state o.
func (s *Store) BroadcastsWithOutcome(ctx context.Context, o model.Outcome, statuses ...model.Status) ([]string, error) {
	q, args, err := sqlx.In(`
		SELECT b.id FROM broadcasts b
		WHERE b.status IN (?)
		  AND EXISTS (SELECT 1 FROM delivery_outcomes d WHERE d.broadcast_id = b.id AND d.outcome = ?)
		ORDER BY b.created_at, b.id`,
		statusStrings(statuses), string(o),
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("broadcasts with %s: %w", o, err)
	}
	return ids, nil
}

// BeginSending snapshots recipients as PENDING outcomes and moves the
// broadcast from DRAFT or SCHEDULED to SENDING, all in one transaction.
// Duplicate recipient ids are stored once. It returns the total recipients.
func (s *Store) BeginSending(ctx context.Context, id string, recipients []model.Recipient, now time.Time) (int, error) {
	var total int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		total = 0
		status, channel, err := statusOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != model.StatusDraft && status != model.StatusScheduled {
			return fmt.Errorf("%w: %s is %s", ErrStateConflict, id, status)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE broadcasts SET status = ?, sent_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(model.StatusSending), millis(now), id,
			string(model.StatusDraft), string(model.StatusScheduled),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s left %s concurrently", ErrStateConflict, id, status)
		}

		stmt, err := tx.PreparexContext(ctx, `
			INSERT OR IGNORE INTO delivery_outcomes (broadcast_id, recipient_id, audience, channel, outcome)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range recipients {
			res, err := stmt.ExecContext(ctx, id, r.ID, string(r.Audience), channel, string(model.OutcomePending))
			if err != nil {
				return fmt.Errorf("insert outcome %s: %w", r.ID, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}

		_, err = tx.ExecContext(ctx, `UPDATE broadcasts SET total_recipients = ? WHERE id = ?`, total, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// TryComplete performs the guarded SENDING -> COMPLETED transition. Exactly one
// caller observes true once every recipient has a terminal outcome.
func (s *Store) TryComplete(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE broadcasts SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
		  AND sent_count + failed_count + skipped_count = total_recipients`,
		string(model.StatusCompleted), millis(now), id, string(model.StatusSending),
	)
	if err != nil {
		return false, fmt.Errorf("complete broadcast: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Cancel flips the broadcast to CANCELLED and every PENDING outcome to
// SKIPPED_CANCELLED in one transaction. It returns the number of flipped rows.
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) (int, error) {
	var flipped int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		flipped = 0
		status, _, err := statusOf(ctx, tx, id)
		if err != nil {
			return err
		}
		switch status {
		case model.StatusDraft, model.StatusScheduled, model.StatusSending:
		default:
			return fmt.Errorf("%w: %s is %s", ErrStateConflict, id, status)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE broadcasts SET status = ?, cancelled_at = ?
			WHERE id = ? AND status = ?`,
			string(model.StatusCancelled), millis(now), id, string(status),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s left %s concurrently", ErrStateConflict, id, status)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE delivery_outcomes SET outcome = ?, resolved_at = ?
			WHERE broadcast_id = ? AND outcome = ?`,
			string(model.OutcomeSkippedCancelled), millis(now), id, string(model.OutcomePending),
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		flipped = int(n)
		if flipped == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE broadcasts SET skipped_count = skipped_count + ? WHERE id = ?`, flipped, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return flipped, nil
}

// ReopenFailed resets every FAILED outcome of a COMPLETED broadcast to PENDING,
// decrements failed_count and moves the broadcast back to SENDING. When there
// is nothing to reopen the broadcast is left untouched and nil is returned.
func (s *Store) ReopenFailed(ctx context.Context, id string) ([]model.Recipient, error) {
	var reopened []model.Recipient
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		reopened = nil
		status, _, err := statusOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != model.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", ErrStateConflict, id, status)
		}

		recips, err := recipientsIn(ctx, tx, id, model.OutcomeFailed)
		if err != nil {
			return err
		}
		if len(recips) == 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE delivery_outcomes SET outcome = ?, error_message = NULL, resolved_at = NULL
			WHERE broadcast_id = ? AND outcome = ?`,
			string(model.OutcomePending), id, string(model.OutcomeFailed),
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			UPDATE broadcasts SET failed_count = failed_count - ?, status = ?, completed_at = NULL
			WHERE id = ? AND status = ?`,
			n, string(model.StatusSending), id, string(model.StatusCompleted),
		)
		if err != nil {
			return err
		}
		if m, _ := res.RowsAffected(); m != 1 {
			return fmt.Errorf("%w: %s left %s concurrently", ErrStateConflict, id, status)
		}
		reopened = recips
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

// ReopenQuietSkipped resets the SKIPPED_QUIET_HOURS outcomes of recipientIDs to
// PENDING and moves a SENDING or COMPLETED broadcast to SENDING.
func (s *Store) ReopenQuietSkipped(ctx context.Context, id string, recipientIDs []string) ([]model.Recipient, error) {
	var reopened []model.Recipient
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		reopened = nil
		status, _, err := statusOf(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != model.StatusSending && status != model.StatusCompleted {
			return fmt.Errorf("%w: %s is %s", ErrStateConflict, id, status)
		}

		want := make(map[string]struct{}, len(recipientIDs))
		for _, rid := range recipientIDs {
			want[rid] = struct{}{}
		}
		recips, err := recipientsIn(ctx, tx, id, model.OutcomeSkippedQuietHours)
		if err != nil {
			return err
		}
		for _, r := range recips {
			if _, ok := want[r.ID]; !ok {
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE delivery_outcomes SET outcome = ?, resolved_at = NULL
				WHERE broadcast_id = ? AND recipient_id = ? AND outcome = ?`,
				string(model.OutcomePending), id, r.ID, string(model.OutcomeSkippedQuietHours),
			)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				reopened = append(reopened, r)
			}
		}
		if len(reopened) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE broadcasts SET skipped_count = skipped_count - ?, status = ?, completed_at = NULL
			WHERE id = ?`,
			len(reopened), string(model.StatusSending), id,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

func statusOf(ctx context.Context, tx *sqlx.Tx, id string) (model.Status, string, error) {
	var row struct {
		Status  string `db:"status"`
		Channel string `db:"channel"`
	}
	err := tx.GetContext(ctx, &row, `SELECT status, channel FROM broadcasts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return model.Status(row.Status), row.Channel, nil
}

func statusStrings(in []model.Status) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}
