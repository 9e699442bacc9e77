package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"broadcastd/internal/model"
)

type outcomeRow struct {
	BroadcastID  string         `db:"broadcast_id"`
	RecipientID  string         `db:"recipient_id"`
	Audience     string         `db:"audience"`
	Channel      string         `db:"channel"`
	Outcome      string         `db:"outcome"`
	ErrorMessage sql.NullString `db:"error_message"`
	Attempts     int            `db:"attempts"`
	AttemptedAt  sql.NullInt64  `db:"attempted_at"`
	ResolvedAt   sql.NullInt64  `db:"resolved_at"`
}

func (r outcomeRow) model() model.DeliveryOutcome {
	o := model.DeliveryOutcome{
		BroadcastID: r.BroadcastID,
		RecipientID: r.RecipientID,
		Audience:    model.Audience(r.Audience),
		Channel:     model.Channel(r.Channel),
		Outcome:     model.Outcome(r.Outcome),
		Attempts:    r.Attempts,
		AttemptedAt: timePtr(r.AttemptedAt),
		ResolvedAt:  timePtr(r.ResolvedAt),
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		o.ErrorMessage = &msg
	}
	return o
}

// counterColumn maps a terminal outcome to the broadcast counter it feeds.
func counterColumn(o model.Outcome) (string, error) {
	switch {
	case o == model.OutcomeSent:
		return "sent_count", nil
	case o == model.OutcomeFailed:
		return "failed_count", nil
	case o.Skipped():
		return "skipped_count", nil
	}
	return "", fmt.Errorf("storage: %q is not a terminal outcome", o)
}

// RecordOutcome moves one PENDING outcome to its terminal state and bumps the
// matching counter in the same transaction. FAILED also appends to the error
// log. It returns false when the row was no longer PENDING (cancelled, or
// already recorded), in which case nothing changes.
func (s *Store) RecordOutcome(ctx context.Context, rec OutcomeRecord) (bool, error) {
	col, err := counterColumn(rec.Outcome)
	if err != nil {
		return false, err
	}
	var applied bool
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx, `
			UPDATE delivery_outcomes
			SET outcome = ?, error_message = ?, attempts = attempts + ?, attempted_at = ?, resolved_at = ?
			WHERE broadcast_id = ? AND recipient_id = ? AND outcome = ?`,
			string(rec.Outcome), nullStr(rec.Error), rec.Attempts,
			nullMillis(&rec.AttemptedAt), millis(rec.ResolvedAt),
			rec.BroadcastID, rec.RecipientID, string(model.OutcomePending),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET `+col+` = `+col+` + 1 WHERE id = ?`, rec.BroadcastID,
		); err != nil {
			return err
		}

		if rec.Outcome == model.OutcomeFailed {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO error_log (broadcast_id, recipient_id, reason, at) VALUES (?, ?, ?, ?)`,
				rec.BroadcastID, rec.RecipientID, rec.Error, millis(rec.ResolvedAt),
			); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record outcome %s/%s: %w", rec.BroadcastID, rec.RecipientID, err)
	}
	return applied, nil
}

// Outcomes lists the outcome rows of a broadcast, optionally restricted to the
// given states.
func (s *Store) Outcomes(ctx context.Context, id string, only ...model.Outcome) ([]model.DeliveryOutcome, error) {
	query := `SELECT broadcast_id, recipient_id, audience, channel, outcome, error_message,
		attempts, attempted_at, resolved_at FROM delivery_outcomes WHERE broadcast_id = ?`
	args := []any{id}
	if len(only) > 0 {
		names := make([]string, len(only))
		for i, o := range only {
			names[i] = string(o)
		}
		q, a, err := sqlx.In(` AND outcome IN (?)`, names)
		if err != nil {
			return nil, err
		}
		query += q
		args = append(args, a...)
	}
	query += ` ORDER BY recipient_id`

	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	out := make([]model.DeliveryOutcome, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

// Recipients returns the recipients of a broadcast whose outcome is o.
func (s *Store) Recipients(ctx context.Context, id string, o model.Outcome) ([]model.Recipient, error) {
	var out []model.Recipient
	err := s.retryOnBusy(ctx, func() error {
		var err error
		out, err = recipientsIn(ctx, s.db, id, o)
		return err
	})
	return out, err
}

func recipientsIn(ctx context.Context, q sqlx.QueryerContext, id string, o model.Outcome) ([]model.Recipient, error) {
	var rows []struct {
		ID       string `db:"recipient_id"`
		Audience string `db:"audience"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT recipient_id, audience FROM delivery_outcomes
		WHERE broadcast_id = ? AND outcome = ?
		ORDER BY recipient_id`,
		id, string(o),
	)
	if err != nil {
		return nil, fmt.Errorf("recipients in %s: %w", o, err)
	}
	out := make([]model.Recipient, len(rows))
	for i, r := range rows {
		out[i] = model.Recipient{ID: r.ID, Audience: model.Audience(r.Audience)}
	}
	return out, nil
}

// ErrorSummary aggregates the error log: total, counts per reason and the
// most recent entries, newest first.
func (s *Store) ErrorSummary(ctx context.Context, id string, recent int) (model.ErrorSummary, error) {
	sum := model.ErrorSummary{ByReason: map[string]int{}}

	var counts []struct {
		Reason string `db:"reason"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts,
		`SELECT reason, COUNT(*) AS n FROM error_log WHERE broadcast_id = ? GROUP BY reason`, id,
	); err != nil {
		return model.ErrorSummary{}, fmt.Errorf("error summary: %w", err)
	}
	for _, c := range counts {
		sum.ByReason[c.Reason] = c.N
		sum.Total += c.N
	}
	if sum.Total == 0 || recent <= 0 {
		return sum, nil
	}

	var rows []struct {
		RecipientID string `db:"recipient_id"`
		Reason      string `db:"reason"`
		At          int64  `db:"at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT recipient_id, reason, at FROM error_log
		WHERE broadcast_id = ? ORDER BY id DESC LIMIT ?`, id, recent,
	); err != nil {
		return model.ErrorSummary{}, fmt.Errorf("recent errors: %w", err)
	}
	for _, r := range rows {
		sum.Recent = append(sum.Recent, model.ErrorLogEntry{
			RecipientID: r.RecipientID,
			Reason:      r.Reason,
			Timestamp:   fromMillis(r.At),
		})
	}
	return sum, nil
}

// OutcomeOf returns the current state of one outcome row.
func (s *Store) OutcomeOf(ctx context.Context, broadcastID, recipientID string) (model.Outcome, error) {
	var o string
	err := s.db.GetContext(ctx, &o,
		`SELECT outcome FROM delivery_outcomes WHERE broadcast_id = ? AND recipient_id = ?`,
		broadcastID, recipientID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("outcome of %s/%s: %w", broadcastID, recipientID, err)
	}
	return model.Outcome(o), nil
}
