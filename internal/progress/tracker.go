// Package progress keeps a broadcast's counters consistent with its outcome
// rows and performs the completion transition.
package progress

import (
	"context"
	"time"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/gate"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// RecentErrors is the number of error log entries included in a snapshot.
const RecentErrors = 10

// Tracker records per-recipient outcomes. Counters only ever change through
// the store's atomic statements; Tracker holds no counter state of its own.
type Tracker struct {
	st    *storage.Store
	clock gate.Clock
	bus   eventbus.Bus
	log   logx.Logger
}

func New(st *storage.Store, clock gate.Clock, bus eventbus.Bus, log logx.Logger) *Tracker {
	if clock == nil {
		clock = gate.SystemClock{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Tracker{st: st, clock: clock, bus: bus, log: log.With(logx.String("comp", "progress"))}
}

// Result tells what a Record call changed.
type Result struct {
	// Applied is false when the outcome row was no longer PENDING.
	Applied bool
	// Completed is true for the one caller that moved the broadcast to COMPLETED.
	Completed bool
}

// Entry is one terminal outcome reported by a dispatch worker.
type Entry struct {
	BroadcastID string
	Recipient   model.Recipient
	Channel     model.Channel
	Outcome     model.Outcome
	Reason      string
	Attempts    int
	AttemptedAt time.Time
}

// Record stores a terminal outcome for one recipient and, when it was the last
// pending one, completes the broadcast.
func (t *Tracker) Record(ctx context.Context, e Entry) (Result, error) {
	applied, err := t.st.RecordOutcome(ctx, storage.OutcomeRecord{
		BroadcastID: e.BroadcastID,
		RecipientID: e.Recipient.ID,
		Outcome:     e.Outcome,
		Error:       e.Reason,
		Attempts:    e.Attempts,
		AttemptedAt: e.AttemptedAt,
		ResolvedAt:  t.clock.Now(),
	})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		t.log.Debug("outcome discarded; recipient no longer pending",
			logx.String("broadcast", e.BroadcastID), logx.String("recipient", e.Recipient.ID), logx.String("outcome", string(e.Outcome)))
		return Result{}, nil
	}
	metrics.Outcome(string(e.Channel), string(e.Outcome))

	done, err := t.TryComplete(ctx, e.BroadcastID)
	if err != nil {
		return Result{Applied: true}, err
	}
	return Result{Applied: true, Completed: done}, nil
}

// TryComplete runs the guarded completion transition.
func (t *Tracker) TryComplete(ctx context.Context, broadcastID string) (bool, error) {
	done, err := t.st.TryComplete(ctx, broadcastID, t.clock.Now())
	if err != nil || !done {
		return false, err
	}
	metrics.Transition(string(model.StatusCompleted))
	t.log.Info("broadcast completed", logx.String("broadcast", broadcastID))
	t.bus.Publish(eventbus.Event{
		Type: eventbus.BroadcastCompleted,
		Data: eventbus.BroadcastEvent{BroadcastID: broadcastID, Status: string(model.StatusCompleted)},
	})
	return true, nil
}

// Snapshot is a pure read of the broadcast's progress.
func (t *Tracker) Snapshot(ctx context.Context, broadcastID string) (model.Progress, error) {
	b, err := t.st.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return model.Progress{}, err
	}
	sum, err := t.st.ErrorSummary(ctx, broadcastID, RecentErrors)
	if err != nil {
		return model.Progress{}, err
	}
	return model.NewProgress(b, sum), nil
}
