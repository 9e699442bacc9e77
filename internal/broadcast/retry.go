package broadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

// RetryResult is returned by RetryFailed.
type RetryResult struct {
	RetriedCount int
	TaskHandle   string
}

// RetryFailed reopens exactly the FAILED recipients of a COMPLETED broadcast
// and enqueues them again.
func (s *Service) RetryFailed(ctx context.Context, id string) (RetryResult, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return RetryResult{}, err
	}
	if b.Status != model.StatusCompleted {
		return RetryResult{}, fmt.Errorf("%w: cannot retry %s broadcast %s", ErrInvalidStateTransition, b.Status, id)
	}
	rcpts, err := s.st.ReopenFailed(ctx, id)
	if err != nil {
		return RetryResult{}, mapStoreErr(id, err)
	}
	if len(rcpts) == 0 {
		return RetryResult{}, fmt.Errorf("%w: %s", ErrNoFailedRecipients, id)
	}

	handle := uuid.NewString()
	metrics.Transition(string(model.StatusSending))
	s.audit(ctx, id, "retry", fmt.Sprintf("%d failed recipients, handle %s", len(rcpts), handle))
	s.publish(ctx, eventbus.BroadcastRetried, id, model.StatusSending, len(rcpts))
	s.log.Info("broadcast retry", logx.String("broadcast", id), logx.Int("recipients", len(rcpts)), logx.String("handle", handle))

	s.enqueue(ctx, b, rcpts)
	return RetryResult{RetriedCount: len(rcpts), TaskHandle: handle}, nil
}

// RequeueDeferred reopens the SKIPPED_QUIET_HOURS recipients whose quiet window
// has closed and enqueues them. It returns how many were reopened.
func (s *Service) RequeueDeferred(ctx context.Context, id string) (int, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if b.Status != model.StatusSending && b.Status != model.StatusCompleted {
		return 0, fmt.Errorf("%w: cannot requeue %s broadcast %s", ErrInvalidStateTransition, b.Status, id)
	}
	if s.prefs == nil {
		return 0, nil
	}

	skipped, err := s.st.Recipients(ctx, id, model.OutcomeSkippedQuietHours)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	var ready []string
	for _, r := range skipped {
		prefs, err := s.prefs.Preferences(ctx, r.ID)
		if err != nil {
			s.log.Warn("preferences lookup failed; leaving deferred", logx.String("broadcast", id), logx.String("recipient", r.ID), logx.Err(err))
			continue
		}
		if !s.quiet.Quiet(prefs, now) {
			ready = append(ready, r.ID)
		}
	}
	if len(ready) == 0 {
		return 0, nil
	}

	rcpts, err := s.st.ReopenQuietSkipped(ctx, id, ready)
	if err != nil {
		return 0, mapStoreErr(id, err)
	}
	if len(rcpts) == 0 {
		return 0, nil
	}
	if b.Status == model.StatusCompleted {
		metrics.Transition(string(model.StatusSending))
	}
	s.audit(ctx, id, "requeue", fmt.Sprintf("%d deferred recipients", len(rcpts)))
	s.publish(ctx, eventbus.BroadcastRequeued, id, model.StatusSending, len(rcpts))
	s.log.Info("deferred recipients requeued", logx.String("broadcast", id), logx.Int("recipients", len(rcpts)))

	s.enqueue(ctx, b, rcpts)
	return len(rcpts), nil
}

// Resume enqueues the PENDING recipients of a SENDING broadcast that is not
// already being fed by this process. Recipients queued or in flight are
// skipped by the dispatcher.
func (s *Service) Resume(ctx context.Context, id string) (int, error) {
	if s.isFeeding(id) {
		return 0, nil
	}
	b, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if b.Status != model.StatusSending {
		return 0, nil
	}
	rcpts, err := s.st.Recipients(ctx, id, model.OutcomePending)
	if err != nil {
		return 0, err
	}
	if len(rcpts) == 0 {
		// Every row is resolved but the completion write was lost.
		_, err := s.tracker.TryComplete(ctx, id)
		return 0, err
	}
	if s.disp == nil {
		return 0, nil
	}
	s.enqueue(ctx, b, rcpts)
	return len(rcpts), nil
}

// DueScheduled lists SCHEDULED broadcasts whose time has come.
func (s *Service) DueScheduled(ctx context.Context) ([]string, error) {
	return s.st.DueScheduled(ctx, s.clock.Now())
}

// Deferred lists broadcasts holding SKIPPED_QUIET_HOURS recipients.
func (s *Service) Deferred(ctx context.Context) ([]string, error) {
	return s.st.BroadcastsWithOutcome(ctx, model.OutcomeSkippedQuietHours, model.StatusSending, model.StatusCompleted)
}

// Resumable lists SENDING broadcasts that still have PENDING recipients or
// are settled but were never marked COMPLETED.
func (s *Service) Resumable(ctx context.Context) ([]string, error) {
	pending, err := s.st.BroadcastsWithOutcome(ctx, model.OutcomePending, model.StatusSending)
	if err != nil {
		return nil, err
	}
	settled, err := s.st.SettledSending(ctx)
	if err != nil {
		return nil, err
	}
	return append(pending, settled...), nil
}
