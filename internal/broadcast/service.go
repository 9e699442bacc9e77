// Package broadcast owns the broadcast lifecycle: create, start, cancel,
// operator retry and the quiet-hours deferral pass.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"broadcastd/internal/directory"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/gate"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/progress"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// Dispatcher accepts deliveries for the worker pool. *dispatch.Pool satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, job dispatch.Job, recipients []model.Recipient) (int, error)
	MarkCancelled(id string)
}

type Options struct {
	Store    *storage.Store
	Resolver directory.Resolver
	// Prefs and Quiet are used by the deferral pass.
	Prefs   directory.PreferenceStore
	Quiet   gate.QuietHoursGate
	Tracker *progress.Tracker
	// Dispatcher may be nil: the service then only performs state transitions
	// and a running daemon dispatches the PENDING rows on its next resume pass.
	Dispatcher Dispatcher
	Bus        eventbus.Bus
	Clock      gate.Clock
	Log        logx.Logger

	// WaitInterval is the polling period of Wait (default 200ms).
	WaitInterval time.Duration
}

type Service struct {
	st       *storage.Store
	resolver directory.Resolver
	prefs    directory.PreferenceStore
	quiet    gate.QuietHoursGate
	tracker  *progress.Tracker
	disp     Dispatcher
	bus      eventbus.Bus
	clock    gate.Clock
	log      logx.Logger
	validate *validator.Validate
	waitPoll time.Duration

	mu      sync.Mutex
	feeding map[string]int
	feeders sync.WaitGroup
}

func New(o Options) *Service {
	if o.Clock == nil {
		o.Clock = gate.SystemClock{}
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	if o.Quiet == nil {
		o.Quiet = gate.NewQuietHours(time.Local)
	}
	if o.Tracker == nil {
		o.Tracker = progress.New(o.Store, o.Clock, o.Bus, o.Log)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 200 * time.Millisecond
	}
	return &Service{
		st:       o.Store,
		resolver: o.Resolver,
		prefs:    o.Prefs,
		quiet:    o.Quiet,
		tracker:  o.Tracker,
		disp:     o.Dispatcher,
		bus:      o.Bus,
		clock:    o.Clock,
		log:      o.Log.With(logx.String("comp", "broadcast")),
		validate: newValidator(),
		waitPoll: o.WaitInterval,
		feeding:  map[string]int{},
	}
}

type actorKey struct{}

// WithActor tags ctx with the operator name recorded in the audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorOf(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// Create validates req and stores a DRAFT broadcast, or SCHEDULED when
// ScheduledAt is in the future. No recipients are resolved.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Broadcast, error) {
	req, err := normalize(s.validate, req)
	if err != nil {
		return model.Broadcast{}, err
	}
	now := s.clock.Now()
	if req.CreatedBy == "" {
		req.CreatedBy = actorOf(ctx)
	}

	b := model.Broadcast{
		ID:           uuid.NewString(),
		CreatedBy:    req.CreatedBy,
		TargetGroup:  req.TargetGroup,
		TargetFilter: req.TargetFilter,
		Message:      req.Message,
		Channel:      req.Channel,
		EventType:    req.EventType,
		Status:       model.StatusDraft,
		CreatedAt:    now,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		b.ScheduledAt = &at
		if at.After(now) {
			b.Status = model.StatusScheduled
		}
	}
	if err := s.st.CreateBroadcast(ctx, b); err != nil {
		return model.Broadcast{}, err
	}
	metrics.Transition(string(b.Status))
	s.audit(ctx, b.ID, "create", fmt.Sprintf("%s to %s via %s", b.Status, b.TargetGroup, b.Channel))
	s.publish(ctx, eventbus.BroadcastCreated, b.ID, b.Status, 0)
	s.log.Info("broadcast created", logx.String("broadcast", b.ID), logx.String("status", string(b.Status)),
		logx.String("target", string(b.TargetGroup)), logx.String("channel", string(b.Channel)))
	return b, nil
}

// Start resolves and snapshots the audience, moves the broadcast to SENDING
// and enqueues every recipient. Allowed from DRAFT and SCHEDULED only.
func (s *Service) Start(ctx context.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != model.StatusDraft && b.Status != model.StatusScheduled {
		return fmt.Errorf("%w: cannot start %s broadcast %s", ErrInvalidStateTransition, b.Status, id)
	}

	rcpts, err := s.resolver.Resolve(ctx, b.TargetGroup, b.TargetFilter)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	total, err := s.st.BeginSending(ctx, id, rcpts, s.clock.Now())
	if err != nil {
		return mapStoreErr(id, err)
	}
	metrics.Transition(string(model.StatusSending))
	s.audit(ctx, id, "start", fmt.Sprintf("%d recipients", total))
	s.publish(ctx, eventbus.BroadcastStarted, id, model.StatusSending, total)
	s.log.Info("broadcast started", logx.String("broadcast", id), logx.Int("recipients", total))

	if total == 0 {
		_, err := s.tracker.TryComplete(ctx, id)
		return err
	}
	s.enqueue(ctx, b, rcpts)
	return nil
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	CancelledAt time.Time
	// Skipped is the number of PENDING recipients flipped to SKIPPED_CANCELLED.
	Skipped int
}

// Cancel stops a DRAFT, SCHEDULED or SENDING broadcast. Sends already in flight
// complete but their outcome is discarded.
func (s *Service) Cancel(ctx context.Context, id string) (CancelResult, error) {
	now := s.clock.Now()
	n, err := s.st.Cancel(ctx, id, now)
	if err != nil {
		return CancelResult{}, mapStoreErr(id, err)
	}
	if s.disp != nil {
		s.disp.MarkCancelled(id)
	}
	metrics.Transition(string(model.StatusCancelled))
	s.audit(ctx, id, "cancel", fmt.Sprintf("%d pending skipped", n))
	s.publish(ctx, eventbus.BroadcastCancelled, id, model.StatusCancelled, n)
	s.log.Info("broadcast cancelled", logx.String("broadcast", id), logx.Int("skipped", n))
	return CancelResult{CancelledAt: now, Skipped: n}, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Broadcast, error) {
	b, err := s.st.GetBroadcast(ctx, id)
	if err != nil {
		return model.Broadcast{}, mapStoreErr(id, err)
	}
	return b, nil
}

func (s *Service) List(ctx context.Context, f storage.ListFilter) ([]model.Broadcast, error) {
	return s.st.ListBroadcasts(ctx, f)
}

// Progress is a pure read of the broadcast counters and error summary.
func (s *Service) Progress(ctx context.Context, id string) (model.Progress, error) {
	p, err := s.tracker.Snapshot(ctx, id)
	if err != nil {
		return model.Progress{}, mapStoreErr(id, err)
	}
	return p, nil
}

// Outcomes lists the per-recipient rows, optionally restricted to some outcomes.
func (s *Service) Outcomes(ctx context.Context, id string, only ...model.Outcome) ([]model.DeliveryOutcome, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.st.Outcomes(ctx, id, only...)
}

func (s *Service) Audit(ctx context.Context, id string) ([]storage.AuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.st.Audit(ctx, id)
}

// Wait blocks until the broadcast is no longer SENDING.
func (s *Service) Wait(ctx context.Context, id string) (model.Broadcast, error) {
	t := time.NewTicker(s.waitPoll)
	defer t.Stop()
	for {
		b, err := s.Get(ctx, id)
		if err != nil {
			return model.Broadcast{}, err
		}
		if b.Status != model.StatusSending {
			return b, nil
		}
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-t.C:
		}
	}
}

// Close waits for background enqueueing to finish. The dispatcher must be
// stopping or draining, otherwise Close can block on a full queue.
func (s *Service) Close() { s.feeders.Wait() }

// enqueue hands recipients to the dispatcher in the background so callers
// never block on a full queue.
func (s *Service) enqueue(ctx context.Context, b model.Broadcast, rcpts []model.Recipient) {
	if s.disp == nil {
		s.log.Info("no dispatcher attached; leaving recipients pending for the daemon",
			logx.String("broadcast", b.ID), logx.Int("recipients", len(rcpts)))
		return
	}
	s.mu.Lock()
	s.feeding[b.ID]++
	s.mu.Unlock()

	job := dispatch.JobOf(b)
	bctx := context.WithoutCancel(ctx)
	s.feeders.Add(1)
	go func() {
		defer s.feeders.Done()
		defer func() {
			s.mu.Lock()
			if s.feeding[b.ID]--; s.feeding[b.ID] <= 0 {
				delete(s.feeding, b.ID)
			}
			s.mu.Unlock()
		}()
		n, err := s.disp.Submit(bctx, job, rcpts)
		switch {
		case err == nil:
			s.log.Debug("recipients enqueued", logx.String("broadcast", b.ID), logx.Int("enqueued", n), logx.Int("offered", len(rcpts)))
		case errors.Is(err, dispatch.ErrStopping), errors.Is(err, dispatch.ErrStopped):
			s.log.Info("dispatcher stopping; remaining recipients stay pending", logx.String("broadcast", b.ID), logx.Int("enqueued", n))
		default:
			s.log.Warn("enqueue failed; remaining recipients stay pending", logx.String("broadcast", b.ID), logx.Int("enqueued", n), logx.Err(err))
		}
	}()
}

func (s *Service) isFeeding(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeding[id] > 0
}

func (s *Service) audit(ctx context.Context, id, action, detail string) {
	err := s.st.AppendAudit(context.WithoutCancel(ctx), storage.AuditEntry{
		At: s.clock.Now(), Actor: actorOf(ctx), Action: action, BroadcastID: id, Detail: detail,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("broadcast", id), logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(ctx context.Context, typ, id string, status model.Status, n int) {
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.clock.Now(),
		Data: eventbus.BroadcastEvent{BroadcastID: id, Status: string(status), Actor: actorOf(ctx), Recipients: n},
	})
}
