package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/channel"
	"broadcastd/internal/directory"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/gate"
	"broadcastd/internal/model"
	"broadcastd/internal/progress"
	"broadcastd/internal/storage"
	"broadcastd/internal/testsupport"
	logx "broadcastd/pkg/logx"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	st      *storage.Store
	pool    *dispatch.Pool
	adapter *testsupport.Adapter
	clock   *gate.FixedClock
	bus     eventbus.Bus
}

func newHarness(t *testing.T, people []directory.Person, adapters ...channel.Adapter) *harness {
	t.Helper()
	st := testsupport.OpenStore(t)
	clock := gate.NewFixedClock(t0)
	bus := eventbus.New()
	roster := testsupport.Roster(t, people...)
	tracker := progress.New(st, clock, bus, logx.Nop())
	quiet := gate.NewQuietHours(time.UTC)

	fake := testsupport.NewAdapter()
	var a channel.Adapter = fake
	if len(adapters) > 0 {
		a = adapters[0]
	}
	pool := dispatch.New(dispatch.Config{
		Workers:       4,
		QueueSize:     64,
		RatePerSec:    -1,
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		RetryJitter:   -1,
		SendTimeout:   time.Second,
	}, dispatch.Deps{
		Adapters:  channel.Set{model.ChannelEmail: a, model.ChannelInApp: a, model.ChannelTelegram: a},
		Directory: roster,
		Outcomes:  st,
		Recorder:  tracker,
		Quiet:     quiet,
		Clock:     clock,
	}, logx.Nop())
	pool.Start(context.Background())

	svc := New(Options{
		Store:        st,
		Resolver:     roster,
		Prefs:        roster,
		Quiet:        quiet,
		Tracker:      tracker,
		Dispatcher:   pool,
		Bus:          bus,
		Clock:        clock,
		Log:          logx.Nop(),
		WaitInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
		svc.Close()
	})
	return &harness{svc: svc, st: st, pool: pool, adapter: fake, clock: clock, bus: bus}
}

func (h *harness) create(t *testing.T, req CreateRequest) model.Broadcast {
	t.Helper()
	if req.TargetGroup == "" {
		req.TargetGroup = model.TargetStudents
	}
	if req.Message.Body == "" {
		req.Message = model.Message{Subject: "Notice", Body: "School closes early"}
	}
	if req.Channel == "" {
		req.Channel = model.ChannelEmail
	}
	b, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return b
}

func (h *harness) settle(t *testing.T, id string) model.Progress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	p, err := h.svc.Progress(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	h := newHarness(t, testsupport.Students(1))
	ctx := WithActor(context.Background(), "ops")

	b, err := h.svc.Create(ctx, CreateRequest{TargetGroup: "students", Message: model.Message{Body: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, b.Status)
	assert.Equal(t, model.TargetStudents, b.TargetGroup)
	assert.Equal(t, model.ChannelInApp, b.Channel)
	assert.Equal(t, model.EventAnnouncement, b.EventType)
	assert.Equal(t, "ops", b.CreatedBy)
	assert.NotEmpty(t, b.ID)

	later := t0.Add(time.Hour)
	b, err = h.svc.Create(ctx, CreateRequest{TargetGroup: model.TargetAll, Message: model.Message{Body: "hi"}, ScheduledAt: &later})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, b.Status)

	earlier := t0.Add(-time.Hour)
	b, err = h.svc.Create(ctx, CreateRequest{TargetGroup: model.TargetAll, Message: model.Message{Body: "hi"}, ScheduledAt: &earlier})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, b.Status)

	audit, err := h.svc.Audit(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "create", audit[0].Action)
	assert.Equal(t, "ops", audit[0].Actor)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{"empty body", CreateRequest{TargetGroup: model.TargetAll, Message: model.Message{Body: "  "}}, "Body is required"},
		{"unknown group", CreateRequest{TargetGroup: "ALUMNI", Message: model.Message{Body: "x"}}, "TargetGroup must be one of"},
		{"unknown channel", CreateRequest{TargetGroup: model.TargetAll, Channel: "sms", Message: model.Message{Body: "x"}}, "Channel must be one of"},
		{"unknown event", CreateRequest{TargetGroup: model.TargetAll, EventType: "gossip", Message: model.Message{Body: "x"}}, "EventType must be one of"},
		{"custom without ids", CreateRequest{TargetGroup: model.TargetCustom, Message: model.Message{Body: "x"}}, "ids is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), tc.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Error(), tc.want)
		})
	}
}

func TestScenarioAllSucceed(t *testing.T) {
	h := newHarness(t, testsupport.Students(3))
	b := h.create(t, CreateRequest{})

	require.NoError(t, h.svc.Start(context.Background(), b.ID))
	p := h.settle(t, b.ID)

	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Sent)
	assert.Zero(t, p.Failed)
	assert.Zero(t, p.Skipped)
	assert.Zero(t, p.Pending)
	assert.Equal(t, 100.0, p.ProgressPct)
}

func TestScenarioPartialFailureThenRetry(t *testing.T) {
	h := newHarness(t, testsupport.Students(100))
	for i := 1; i <= 10; i++ {
		h.adapter.FailAlways(fmt.Sprintf("s%02d", i), channel.Permanent(errors.New("invalid address")))
	}
	b := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))

	p := h.settle(t, b.ID)
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 90, p.Sent)
	assert.Equal(t, 10, p.Failed)
	assert.Equal(t, 10, p.ErrorSummary.Total)
	assert.Equal(t, 10, p.ErrorSummary.ByReason["invalid address"])
	assert.Len(t, p.ErrorSummary.Recent, progress.RecentErrors)

	h.adapter.Clear()
	res, err := h.svc.RetryFailed(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, res.RetriedCount)
	assert.NotEmpty(t, res.TaskHandle)

	p = h.settle(t, b.ID)
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 100, p.Sent)
	assert.Zero(t, p.Failed)
	assert.Zero(t, p.Pending)

	for i := 11; i <= 100; i++ {
		assert.Equal(t, 1, h.adapter.Calls(fmt.Sprintf("s%02d", i)), "successful recipients are not resent")
	}
}

func TestScenarioCancelMidFlight(t *testing.T) {
	const total, before = 1000, 50
	var calls atomic.Int64
	release := make(chan struct{})
	adapter := channel.AdapterFunc(func(ctx context.Context, d channel.Delivery) error {
		if calls.Add(1) <= before {
			return nil
		}
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	people := make([]directory.Person, total)
	for i := range people {
		people[i] = directory.Person{ID: fmt.Sprintf("p%04d", i), Role: directory.RoleStudent, Email: "x@school.test", Preferences: model.DefaultPreferences()}
	}
	h := newHarness(t, people, adapter)
	b := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))

	require.Eventually(t, func() bool {
		p, err := h.svc.Progress(context.Background(), b.ID)
		return err == nil && p.Sent == before
	}, 10*time.Second, 2*time.Millisecond)

	res, err := h.svc.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, res.CancelledAt)
	assert.Equal(t, total-before, res.Skipped)
	close(release)

	require.Eventually(t, func() bool { return h.pool.Tracked() == 0 }, 10*time.Second, 5*time.Millisecond)
	p, err := h.svc.Progress(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, p.Status)
	assert.Equal(t, before, p.Sent)
	assert.Equal(t, total-before, p.Skipped)
	assert.Zero(t, p.Failed)
	assert.Zero(t, p.Pending)

	skipped, err := h.svc.Outcomes(context.Background(), b.ID, model.OutcomeSkippedCancelled)
	require.NoError(t, err)
	assert.Len(t, skipped, total-before)

	_, err = h.svc.RetryFailed(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestScenarioPreferenceSkipIsNotAnError(t *testing.T) {
	people := testsupport.Students(2)
	people[0].Preferences.EmailNotifications = false
	h := newHarness(t, people)
	b := h.create(t, CreateRequest{EventType: model.EventFeedback})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))

	p := h.settle(t, b.ID)
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 1, p.Sent)
	assert.Equal(t, 1, p.Skipped)
	assert.Zero(t, p.Failed)
	assert.Zero(t, p.ErrorSummary.Total)

	rows, err := h.svc.Outcomes(context.Background(), b.ID, model.OutcomeSkippedPreference)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s01", rows[0].RecipientID)
	assert.Zero(t, h.adapter.Calls("s01"))
}

func TestParentAudienceUsesParentPreferences(t *testing.T) {
	people := testsupport.Students(1)
	people[0].Parents = []string{"par1"}
	people = append(people, directory.Person{
		ID: "par1", Role: directory.RoleParent, Email: "par1@home.test",
		Preferences: model.Preferences{EmailNotifications: true, ParentNotifications: false, FeedbackNotifications: true},
	})
	h := newHarness(t, people)
	b := h.create(t, CreateRequest{TargetFilter: model.Filter{"include_parents": true}})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))

	p := h.settle(t, b.ID)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.Sent)
	assert.Equal(t, 1, p.Skipped)
	assert.Zero(t, h.adapter.Calls("par1"))
}

func TestQuietHoursDeferralIsRequeued(t *testing.T) {
	people := testsupport.Students(2)
	people[1].Preferences.QuietHoursEnabled = true
	people[1].Preferences.QuietHoursStart = model.NewTimeOfDay(11, 0)
	people[1].Preferences.QuietHoursEnd = model.NewTimeOfDay(13, 0)
	h := newHarness(t, people)
	ctx := context.Background()

	b := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(ctx, b.ID))
	p := h.settle(t, b.ID)
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 1, p.Skipped)

	ids, err := h.svc.Deferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)

	n, err := h.svc.RequeueDeferred(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "window still open")

	h.clock.Set(t0.Add(2 * time.Hour))
	n, err = h.svc.RequeueDeferred(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p = h.settle(t, b.ID)
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 2, p.Sent)
	assert.Zero(t, p.Skipped)
}

func TestInAppDeliveryIsNotDeferred(t *testing.T) {
	people := testsupport.Students(1)
	people[0].Preferences.QuietHoursEnabled = true
	people[0].Preferences.QuietHoursStart = model.NewTimeOfDay(11, 0)
	people[0].Preferences.QuietHoursEnd = model.NewTimeOfDay(13, 0)
	h := newHarness(t, people)

	b := h.create(t, CreateRequest{Channel: model.ChannelInApp})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))
	p := h.settle(t, b.ID)
	assert.Equal(t, 1, p.Sent)
}

func TestEmptyAudienceCompletesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	b := h.create(t, CreateRequest{TargetGroup: model.TargetTeachers})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))

	got, err := h.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Zero(t, got.TotalRecipients)

	p, err := h.svc.Progress(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.ProgressPct)
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(t, testsupport.Students(2))
	ctx := context.Background()

	draft := h.create(t, CreateRequest{})
	later := t0.Add(time.Hour)
	scheduled := h.create(t, CreateRequest{ScheduledAt: &later})

	completed := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(ctx, completed.ID))
	h.settle(t, completed.ID)

	cancelled := h.create(t, CreateRequest{})
	_, err := h.svc.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	h.adapter.Hold()
	sending := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(ctx, sending.ID))
	defer h.adapter.Release()

	for _, id := range []string{completed.ID, cancelled.ID} {
		_, err := h.svc.Cancel(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidStateTransition, "cancel %s", id)
	}
	for _, id := range []string{draft.ID, scheduled.ID, sending.ID, cancelled.ID} {
		_, err := h.svc.RetryFailed(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidStateTransition, "retry %s", id)
	}
	for _, id := range []string{sending.ID, completed.ID, cancelled.ID} {
		assert.ErrorIs(t, h.svc.Start(ctx, id), ErrInvalidStateTransition, "start %s", id)
	}

	_, err = h.svc.RetryFailed(ctx, completed.ID)
	assert.ErrorIs(t, err, ErrNoFailedRecipients)

	_, err = h.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.RetryFailed(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Progress(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.svc.Start(ctx, "missing"), ErrNotFound)

	// Cancel is allowed from DRAFT, SCHEDULED and SENDING.
	for _, id := range []string{draft.ID, scheduled.ID, sending.ID} {
		_, err := h.svc.Cancel(ctx, id)
		assert.NoError(t, err, "cancel %s", id)
	}
}

func TestProgressIsReadOnly(t *testing.T) {
	h := newHarness(t, testsupport.Students(3))
	b := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))
	first := h.settle(t, b.ID)
	for i := 0; i < 5; i++ {
		p, err := h.svc.Progress(context.Background(), b.ID)
		require.NoError(t, err)
		assert.Equal(t, first, p)
	}
}

func TestCountersStayConsistentUnderLoad(t *testing.T) {
	people := testsupport.Students(60)
	for i := range people {
		switch i % 4 {
		case 1:
			people[i].Preferences.EmailNotifications = false
		case 2:
			people[i].Preferences.QuietHoursEnabled = true
			people[i].Preferences.QuietHoursStart = model.NewTimeOfDay(0, 0)
			people[i].Preferences.QuietHoursEnd = model.NewTimeOfDay(23, 0)
		}
	}
	h := newHarness(t, people)
	for i := 3; i < 60; i += 4 {
		h.adapter.FailAlways(people[i].ID, channel.Permanent(errors.New("bounced")))
	}
	events, unsub := h.bus.Subscribe(256)
	defer unsub()

	b := h.create(t, CreateRequest{})
	require.NoError(t, h.svc.Start(context.Background(), b.ID))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			p, err := h.svc.Progress(context.Background(), b.ID)
			if assert.NoError(t, err) {
				assert.Equal(t, p.Total, p.Sent+p.Failed+p.Skipped+p.Pending)
				assert.GreaterOrEqual(t, p.Pending, 0)
			}
		}
	}()

	p := h.settle(t, b.ID)
	close(stop)
	wg.Wait()

	assert.Equal(t, 60, p.Total)
	assert.Equal(t, 15, p.Sent)
	assert.Equal(t, 15, p.Failed)
	assert.Equal(t, 30, p.Skipped)

	completed := 0
	timeout := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Type == eventbus.BroadcastCompleted {
				completed++
			}
		case <-timeout:
			done = true
		}
	}
	assert.Equal(t, 1, completed)
}

func TestResumePicksUpPendingRows(t *testing.T) {
	people := testsupport.Students(5)
	h := newHarness(t, people)
	ctx := context.Background()

	// Start without a dispatcher, as a CLI does while the daemon holds the lock.
	handoff := New(Options{Store: h.st, Resolver: testsupport.Roster(t, people...), Clock: h.clock, Log: logx.Nop()})
	b := h.create(t, CreateRequest{})
	require.NoError(t, handoff.Start(ctx, b.ID))

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, got.Status)
	assert.Equal(t, 5, got.Pending())

	ids, err := h.svc.Resumable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)

	n, err := h.svc.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	p := h.settle(t, b.ID)
	assert.Equal(t, 5, p.Sent)
	assert.Equal(t, 5, h.adapter.TotalCalls())
}
