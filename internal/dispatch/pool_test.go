package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/channel"
	"broadcastd/internal/directory"
	"broadcastd/internal/gate"
	"broadcastd/internal/model"
	"broadcastd/internal/progress"
	"broadcastd/internal/storage"
	"broadcastd/internal/testsupport"
	logx "broadcastd/pkg/logx"
)

// noon UTC, outside every quiet window used below.
var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st      *storage.Store
	pool    *Pool
	adapter *testsupport.Adapter
	job     Job
	rcpts   []model.Recipient
}

func fastConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     16,
		RatePerSec:    -1,
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 4 * time.Millisecond,
		RetryJitter:   -1,
		SendTimeout:   time.Second,
	}
}

func newFixture(t *testing.T, ch model.Channel, people []directory.Person) *fixture {
	t.Helper()
	ctx := context.Background()
	st := testsupport.OpenStore(t)
	clock := gate.NewFixedClock(t0)

	b := model.Broadcast{
		ID: "b1", CreatedBy: "admin", TargetGroup: model.TargetStudents,
		Message: model.Message{Subject: "Trip", Body: "Bring a hat"},
		Channel: ch, EventType: model.EventAnnouncement,
		Status: model.StatusDraft, CreatedAt: t0,
	}
	require.NoError(t, st.CreateBroadcast(ctx, b))
	rcpts := make([]model.Recipient, len(people))
	for i, p := range people {
		rcpts[i] = model.Recipient{ID: p.ID, Audience: model.AudiencePrimary}
	}
	_, err := st.BeginSending(ctx, b.ID, rcpts, t0)
	require.NoError(t, err)

	adapter := testsupport.NewAdapter()
	pool := New(fastConfig(), Deps{
		Adapters:  channel.Set{ch: adapter},
		Directory: testsupport.Roster(t, people...),
		Outcomes:  st,
		Recorder:  progress.New(st, clock, nil, logx.Nop()),
		Quiet:     gate.NewQuietHours(time.UTC),
		Clock:     clock,
	}, logx.Nop())
	pool.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(sctx)
	})
	return &fixture{st: st, pool: pool, adapter: adapter, job: JobOf(b), rcpts: rcpts}
}

func (f *fixture) waitStatus(t *testing.T, want model.Status) model.Broadcast {
	t.Helper()
	var b model.Broadcast
	require.Eventually(t, func() bool {
		var err error
		b, err = f.st.GetBroadcast(context.Background(), f.job.BroadcastID)
		return err == nil && b.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return b
}

func (f *fixture) outcome(t *testing.T, rid string) model.DeliveryOutcome {
	t.Helper()
	all, err := f.st.Outcomes(context.Background(), f.job.BroadcastID)
	require.NoError(t, err)
	for _, o := range all {
		if o.RecipientID == rid {
			return o
		}
	}
	t.Fatalf("no outcome row for %s", rid)
	return model.DeliveryOutcome{}
}

func TestDeliversEveryRecipientOnce(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(10))

	n, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	b := f.waitStatus(t, model.StatusCompleted)
	assert.Equal(t, 10, b.SentCount)
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 10, f.adapter.TotalCalls())
	for _, d := range f.adapter.Delivered() {
		assert.Equal(t, "Bring a hat", d.Message.Body)
		assert.Equal(t, d.Recipient.ID+"@school.test", d.Contact.Email)
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(1))
	f.adapter.FailWith("s01", errors.New("connection reset"))

	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	f.waitStatus(t, model.StatusCompleted)

	o := f.outcome(t, "s01")
	assert.Equal(t, model.OutcomeSent, o.Outcome)
	assert.Equal(t, 2, o.Attempts)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(2))
	f.adapter.FailAlways("s02", channel.Permanent(errors.New("mailbox unavailable")))

	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	b := f.waitStatus(t, model.StatusCompleted)

	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 1, b.FailedCount)
	assert.Equal(t, 1, f.adapter.Calls("s02"))
	o := f.outcome(t, "s02")
	require.NotNil(t, o.ErrorMessage)
	assert.Contains(t, *o.ErrorMessage, "mailbox unavailable")

	sum, err := f.st.ErrorSummary(context.Background(), "b1", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
}

func TestExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(1))
	f.adapter.FailAlways("s01", errors.New("timeout"))

	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	b := f.waitStatus(t, model.StatusCompleted)

	assert.Equal(t, 1, b.FailedCount)
	assert.Equal(t, 3, f.adapter.Calls("s01"))
	assert.Equal(t, 3, f.outcome(t, "s01").Attempts)
}

func TestPreferenceAndQuietHoursSkip(t *testing.T) {
	people := testsupport.Students(3)
	people[0].Preferences.EmailNotifications = false
	people[1].Preferences.QuietHoursEnabled = true
	people[1].Preferences.QuietHoursStart = model.NewTimeOfDay(11, 0)
	people[1].Preferences.QuietHoursEnd = model.NewTimeOfDay(13, 0)

	f := newFixture(t, model.ChannelEmail, people)
	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	b := f.waitStatus(t, model.StatusCompleted)

	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 2, b.SkippedCount)
	assert.Equal(t, 0, b.FailedCount)
	assert.Equal(t, model.OutcomeSkippedPreference, f.outcome(t, "s01").Outcome)
	assert.Equal(t, model.OutcomeSkippedQuietHours, f.outcome(t, "s02").Outcome)
	assert.Zero(t, f.adapter.Calls("s01"))
	assert.Zero(t, f.adapter.Calls("s02"))

	sum, err := f.st.ErrorSummary(context.Background(), "b1", 5)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
}

func TestInAppIgnoresQuietHours(t *testing.T) {
	people := testsupport.Students(1)
	people[0].Preferences.QuietHoursEnabled = true
	people[0].Preferences.QuietHoursStart = model.NewTimeOfDay(0, 0)
	people[0].Preferences.QuietHoursEnd = model.NewTimeOfDay(23, 59)

	f := newFixture(t, model.ChannelInApp, people)
	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	b := f.waitStatus(t, model.StatusCompleted)
	assert.Equal(t, 1, b.SentCount)
}

func TestSubmitSkipsTrackedRecipients(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(3))
	f.adapter.Hold()

	n, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.adapter.Release()
	f.waitStatus(t, model.StatusCompleted)
	assert.Equal(t, 3, f.adapter.TotalCalls())
	require.Eventually(t, func() bool { return f.pool.Tracked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAlreadyResolvedRowIsNotResent(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(2))
	ctx := context.Background()
	_, err := f.st.RecordOutcome(ctx, storage.OutcomeRecord{
		BroadcastID: "b1", RecipientID: "s01", Outcome: model.OutcomeSent, Attempts: 1,
		AttemptedAt: t0, ResolvedAt: t0,
	})
	require.NoError(t, err)

	_, err = f.pool.Submit(ctx, f.job, f.rcpts)
	require.NoError(t, err)
	b := f.waitStatus(t, model.StatusCompleted)
	assert.Equal(t, 2, b.SentCount)
	assert.Zero(t, f.adapter.Calls("s01"))
}

func TestCancelledBroadcastIsNotSent(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(4))
	f.pool.MarkCancelled("b1")
	_, err := f.st.Cancel(context.Background(), "b1", t0)
	require.NoError(t, err)

	_, err = f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.pool.Tracked() == 0 }, time.Second, 5*time.Millisecond)

	assert.Zero(t, f.adapter.TotalCalls())
	b, err := f.st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
	assert.Equal(t, 4, b.SkippedCount)
}

func TestAdapterPanicRecordsFailure(t *testing.T) {
	people := testsupport.Students(2)
	f := newFixture(t, model.ChannelEmail, people)
	f.pool.deps.Adapters[model.ChannelEmail] = channel.AdapterFunc(func(_ context.Context, d channel.Delivery) error {
		if d.Recipient.ID == "s01" {
			panic("boom")
		}
		return nil
	})

	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	b := f.waitStatus(t, model.StatusCompleted)
	assert.Equal(t, 1, b.FailedCount)
	o := f.outcome(t, "s01")
	require.NotNil(t, o.ErrorMessage)
	assert.Equal(t, "panic: boom", *o.ErrorMessage)
}

func TestStopLeavesInFlightPending(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(2))
	f.adapter.Hold()

	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	<-f.adapter.Started()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.pool.Stop(ctx)

	b, err := f.st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, b.Status)
	assert.Equal(t, 2, b.Pending())
	assert.Zero(t, b.FailedCount)

	_, err = f.pool.Submit(context.Background(), f.job, f.rcpts)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitBeforeStart(t *testing.T) {
	p := New(Config{}, Deps{}, logx.Nop())
	_, err := p.Submit(context.Background(), Job{BroadcastID: "x"}, []model.Recipient{{ID: "a"}})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{RetryJitter: -1}.withDefaults()
	assert.Equal(t, 60*time.Second, backoffDelay(cfg, 1, nil))
	assert.Equal(t, 120*time.Second, backoffDelay(cfg, 2, nil))
	assert.Equal(t, 240*time.Second, backoffDelay(cfg, 3, nil))
	assert.Equal(t, 240*time.Second, backoffDelay(cfg, 7, nil))

	hinted := channel.RetryAfter(errors.New("flood"), 5*time.Second)
	assert.Equal(t, 5*time.Second, backoffDelayWithHint(cfg, 1, hinted, nil))
	hinted = channel.RetryAfter(errors.New("flood"), time.Hour)
	assert.Equal(t, 240*time.Second, backoffDelayWithHint(cfg, 1, hinted, nil))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	cfg := Config{RetryJitter: 0.2}.withDefaults()
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := backoffDelay(cfg, 1, rng)
		assert.GreaterOrEqual(t, d, 48*time.Second)
		assert.LessOrEqual(t, d, 72*time.Second)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 60*time.Second, c.RetryBase)
	assert.Equal(t, 240*time.Second, c.RetryMaxDelay)
	assert.Equal(t, 20, c.Burst)
}

func TestCancelDuringBackoffStopsRetries(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(1))
	cfg := fastConfig()
	cfg.RetryBase, cfg.RetryMaxDelay = 300*time.Millisecond, 300*time.Millisecond
	f.pool.Apply(cfg)
	f.adapter.FailAlways("s01", errors.New("connection reset"))
	ctx := context.Background()

	_, err := f.pool.Submit(ctx, f.job, f.rcpts)
	require.NoError(t, err)
	select {
	case <-f.adapter.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("first send never started")
	}

	// Cancel through storage only, as a second process would.
	_, err = f.st.Cancel(ctx, "b1", t0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.pool.Tracked() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.adapter.Calls("s01"))
	assert.Equal(t, model.OutcomeSkippedCancelled, f.outcome(t, "s01").Outcome)

	b, err := f.st.GetBroadcast(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
	assert.Zero(t, b.FailedCount)
}

func TestCancelMarkIsPrunedWithLastTask(t *testing.T) {
	f := newFixture(t, model.ChannelEmail, testsupport.Students(2))
	f.adapter.Hold()

	_, err := f.pool.Submit(context.Background(), f.job, f.rcpts)
	require.NoError(t, err)
	<-f.adapter.Started()

	f.pool.MarkCancelled("b1")
	f.pool.MarkCancelled("unknown")
	assert.Equal(t, 1, f.pool.CancelMarks())

	f.adapter.Release()
	require.Eventually(t, func() bool { return f.pool.Tracked() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.pool.CancelMarks())
}
