package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/channel"
	"broadcastd/internal/gate"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/progress"
	logx "broadcastd/pkg/logx"
)

// errAbandoned means the delivery was dropped without a terminal outcome:
// the pool is stopping, or the broadcast was cancelled while retrying.
var errAbandoned = errors.New("delivery abandoned")

// recordTimeout bounds the outcome write after a send, which still happens
// when the pool is stopping so a delivered message is never resent.
const recordTimeout = 5 * time.Second

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG: avoids global lock contention when many sends retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-p.queue:
			metrics.SetQueueDepth(len(p.queue))
			p.handle(ctx, stopCh, t, rng)
		}
	}
}

func (p *Pool) handle(ctx context.Context, stopCh <-chan struct{}, t task, rng *rand.Rand) {
	defer p.untrack(t.key())
	metrics.InFlightInc()
	defer metrics.InFlightDec()

	entry, ok := p.deliver(ctx, stopCh, t, rng)
	if !ok {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	res, err := p.deps.Recorder.Record(rctx, entry)
	if err != nil {
		// The row stays PENDING and the resume pass offers it again.
		p.log.Error("record outcome failed", logx.String("broadcast", entry.BroadcastID), logx.String("recipient", entry.Recipient.ID),
			logx.String("outcome", string(entry.Outcome)), logx.Err(err))
		return
	}
	if res.Completed {
		p.log.Info("broadcast completed", logx.String("broadcast", entry.BroadcastID))
	}
}

// deliver runs the gates and the send for one recipient. ok is false when
// nothing should be recorded.
func (p *Pool) deliver(ctx context.Context, stopCh <-chan struct{}, t task, rng *rand.Rand) (e progress.Entry, ok bool) {
	job := t.job
	e = progress.Entry{BroadcastID: job.BroadcastID, Recipient: t.rcpt, Channel: job.Channel}

	// Guard against adapter and directory panics so one bad delivery can't kill a worker.
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanic()
			p.log.Error("delivery panic", logx.String("broadcast", job.BroadcastID), logx.String("recipient", t.rcpt.ID),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if ctx.Err() != nil {
				e, ok = progress.Entry{}, false
				return
			}
			e.Outcome = model.OutcomeFailed
			e.Reason = fmt.Sprintf("panic: %v", r)
			e.AttemptedAt = p.deps.Clock.Now()
			ok = true
		}
	}()

	if ctx.Err() != nil || p.isCancelled(job.BroadcastID) {
		return e, false
	}
	cur, err := p.deps.Outcomes.OutcomeOf(ctx, job.BroadcastID, t.rcpt.ID)
	if err != nil {
		p.log.Warn("outcome lookup failed; leaving pending", logx.String("broadcast", job.BroadcastID), logx.String("recipient", t.rcpt.ID), logx.Err(err))
		return e, false
	}
	if cur != model.OutcomePending {
		return e, false
	}

	now := p.deps.Clock.Now()
	e.AttemptedAt = now

	prefs, err := p.deps.Directory.Preferences(ctx, t.rcpt.ID)
	if err != nil {
		if ctx.Err() != nil {
			return e, false
		}
		e.Outcome, e.Reason = model.OutcomeFailed, "preferences: "+err.Error()
		return e, true
	}
	dec := p.deps.Prefs.Allow(gate.Subject{EventType: job.EventType, Audience: t.rcpt.Audience, Channel: job.Channel}, prefs)
	if !dec.Allowed {
		e.Outcome, e.Reason = model.OutcomeSkippedPreference, dec.Reason
		return e, true
	}
	if job.Channel.Deferred() && p.deps.Quiet.Quiet(prefs, now) {
		e.Outcome, e.Reason = model.OutcomeSkippedQuietHours, "quiet hours"
		return e, true
	}

	contact, err := p.deps.Directory.Contact(ctx, t.rcpt.ID)
	if err != nil {
		if ctx.Err() != nil {
			return e, false
		}
		e.Outcome, e.Reason = model.OutcomeFailed, "contact: "+err.Error()
		return e, true
	}

	d := channel.Delivery{
		BroadcastID: job.BroadcastID,
		Recipient:   t.rcpt,
		Contact:     contact,
		Channel:     job.Channel,
		EventType:   job.EventType,
		Message:     job.Message,
	}
	attempts, err := p.send(ctx, stopCh, d, rng)
	e.Attempts = attempts
	switch {
	case err == nil:
		e.Outcome = model.OutcomeSent
	case errors.Is(err, errAbandoned):
		return e, false
	default:
		e.Outcome, e.Reason = model.OutcomeFailed, err.Error()
	}
	return e, true
}

// send calls the adapter until it succeeds, fails permanently, or runs out of
// attempts. It returns the number of adapter calls made.
func (p *Pool) send(ctx context.Context, stopCh <-chan struct{}, d channel.Delivery, rng *rand.Rand) (int, error) {
	adapter := p.deps.Adapters.Get(d.Channel)
	for attempt := 1; ; attempt++ {
		cfg, lim := p.snapshot()
		if err := waitLimiter(ctx, lim); err != nil {
			return attempt - 1, errAbandoned
		}
		if p.isCancelled(d.BroadcastID) {
			return attempt - 1, errAbandoned
		}
		// Another process may have cancelled the broadcast while we backed off.
		if attempt > 1 && !p.stillPending(ctx, d) {
			return attempt - 1, errAbandoned
		}

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		start := time.Now()
		err := adapter.Send(sctx, d)
		cancel()
		metrics.SendAttempt(string(d.Channel), sendResult(err), time.Since(start))

		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			// Shutdown interrupted the call; the outcome is unknown, keep it pending.
			return attempt, errAbandoned
		}
		if channel.IsPermanent(err) {
			return attempt, err
		}
		if attempt >= cfg.MaxAttempts {
			return attempt, fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		p.log.Debug("send retry scheduled", logx.String("broadcast", d.BroadcastID), logx.String("recipient", d.Recipient.ID),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, errAbandoned
		case <-stopCh:
			tmr.Stop()
			return attempt, errAbandoned
		case <-tmr.C:
		}
	}
}

// stillPending reports whether the outcome row still accepts a send. Lookup
// errors count as not pending; the resume pass offers the row again.
func (p *Pool) stillPending(ctx context.Context, d channel.Delivery) bool {
	cur, err := p.deps.Outcomes.OutcomeOf(ctx, d.BroadcastID, d.Recipient.ID)
	if err != nil {
		p.log.Warn("outcome lookup before retry failed; leaving pending", logx.String("broadcast", d.BroadcastID),
			logx.String("recipient", d.Recipient.ID), logx.Err(err))
		return false
	}
	if cur != model.OutcomePending {
		p.log.Debug("retry dropped; outcome already resolved", logx.String("broadcast", d.BroadcastID),
			logx.String("recipient", d.Recipient.ID), logx.String("outcome", string(cur)))
		return false
	}
	return true
}

func waitLimiter(ctx context.Context, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func sendResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case channel.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints from the transport.
	var ra channel.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return clampDelay(jitter(d, cfg.RetryJitter, rng), cfg.RetryMaxDelay)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return clampDelay(jitter(d, cfg.RetryJitter, rng), cfg.RetryMaxDelay)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}

func clampDelay(d, maxD time.Duration) time.Duration {
	if maxD > 0 && d > maxD {
		return maxD
	}
	return d
}
