package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcastd/internal/gate"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

// Pool fans deliveries out to a fixed set of workers through a bounded queue.
//
// Submit blocks when the queue is full. Items still queued when the pool stops
// stay PENDING in storage and are picked up again by the resume pass.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	deps    Deps
	log     logx.Logger

	queue    chan task
	stopCh   chan struct{}
	stopDone chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	trackMu   sync.Mutex
	tracked   map[taskKey]struct{}
	perJob    map[string]int      // broadcast id -> tracked tasks
	cancelled map[string]struct{} // guarded by trackMu; pruned with the last task
}

func New(cfg Config, deps Deps, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = gate.SystemClock{}
	}
	if deps.Prefs == nil {
		deps.Prefs = gate.Preferences{}
	}
	if deps.Quiet == nil {
		deps.Quiet = gate.NewQuietHours(time.Local)
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		limiter: newLimiter(cfg),
		deps:    deps,
		log:     log.With(logx.String("comp", "dispatch")),
		queue:   make(chan task, cfg.QueueSize),
		tracked:   map[taskKey]struct{}{},
		perJob:    map[string]int{},
		cancelled: map[string]struct{}{},
	}
}

// Apply swaps rate and retry settings at runtime. Worker count and queue size
// only change on restart.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg.Workers, cfg.QueueSize = p.cfg.Workers, p.cfg.QueueSize
	p.cfg = cfg
	p.limiter = newLimiter(cfg)
	p.log.Info("dispatch config applied", logx.Any("rps", cfg.RatePerSec), logx.Int("max_attempts", cfg.MaxAttempts),
		logx.Duration("retry_base", cfg.RetryBase), logx.Duration("retry_max_delay", cfg.RetryMaxDelay))
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	p.runCtx, p.cancel = context.WithCancel(ctx)

	workers := p.cfg.Workers
	stopCh, runCtx := p.stopCh, p.runCtx
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("panic in dispatch worker loop", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			p.worker(runCtx, stopCh, idx)
		}()
	}
	p.log.Info("dispatch started", logx.Int("workers", workers), logx.Int("queue_cap", cap(p.queue)))
}

// Stop cancels in-flight sends and waits for the workers to exit or ctx to end.
func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	go func() {
		p.wg.Wait()
		p.mu.Lock()
		p.stopCh, p.stopDone, p.runCtx, p.cancel = nil, nil, nil, nil
		p.mu.Unlock()
		close(done)
		p.log.Info("dispatch stopped", logx.Duration("took", time.Since(start)), logx.Int("left_queued", len(p.queue)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Submit enqueues one task per recipient, blocking while the queue is full.
// Recipients already queued or in flight for the same broadcast are skipped.
// It returns how many tasks were enqueued.
func (p *Pool) Submit(ctx context.Context, job Job, recipients []model.Recipient) (int, error) {
	p.mu.Lock()
	stopCh := p.stopCh
	stopping := p.stopDone != nil
	p.mu.Unlock()
	if stopCh == nil {
		return 0, ErrStopped
	}
	if stopping {
		return 0, ErrStopping
	}

	shared := &job
	queued := 0
	for _, r := range recipients {
		t := task{job: shared, rcpt: r, enqueuedAt: time.Now()}
		if !p.track(t.key()) {
			continue
		}
		select {
		case p.queue <- t:
			queued++
			metrics.SetQueueDepth(len(p.queue))
		case <-ctx.Done():
			p.untrack(t.key())
			return queued, ctx.Err()
		case <-stopCh:
			p.untrack(t.key())
			return queued, ErrStopping
		}
	}
	if queued > 0 {
		p.log.Debug("deliveries enqueued", logx.String("broadcast", job.BroadcastID), logx.Int("count", queued),
			logx.Int("queue_len", len(p.queue)), logx.Int("queue_cap", cap(p.queue)))
	}
	return queued, nil
}

// MarkCancelled makes workers drop queued deliveries of id without sending.
// The mark is forgotten once no task of id is queued or in flight; the
// PENDING check in storage covers anything submitted later.
func (p *Pool) MarkCancelled(id string) {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	if p.perJob[id] > 0 {
		p.cancelled[id] = struct{}{}
	}
}

func (p *Pool) isCancelled(id string) bool {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	_, ok := p.cancelled[id]
	return ok
}

// CancelMarks reports how many broadcasts are currently marked cancelled.
func (p *Pool) CancelMarks() int {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	return len(p.cancelled)
}

// Tracked reports how many deliveries are queued or in flight.
func (p *Pool) Tracked() int {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	return len(p.tracked)
}

func (p *Pool) track(k taskKey) bool {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	if _, ok := p.tracked[k]; ok {
		return false
	}
	p.tracked[k] = struct{}{}
	p.perJob[k.broadcast]++
	return true
}

func (p *Pool) untrack(k taskKey) {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	if _, ok := p.tracked[k]; !ok {
		return
	}
	delete(p.tracked, k)
	if p.perJob[k.broadcast]--; p.perJob[k.broadcast] <= 0 {
		delete(p.perJob, k.broadcast)
		delete(p.cancelled, k.broadcast)
	}
}

func (p *Pool) snapshot() (Config, *rate.Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.limiter
}
