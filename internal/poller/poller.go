// Package poller drives the periodic broadcast housekeeping: promoting due
// scheduled broadcasts, requeueing quiet-hours deferrals and resuming SENDING
// broadcasts with work nobody is doing.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"
)

// Engine is the broadcast surface the poller drives. *broadcast.Service satisfies it.
type Engine interface {
	DueScheduled(ctx context.Context) ([]string, error)
	Start(ctx context.Context, id string) error
	Deferred(ctx context.Context) ([]string, error)
	RequeueDeferred(ctx context.Context, id string) (int, error)
	Resumable(ctx context.Context) ([]string, error)
	Resume(ctx context.Context, id string) (int, error)
}

type Config struct {
	Interval time.Duration
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	return c
}

// TickResult counts what one tick did.
type TickResult struct {
	Started  int
	Requeued int
	Resumed  int
}

type Poller struct {
	mu     sync.Mutex
	cfg    Config
	eng    Engine
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	base   context.Context
	cancel context.CancelFunc

	// tickMu keeps the startup tick and cron ticks from overlapping.
	tickMu  sync.Mutex
	initial sync.WaitGroup
	ticks   atomic.Uint64
}

func New(cfg Config, eng Engine, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg: cfg.withDefaults(),
		eng: eng,
		log: log.With(logx.String("comp", "poller")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the tick and runs one immediately, which resumes whatever a
// previous process left in SENDING.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	p.base, p.cancel = context.WithCancel(ctx)
	if err := p.startCronLocked(); err != nil {
		p.cancel()
		return err
	}
	p.initial.Add(1)
	go func() {
		defer p.initial.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("panic in startup tick", logx.Any("panic", r))
			}
		}()
		p.runTick()
	}()
	return nil
}

func (p *Poller) startCronLocked() error {
	cur := p.cfg
	loc := loadLocation(cur.Timezone)
	spec := "@every " + cur.Interval.String()
	sched, err := p.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("poller schedule %q: %w", spec, err)
	}
	logger := cronLogger{log: p.log}
	p.c = cron.New(
		cron.WithParser(p.parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	p.c.Schedule(sched, cron.FuncJob(p.runTick))
	p.c.Start()
	p.log.Info("poller started", logx.Duration("interval", cur.Interval), logx.String("tz", loc.String()))
	return nil
}

// Apply changes the interval or timezone, restarting the trigger when running.
func (p *Poller) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := cfg != p.cfg
	p.cfg = cfg
	if p.c == nil || !changed {
		return nil
	}
	<-p.c.Stop().Done()
	return p.startCronLocked()
}

// Stop stops triggering and waits for running ticks, the startup tick
// included, or for ctx to end.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	c, cancel := p.c, p.cancel
	p.c, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	cancel()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		p.initial.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("poller stop timed out waiting for tick", logx.Err(ctx.Err()))
	}
	p.log.Info("poller stopped", logx.Any("ticks", p.ticks.Load()))
}

func (p *Poller) runTick() {
	p.mu.Lock()
	base, interval := p.base, p.cfg.Interval
	p.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	if !p.tickMu.TryLock() {
		p.log.Debug("poller tick skipped; previous still running")
		return
	}
	defer p.tickMu.Unlock()
	ctx, cancel := context.WithTimeout(broadcast.WithActor(base, "poller"), interval)
	defer cancel()
	p.Tick(ctx)
}

// Tick runs one pass: due starts, deferral requeue, resume.
func (p *Poller) Tick(ctx context.Context) TickResult {
	p.ticks.Add(1)
	var res TickResult

	due, err := p.eng.DueScheduled(ctx)
	if err != nil {
		p.log.Warn("list due broadcasts failed", logx.Err(err))
	}
	for _, id := range due {
		err := p.eng.Start(ctx, id)
		switch {
		case err == nil:
			res.Started++
		case errors.Is(err, broadcast.ErrInvalidStateTransition):
			// Another tick or an operator started or cancelled it first.
			p.log.Debug("scheduled start lost race", logx.String("broadcast", id), logx.Err(err))
		default:
			p.log.Warn("scheduled start failed", logx.String("broadcast", id), logx.Err(err))
		}
	}

	deferred, err := p.eng.Deferred(ctx)
	if err != nil {
		p.log.Warn("list deferred broadcasts failed", logx.Err(err))
	}
	for _, id := range deferred {
		n, err := p.eng.RequeueDeferred(ctx, id)
		if err != nil && !errors.Is(err, broadcast.ErrInvalidStateTransition) {
			p.log.Warn("requeue deferred failed", logx.String("broadcast", id), logx.Err(err))
		}
		res.Requeued += n
	}

	resumable, err := p.eng.Resumable(ctx)
	if err != nil {
		p.log.Warn("list resumable broadcasts failed", logx.Err(err))
	}
	for _, id := range resumable {
		n, err := p.eng.Resume(ctx, id)
		if err != nil {
			p.log.Warn("resume failed", logx.String("broadcast", id), logx.Err(err))
		}
		res.Resumed += n
	}

	if res != (TickResult{}) {
		p.log.Info("poller tick", logx.Int("started", res.Started), logx.Int("requeued", res.Requeued), logx.Int("resumed", res.Resumed))
	}
	return res
}

func loadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's logging to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
