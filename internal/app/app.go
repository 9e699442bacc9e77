// Package app assembles the broadcast engine for the daemon and the CLI.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"broadcastd/internal/config"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/metrics"
	"broadcastd/internal/poller"
	"broadcastd/internal/runtime/supervisor"
	logx "broadcastd/pkg/logx"
)

// App is the broadcastd daemon: it owns the dispatch lock, the worker pool,
// the schedule poller and the metrics listener.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	eng     *Engine
	poll    *poller.Poller
	metrics *metrics.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, EngineOptions{})
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config, opts EngineOptions) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	opts.Mode = ModeDaemon
	eng, err := OpenEngine(cfg, opts, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	pc, err := mapPollerConfig(cfg)
	if err != nil {
		_ = eng.Close(context.Background())
		_ = logSvc.Close()
		return nil, err
	}
	mc, err := mapMetricsConfig(cfg)
	if err != nil {
		_ = eng.Close(context.Background())
		_ = logSvc.Close()
		return nil, err
	}

	return &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		eng:     eng,
		poll:    poller.New(pc, eng.Broadcasts, log),
		metrics: metrics.NewServer(mc, log),
	}, nil
}

// Engine exposes the assembled stack.
func (a *App) Engine() *Engine { return a.eng }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	runCtx := a.sup.Context()
	a.eng.Start(runCtx)

	cfg := a.cfgm.Get()
	if cfg.PollerEnabled() {
		if err := a.poll.Start(runCtx); err != nil {
			return err
		}
	} else {
		a.log.Warn("poller disabled; scheduled and interrupted broadcasts will not be picked up")
	}
	a.metrics.Start(runCtx)

	if a.eng.Bus != nil {
		events, unsub := a.eng.Bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.logEvent(e)
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case ch, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts, always diffing against what was applied last.
				ch = config.Change{Prev: lastApplied}.Merge(ch)
				for drained := false; !drained; {
					select {
					case newer, ok := <-sub:
						if ok {
							ch = ch.Merge(newer)
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, ch)
				lastApplied = ch.Next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("poller", cfg.PollerEnabled()))
	return nil
}

// Reload rereads the config file now; subscribers apply what changed.
func (a *App) Reload(ctx context.Context) error {
	_, ok, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected", logx.String("path", a.cfgPath), logx.Err(err))
		return err
	}
	if !ok {
		a.log.Info("config reloaded (no changes)")
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, ch config.Change) {
	if len(ch.Deferred) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Deferred, ",")))
	}
	if len(ch.Sections) == 0 {
		return
	}
	prev, next := ch.Prev, ch.Next
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(next.Logging))

	if a.eng.Pool != nil {
		if dc, err := mapDispatchConfig(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.eng.Pool.Apply(dc)
		}
	}

	pc, err := mapPollerConfig(next)
	switch {
	case err != nil:
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	case prev.PollerEnabled() && !next.PollerEnabled():
		a.log.Info("poller disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.poll.Stop(stopCtx)
		cancel()
		_ = a.poll.Apply(pc)
	case !prev.PollerEnabled() && next.PollerEnabled():
		a.log.Info("poller enabled via config")
		if err := a.poll.Apply(pc); err != nil {
			a.log.Warn("poller apply failed", logx.Err(err))
		}
		if err := a.poll.Start(ctx); err != nil {
			a.log.Warn("poller start failed", logx.Err(err))
		}
	default:
		if err := a.poll.Apply(pc); err != nil {
			a.log.Warn("poller apply failed", logx.Err(err))
		}
	}

	if mc, err := mapMetricsConfig(next); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.metrics.Reconfigure(ctx, mc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvent(e eventbus.Event) {
	be, ok := e.Data.(eventbus.BroadcastEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.String("broadcast", be.BroadcastID),
		logx.String("status", be.Status),
	}
	if be.Actor != "" {
		fields = append(fields, logx.String("actor", be.Actor))
	}
	if be.Recipients > 0 {
		fields = append(fields, logx.Int("recipients", be.Recipients))
	}
	a.log.Info("broadcast event", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.eng.Close(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Poller first so no new broadcast starts while the pool drains.
	step("poller", 2*time.Second, func(c context.Context) error { a.poll.Stop(c); return nil })
	step("metrics", 1*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	// Pool, feeders, storage and lock. Undelivered rows stay PENDING.
	step("engine", 5*time.Second, a.eng.Close)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
