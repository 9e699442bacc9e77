package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/channel"
	"broadcastd/internal/channel/email"
	"broadcastd/internal/channel/inapp"
	"broadcastd/internal/channel/telegram"
	"broadcastd/internal/config"
	"broadcastd/internal/directory"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/eventbus"
	"broadcastd/internal/gate"
	"broadcastd/internal/model"
	"broadcastd/internal/progress"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

// Mode selects who delivers the PENDING rows of this process's broadcasts.
type Mode int

const (
	// ModeReadOnly opens storage and the service without a worker pool.
	ModeReadOnly Mode = iota
	// ModeAuto runs a local pool when no daemon holds the lock and hands
	// off to the daemon otherwise.
	ModeAuto
	// ModeDaemon requires the lock.
	ModeDaemon
)

type EngineOptions struct {
	Mode  Mode
	Clock gate.Clock
	Bus   eventbus.Bus
	// Adapters replaces the configured transports (tests).
	Adapters channel.Set
	// Directory replaces the roster file (tests).
	Directory directory.Directory
}

// Engine is the assembled broadcast stack shared by the daemon and the CLI.
type Engine struct {
	Store      *storage.Store
	Directory  directory.Directory
	Bus        eventbus.Bus
	Tracker    *progress.Tracker
	Pool       *dispatch.Pool
	Broadcasts *broadcast.Service

	lock *flock.Flock
	log  logx.Logger
}

// OpenEngine wires storage, directory, channels, tracker, pool and service.
func OpenEngine(cfg *config.Config, opts EngineOptions, log logx.Logger) (*Engine, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = gate.SystemClock{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}

	e := &Engine{Bus: opts.Bus, log: log.With(logx.String("comp", "engine"))}

	dispatching := false
	switch opts.Mode {
	case ModeDaemon, ModeAuto:
		lk, ok, err := tryLock(lockPath(cfg))
		if err != nil {
			return nil, err
		}
		if !ok && opts.Mode == ModeDaemon {
			return nil, ErrDaemonRunning
		}
		e.lock = lk
		dispatching = ok
	}
	fail := func(err error) (*Engine, error) {
		_ = e.Close(context.Background())
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}
	e.Store = st

	e.Directory = opts.Directory
	if e.Directory == nil {
		r, err := directory.LoadRoster(cfg.Directory.RosterPath, log)
		if err != nil {
			return fail(err)
		}
		e.Directory = r
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return fail(err)
	}
	quiet := gate.NewQuietHours(loc)
	e.Tracker = progress.New(st, opts.Clock, opts.Bus, log)

	if dispatching {
		adapters := opts.Adapters
		if adapters == nil {
			adapters, err = buildChannels(cfg, st, opts.Clock, log)
			if err != nil {
				return fail(err)
			}
		}
		dc, err := mapDispatchConfig(cfg)
		if err != nil {
			return fail(err)
		}
		e.Pool = dispatch.New(dc, dispatch.Deps{
			Adapters:  adapters,
			Directory: e.Directory,
			Outcomes:  st,
			Recorder:  e.Tracker,
			Quiet:     quiet,
			Clock:     opts.Clock,
		}, log)
	}

	svc := broadcast.Options{
		Store:    st,
		Resolver: e.Directory,
		Prefs:    e.Directory,
		Quiet:    quiet,
		Tracker:  e.Tracker,
		Bus:      opts.Bus,
		Clock:    opts.Clock,
		Log:      log,
	}
	if e.Pool != nil {
		svc.Dispatcher = e.Pool
	}
	e.Broadcasts = broadcast.New(svc)
	return e, nil
}

// Dispatching reports whether this process delivers its own broadcasts.
func (e *Engine) Dispatching() bool { return e.Pool != nil }

// Start starts the worker pool, if any.
func (e *Engine) Start(ctx context.Context) {
	if e.Pool != nil {
		e.Pool.Start(ctx)
	}
}

// Close stops the pool, waits for enqueue feeders and closes storage.
// Rows still PENDING stay PENDING for the next resume pass.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Pool != nil {
		e.Pool.Stop(ctx)
	}
	if e.Broadcasts != nil {
		done := make(chan struct{})
		go func() {
			e.Broadcasts.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("enqueue feeders: %w", ctx.Err()))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if err := releaseLock(e.lock); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}
	e.lock = nil
	return errors.Join(errs...)
}

// Wait blocks until the broadcast is terminal, logging progress every interval.
func (e *Engine) Wait(ctx context.Context, id string, every time.Duration, report func(model.Progress)) (model.Broadcast, error) {
	if report == nil || every <= 0 {
		return e.Broadcasts.Wait(ctx, id)
	}
	type result struct {
		b   model.Broadcast
		err error
	}
	done := make(chan result, 1)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		b, err := e.Broadcasts.Wait(wctx, id)
		done <- result{b, err}
	}()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case r := <-done:
			return r.b, r.err
		case <-t.C:
			if p, err := e.Broadcasts.Progress(ctx, id); err == nil {
				report(p)
			}
		}
	}
}

// buildChannels returns the adapter set: in-app always, email and telegram
// when configured. Set.Get fails unconfigured transports permanently.
func buildChannels(cfg *config.Config, st *storage.Store, clock gate.Clock, log logx.Logger) (channel.Set, error) {
	set := channel.Set{model.ChannelInApp: inapp.New(st, clock)}
	if c := cfg.Channels.Email; c != nil {
		a, err := email.New(mapEmailConfig(c), log)
		if err != nil {
			return nil, err
		}
		set[model.ChannelEmail] = a
	}
	if c := cfg.Channels.Telegram; c != nil {
		tc, err := mapTelegramConfig(c)
		if err != nil {
			return nil, err
		}
		a, err := telegram.New(tc, log)
		if err != nil {
			return nil, err
		}
		set[model.ChannelTelegram] = a
	}
	return set, nil
}
