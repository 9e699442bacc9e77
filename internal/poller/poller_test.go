package poller

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

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"
)

type fakeEngine struct {
	mu        sync.Mutex
	due       []string
	deferred  []string
	resumable []string
	started   []string
	startErr  map[string]error
	requeued  map[string]int
	resumed   map[string]int
	ticks     chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		startErr: map[string]error{},
		requeued: map[string]int{},
		resumed:  map[string]int{},
		ticks:    make(chan struct{}, 16),
	}
}

func (f *fakeEngine) DueScheduled(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case f.ticks <- struct{}{}:
	default:
	}
	return append([]string(nil), f.due...), nil
}

func (f *fakeEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[id]; err != nil {
		return err
	}
	f.started = append(f.started, id)
	f.due = nil
	return nil
}

func (f *fakeEngine) Deferred(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deferred...), nil
}

func (f *fakeEngine) RequeueDeferred(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requeued[id], nil
}

func (f *fakeEngine) Resumable(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumable...), nil
}

func (f *fakeEngine) Resume(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumed[id], nil
}

func TestTick(t *testing.T) {
	eng := newFakeEngine()
	eng.due = []string{"a", "b", "c"}
	eng.startErr["b"] = fmt.Errorf("%w: already SENDING", broadcast.ErrInvalidStateTransition)
	eng.startErr["c"] = errors.New("resolver down")
	eng.deferred = []string{"d"}
	eng.requeued["d"] = 4
	eng.resumable = []string{"e"}
	eng.resumed["e"] = 7

	p := New(Config{Interval: time.Minute}, eng, logx.Nop())
	res := p.Tick(context.Background())
	assert.Equal(t, TickResult{Started: 1, Requeued: 4, Resumed: 7}, res)
	assert.Equal(t, []string{"a"}, eng.started)
}

func TestStartRunsImmediateAndPeriodicTicks(t *testing.T) {
	eng := newFakeEngine()
	eng.due = []string{"a"}
	p := New(Config{Interval: time.Second}, eng, logx.Nop())

	require.NoError(t, p.Start(context.Background()))
	select {
	case <-eng.ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("no immediate tick")
	}
	select {
	case <-eng.ticks:
	case <-time.After(3 * time.Second):
		t.Fatal("no periodic tick")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, []string{"a"}, eng.started)
}

func TestApplyRestartsTrigger(t *testing.T) {
	eng := newFakeEngine()
	p := New(Config{Interval: time.Hour}, eng, logx.Nop())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())
	<-eng.ticks

	require.NoError(t, p.Apply(Config{Interval: time.Second}))
	select {
	case <-eng.ticks:
	case <-time.After(3 * time.Second):
		t.Fatal("interval change not applied")
	}
}

// slowEngine holds the first DueScheduled call until release is closed,
// ignoring ctx like a storage call already under way.
type slowEngine struct {
	*fakeEngine
	entered  chan struct{}
	release  chan struct{}
	finished atomic.Bool
	once     sync.Once
}

func (e *slowEngine) DueScheduled(ctx context.Context) ([]string, error) {
	first := false
	e.once.Do(func() { first = true })
	if first {
		close(e.entered)
		<-e.release
		defer e.finished.Store(true)
	}
	return e.fakeEngine.DueScheduled(ctx)
}

func TestStopWaitsForStartupTick(t *testing.T) {
	eng := &slowEngine{fakeEngine: newFakeEngine(), entered: make(chan struct{}), release: make(chan struct{})}
	p := New(Config{Interval: time.Hour}, eng, logx.Nop())
	require.NoError(t, p.Start(context.Background()))
	<-eng.entered

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the startup tick was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(eng.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}
	assert.True(t, eng.finished.Load())
}

func TestConfigDefaults(t *testing.T) {
	assert.Equal(t, 60*time.Second, Config{}.withDefaults().Interval)
}
