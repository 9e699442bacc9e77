package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/config"
	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

const testRoster = `
people:
  - id: s01
    name: Ana
    role: student
    classes: [7A]
    parents: [p01]
  - id: s02
    name: Budi
    role: student
    classes: [7A]
  - id: p01
    name: Ana's parent
    role: parent
  - id: t01
    name: Citra
    role: teacher
    classes: [7A]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	roster := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(roster, []byte(testRoster), 0o644))

	cfg := config.Default()
	cfg.Logging.Console = false
	cfg.Storage.Path = filepath.Join(dir, "broadcastd.db")
	cfg.Directory.RosterPath = roster
	cfg.Dispatch = config.DispatchConfig{
		Workers:     2,
		RatePerSec:  -1,
		RetryBase:   "1ms",
		RetryJitter: -1,
	}
	cfg.Timezone = "UTC"
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func writeConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	b, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestMapDispatchConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch = config.DispatchConfig{Workers: 3, RatePerSec: 7.5, RetryBase: "30s", RetryMaxDelay: "2m", SendTimeout: "5s"}

	dc, err := mapDispatchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, dc.Workers)
	assert.Equal(t, 7.5, dc.RatePerSec)
	assert.Equal(t, 30*time.Second, dc.RetryBase)
	assert.Equal(t, 2*time.Minute, dc.RetryMaxDelay)
	assert.Equal(t, 5*time.Second, dc.SendTimeout)

	cfg.Dispatch.RetryBase = "5m"
	_, err = mapDispatchConfig(cfg)
	assert.ErrorContains(t, err, "exceeds retry_max_delay")
}

func TestMapMetricsAndPollerDefaults(t *testing.T) {
	cfg := config.Default()

	mc, err := mapMetricsConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9464", mc.Addr)
	assert.Equal(t, "/metrics", mc.Path)
	assert.False(t, mc.Enabled)

	cfg.Metrics.Path = "metrics"
	_, err = mapMetricsConfig(cfg)
	assert.Error(t, err)

	pc, err := mapPollerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, pc.Interval)

	cfg.Poller.Interval = "100ms"
	_, err = mapPollerConfig(cfg)
	assert.Error(t, err)
}

func TestLockPath(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = "/var/lib/broadcastd/db.sqlite"
	assert.Equal(t, "/var/lib/broadcastd/db.sqlite.lock", lockPath(cfg))
	cfg.LockFile = "/run/broadcastd.lock"
	assert.Equal(t, "/run/broadcastd.lock", lockPath(cfg))
}

func TestBuildChannelsDefaultsToInApp(t *testing.T) {
	cfg := testConfig(t)
	eng, err := OpenEngine(cfg, EngineOptions{Mode: ModeReadOnly}, logx.Nop())
	require.NoError(t, err)
	defer eng.Close(context.Background())

	set, err := buildChannels(cfg, eng.Store, nil, logx.Nop())
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.NotNil(t, set[model.ChannelInApp])

	cfg.Channels.Email = &config.EmailConfig{Host: "smtp.school.test", From: "office@school.test"}
	cfg.Channels.Telegram = &config.TelegramConfig{Token: "123:abc"}
	set, err = buildChannels(cfg, eng.Store, nil, logx.Nop())
	require.NoError(t, err)
	assert.Len(t, set, 3)
}

func TestEngineLockModes(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := OpenEngine(cfg, EngineOptions{Mode: ModeAuto}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, first.Dispatching())

	second, err := OpenEngine(cfg, EngineOptions{Mode: ModeAuto}, logx.Nop())
	require.NoError(t, err)
	assert.False(t, second.Dispatching(), "lock is held, so the second process hands off")

	_, err = OpenEngine(cfg, EngineOptions{Mode: ModeDaemon}, logx.Nop())
	assert.ErrorIs(t, err, ErrDaemonRunning)

	require.NoError(t, second.Close(ctx))
	require.NoError(t, first.Close(ctx))

	daemonEng, err := OpenEngine(cfg, EngineOptions{Mode: ModeDaemon}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, daemonEng.Dispatching())
	require.NoError(t, daemonEng.Close(ctx))
}

func TestEngineDeliversToInbox(t *testing.T) {
	cfg := testConfig(t)
	ctx := broadcast.WithActor(context.Background(), "tester")

	eng, err := OpenEngine(cfg, EngineOptions{Mode: ModeAuto}, logx.Nop())
	require.NoError(t, err)
	defer eng.Close(context.Background())
	eng.Start(ctx)

	b, err := eng.Broadcasts.Create(ctx, broadcast.CreateRequest{
		CreatedBy:    "admin",
		TargetGroup:  model.TargetStudents,
		TargetFilter: model.Filter{"classes": []string{"7A"}, "include_parents": true},
		Message:      model.Message{Subject: "Trip", Body: "Museum visit on Friday"},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Broadcasts.Start(ctx, b.ID))

	var reports int
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := eng.Wait(wctx, b.ID, 5*time.Millisecond, func(model.Progress) { reports++ })
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)

	p, err := eng.Broadcasts.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.Sent)

	inbox, err := eng.Store.Inbox(ctx, "p01", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Museum visit on Friday", inbox[0].Body)
}

func TestHandoffIsPickedUpByDaemon(t *testing.T) {
	cfg := testConfig(t)
	cfg.Poller.Interval = "1s"
	dir := filepath.Dir(cfg.Storage.Path)
	cfgPath := filepath.Join(dir, "broadcastd.json")
	writeConfig(t, cfgPath, cfg)

	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	cli, err := OpenEngine(cfg, EngineOptions{Mode: ModeAuto}, logx.Nop())
	require.NoError(t, err)
	defer cli.Close(context.Background())
	require.False(t, cli.Dispatching())

	ctx := context.Background()
	b, err := cli.Broadcasts.Create(ctx, broadcast.CreateRequest{
		TargetGroup: model.TargetAll,
		Message:     model.Message{Body: "School closes early today"},
	})
	require.NoError(t, err)
	require.NoError(t, cli.Broadcasts.Start(ctx, b.ID))

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := cli.Broadcasts.Wait(wctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, 4, done.SentCount)
}

func TestReloadDefersRestartOnlySections(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Dir(cfg.Storage.Path)
	cfgPath := filepath.Join(dir, "broadcastd.json")
	writeConfig(t, cfgPath, cfg)

	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	edited := *cfg
	edited.Storage.Path = filepath.Join(dir, "moved.db")
	edited.Dispatch.MaxAttempts = 5
	writeConfig(t, cfgPath, &edited)

	require.NoError(t, a.Reload(context.Background()))
	live := a.cfgm.Get()
	assert.Equal(t, cfg.Storage.Path, live.Storage.Path)
	assert.Equal(t, 5, live.Dispatch.MaxAttempts)
	assert.Equal(t, []string{"storage"}, a.cfgm.Pending())

	// a rejected edit leaves the live config alone
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"storage": {}}`), 0o644))
	assert.Error(t, a.Reload(context.Background()))
	assert.Equal(t, 5, a.cfgm.Get().Dispatch.MaxAttempts)
}
