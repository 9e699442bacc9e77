package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	logx "broadcastd/pkg/logx"
)

// validateTimeout bounds the external validator on reload.
const validateTimeout = 5 * time.Second

// Change is one committed reload.
type Change struct {
	Prev *Config
	// Next is the new live config. Sections that need a restart keep the
	// values the process started with.
	Next *Config
	// Sections lists what differs between Prev and Next and applies live.
	Sections []string
	// Fields describe Sections for logging; secrets are never included.
	Fields []logx.Field
	// Deferred lists sections edited on disk that wait for a restart.
	Deferred []string
}

// Merge folds a later change into c, so a slow subscriber applies one
// combined change.
func (c Change) Merge(later Change) Change {
	sections, fields := SummarizeConfigChange(c.Prev, later.Next)
	return Change{Prev: c.Prev, Next: later.Next, Sections: sections, Fields: fields, Deferred: later.Deferred}
}

// ConfigManager loads the config file, reloads it on change and publishes
// each accepted change to subscribers.
//
// The file on disk may drift from the running process: storage, directory,
// channels and lock_file are read once at startup. Edits to them are reported
// in Change.Deferred and Pending until the daemon restarts.
type ConfigManager struct {
	path      string
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	debounce  time.Duration

	reloadMu sync.Mutex // one Reload at a time

	mu      sync.RWMutex
	boot    *Config // as loaded at startup
	cfg     *Config // live
	pending []string
	rawHash uint64 // last accepted file content

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan Change
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), debounce: 250 * time.Millisecond}
}

// Path is the watched file.
func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook that Load and Reload run after Validate and
// before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and validates the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg, _, err := m.read()
	return cfg, err
}

func (m *ConfigManager) read() (*Config, uint64, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, 0, err
	}
	var cfg Config
	if err := decodeStrict(jb, &cfg); err != nil {
		return nil, 0, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, 0, err
	}
	return &cfg, hashBytes(raw), nil
}

// decodeStrict rejects unknown keys and trailing data such as concatenated JSON.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// Load reads the file and makes it the startup config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := m.check(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.boot, m.cfg, m.pending, m.rawHash = cfg, cfg, nil, h
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Pending lists the sections edited on disk that need a restart to apply.
func (m *ConfigManager) Pending() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.pending)
}

// Reload rereads the file and, when it is valid and differs from the live
// config, commits and publishes it. ok is false when nothing was published.
func (m *ConfigManager) Reload(ctx context.Context) (ch Change, ok bool, err error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.mu.RLock()
	boot, running, lastHash, pending := m.boot, m.cfg, m.rawHash, m.pending
	m.mu.RUnlock()
	if boot == nil {
		return Change{}, false, errors.New("config not loaded")
	}

	next, h, err := m.read()
	if err != nil {
		return Change{}, false, err
	}
	if h != 0 && h == lastHash {
		return Change{}, false, nil
	}
	if err := m.check(ctx, next); err != nil {
		return Change{}, false, err
	}

	edited, _ := SummarizeConfigChange(boot, next)
	deferred := RestartRequired(edited)
	live := pinRestartOnly(boot, next)
	sections, fields := SummarizeConfigChange(running, live)

	m.mu.Lock()
	m.rawHash = h
	if len(sections) == 0 && slices.Equal(deferred, pending) {
		m.mu.Unlock()
		return Change{}, false, nil
	}
	m.cfg, m.pending = live, deferred
	m.mu.Unlock()

	ch = Change{Prev: running, Next: live, Sections: sections, Fields: fields, Deferred: deferred}
	m.publish(ch)
	return ch, true, nil
}

// pinRestartOnly returns next with the restart-only sections taken from boot.
func pinRestartOnly(boot, next *Config) *Config {
	out := *next
	out.Storage = boot.Storage
	out.Directory = boot.Directory
	out.Channels = boot.Channels
	out.LockFile = boot.LockFile
	return &out
}

func (m *ConfigManager) Subscribe(buffer int) chan Change {
	ch := make(chan Change, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan Change) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

// publish delivers c to every subscriber.
func (m *ConfigManager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		m.offer(ch, c)
	}
}

// offer never blocks. A full subscriber has its oldest queued change folded
// into c, so nothing between its last receive and now is lost.
func (m *ConfigManager) offer(ch chan Change, c Change) {
	select {
	case ch <- c:
		return
	default:
	}
	select {
	case old := <-ch:
		c = old.Merge(c)
	default:
	}
	select {
	case ch <- c:
	default:
		m.log.Debug("config change dropped (subscriber slow)", logx.Int("queue_len", len(ch)), logx.Int("queue_cap", cap(ch)))
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	ch, ok, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	case !ok:
		m.log.Debug("config unchanged; nothing to publish", logx.String("path", m.path))
	default:
		m.log.Debug("config published", logx.String("path", m.path),
			logx.Any("changed", ch.Sections), logx.Any("deferred", ch.Deferred))
	}
}
