package config

// Config is the daemon and CLI configuration. JSON or YAML; unknown keys are
// rejected. All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference ${NAME} environment variables (secrets).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Poller    PollerConfig    `json:"poller"`
	Directory DirectoryConfig `json:"directory"`
	Channels  ChannelsConfig  `json:"channels"`
	Metrics   MetricsConfig   `json:"metrics"`

	// Timezone is the quiet-hours zone for recipients without their own.
	// Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`

	// LockFile keeps a second daemon off the same database.
	// Default: "<storage.path>.lock".
	LockFile string `json:"lock_file,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig points at the SQLite database.
//
// Example:
//
//	"storage": { "path": "./broadcastd.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - queue_size: 1024
//   - rate_per_sec: 20 (negative disables the limiter)
//   - max_attempts: 3
//   - retry_base: "60s", retry_max_delay: "240s", retry_jitter: 0.2
//   - send_timeout: "30s"
//
// Rate and retry settings apply live; workers and queue_size need a restart.
type DispatchConfig struct {
	Workers       int     `json:"workers,omitempty" validate:"gte=0,lte=1024"`
	QueueSize     int     `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty" validate:"gte=0"`
	MaxAttempts   int     `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty" validate:"lte=1"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// PollerConfig controls the scheduled-start / deferral / resume tick.
//
// Enabled is a pointer so an omitted key means enabled.
type PollerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type DirectoryConfig struct {
	// RosterPath is the YAML roster file; it is reloaded when it changes.
	RosterPath string `json:"roster_path" validate:"required"`
}

// ChannelsConfig enables the external transports. The in-app inbox is always on.
type ChannelsConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type EmailConfig struct {
	Host               string `json:"host" validate:"required"`
	Port               int    `json:"port" validate:"gte=0,lte=65535"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"` // do not log
	From               string `json:"from" validate:"required"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token" validate:"required"` // do not log
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// MetricsConfig controls the optional Prometheus/pprof HTTP listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Path          string `json:"path,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// Default is used when no config file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Path: "./broadcastd.db"},
		Directory: DirectoryConfig{RosterPath: "./roster.yaml"},
	}
}

// PollerEnabled reports the effective poller flag.
func (c *Config) PollerEnabled() bool {
	return c.Poller.Enabled == nil || *c.Poller.Enabled
}
