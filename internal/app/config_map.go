package app

import (
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/channel/email"
	"broadcastd/internal/channel/telegram"
	"broadcastd/internal/config"
	"broadcastd/internal/dispatch"
	"broadcastd/internal/metrics"
	"broadcastd/internal/poller"
	"broadcastd/internal/storage"
	logx "broadcastd/pkg/logx"
)

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:    c.File.Enabled,
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAgeDays: c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

// mapDispatchConfig leaves zero values in place; dispatch applies its own defaults.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	base, err := config.ParseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	if maxDelay > 0 && base > maxDelay {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_base (%s) exceeds retry_max_delay (%s)", base, maxDelay)
	}
	return dispatch.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		Burst:         d.Burst,
		MaxAttempts:   d.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   d.RetryJitter,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 60*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	if interval < time.Second {
		return poller.Config{}, fmt.Errorf("poller.interval must be >= 1s")
	}
	return poller.Config{Interval: interval, Timezone: strings.TrimSpace(cfg.Timezone)}, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	m := cfg.Metrics
	readTimeout, err := config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 5*time.Second)
	if err != nil {
		return metrics.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("metrics.write_timeout", m.WriteTimeout, 30*time.Second)
	if err != nil {
		return metrics.Config{}, err
	}
	addr := strings.TrimSpace(m.Addr)
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	path := strings.TrimSpace(m.Path)
	if path == "" {
		path = "/metrics"
	}
	if !strings.HasPrefix(path, "/") {
		return metrics.Config{}, fmt.Errorf("metrics.path must start with '/'")
	}
	return metrics.Config{
		Enabled:       m.Enabled,
		Addr:          addr,
		Path:          path,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
	}, nil
}

func mapEmailConfig(c *config.EmailConfig) email.Config {
	return email.Config{
		Host:               strings.TrimSpace(c.Host),
		Port:               c.Port,
		Username:           c.Username,
		Password:           c.Password,
		From:               strings.TrimSpace(c.From),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func mapTelegramConfig(c *config.TelegramConfig) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("channels.telegram.timeout", c.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: c.Token, APIURL: c.APIURL, Timeout: timeout}, nil
}

func lockPath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.LockFile); p != "" {
		return p
	}
	return strings.TrimSpace(cfg.Storage.Path) + ".lock"
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// validateMapped runs every mapping so a hot reload that would fail to apply
// is rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMetricsConfig(cfg); err != nil {
		return err
	}
	if cfg.Channels.Telegram != nil {
		if _, err := mapTelegramConfig(cfg.Channels.Telegram); err != nil {
			return err
		}
	}
	return nil
}
