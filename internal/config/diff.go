package config

import (
	"reflect"
	"strings"

	logx "broadcastd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes passwords or tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.Int("dispatch.workers", d.Workers),
			logx.Any("dispatch.rate_per_sec", d.RatePerSec),
			logx.Int("dispatch.max_attempts", d.MaxAttempts),
			logx.String("dispatch.retry_base", strings.TrimSpace(d.RetryBase)),
			logx.String("dispatch.send_timeout", strings.TrimSpace(d.SendTimeout)),
		)
	}

	if oldCfg.PollerEnabled() != newCfg.PollerEnabled() ||
		strings.TrimSpace(oldCfg.Poller.Interval) != strings.TrimSpace(newCfg.Poller.Interval) ||
		strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.PollerEnabled()),
			logx.String("poller.interval", strings.TrimSpace(newCfg.Poller.Interval)),
			logx.String("timezone", strings.TrimSpace(newCfg.Timezone)),
		)
	}

	if oldCfg.Directory != newCfg.Directory {
		changed = append(changed, "directory")
		attrs = append(attrs, logx.String("directory.roster_path", newCfg.Directory.RosterPath))
	}

	// Channels (never log password/token)
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.email", newCfg.Channels.Email != nil),
			logx.Bool("channels.telegram", newCfg.Channels.Telegram != nil),
		)
	}

	// Metrics (never log token)
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.LockFile) != strings.TrimSpace(newCfg.LockFile) {
		changed = append(changed, "lock_file")
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "directory", "channels", "lock_file":
			out = append(out, s)
		}
	}
	return out
}
