package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks bounds, durations and zone names. It is also the hot-reload
// gate: a config that fails here is never published.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("%s: failed %q %s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return err
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	durations := map[string]string{
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"dispatch.retry_base":      cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay": cfg.Dispatch.RetryMaxDelay,
		"dispatch.send_timeout":    cfg.Dispatch.SendTimeout,
		"poller.interval":          cfg.Poller.Interval,
		"metrics.read_timeout":     cfg.Metrics.ReadTimeout,
		"metrics.write_timeout":    cfg.Metrics.WriteTimeout,
	}
	if cfg.Channels.Telegram != nil {
		durations["channels.telegram.timeout"] = cfg.Channels.Telegram.Timeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
