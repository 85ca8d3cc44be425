package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks cross-field constraints and all duration strings.
// It does not mutate cfg; defaults are applied by the consuming services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	var errs []error

	if strings.TrimSpace(cfg.Static.BaseURL) == "" {
		errs = append(errs, errors.New("static.base_url is required (URL the speaker can fetch audio from)"))
	}
	if strings.TrimSpace(cfg.Device.BaseURL) == "" {
		errs = append(errs, errors.New("device.base_url is required"))
	}
	if strings.TrimSpace(cfg.Device.DeviceID) == "" {
		errs = append(errs, errors.New("device.device_id is required"))
	}
	if cfg.Cache.MaxBytes < 0 {
		errs = append(errs, errors.New("cache.max_bytes must be >= 0"))
	}
	if cfg.Queue.RetryJitter < 0 || cfg.Queue.RetryJitter > 1 {
		errs = append(errs, errors.New("queue.retry_jitter must be in [0,1]"))
	}
	if cfg.TTS.LengthScale < 0 {
		errs = append(errs, errors.New("tts.length_scale must be >= 0"))
	}

	for _, d := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"device.timeout", cfg.Device.Timeout},
		{"tts.timeout", cfg.TTS.Timeout},
		{"queue.retry_base", cfg.Queue.RetryBase},
		{"queue.retry_max_delay", cfg.Queue.RetryMaxDelay},
		{"queue.status_retention", cfg.Queue.StatusRetention},
		{"queue.dedup_window", cfg.Queue.DedupWindow},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Janitor.Enabled && strings.TrimSpace(cfg.Janitor.Schedule) != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.Janitor.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("janitor.schedule: %w", err))
		}
	}

	if (cfg.Alert.Token == "") != (cfg.Alert.ChatID == 0) {
		errs = append(errs, errors.New("alert: token and chat_id must be set together"))
	}

	return errors.Join(errs...)
}
