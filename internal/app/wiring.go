package app

import (
	"fmt"
	"time"

	"shortrelay/internal/config"
	"shortrelay/internal/ledger"
	"shortrelay/internal/relay"
	"shortrelay/internal/syncer"
	logx "shortrelay/pkg/logx"
)

const (
	defaultPollTimeout    = 10 * time.Second
	defaultProbeTimeout   = 90 * time.Second
	defaultAcquireTimeout = 10 * time.Minute
	defaultRequestTimeout = 15 * time.Minute
	defaultBusyTimeout    = 5 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	// The log sink addresses chats by numeric id only.
	if t, err := config.ParseChatTarget(cfg.Telegram.LogChat); err == nil {
		lc.Telegram.ChatID = t.ChatID
	}
	return lc
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	probe, err := config.ParseDurationOrDefault("media.probe_timeout", cfg.Media.ProbeTimeout, defaultProbeTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	acquire, err := config.ParseDurationOrDefault("media.acquire_timeout", cfg.Media.AcquireTimeout, defaultAcquireTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		MaxDuration:    cfg.Media.MaxDuration(),
		MaxHeight:      cfg.Media.MaxHeight,
		ProbeTimeout:   probe,
		AcquireTimeout: acquire,
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
		CaptionLimit:   relay.CaptionLimit,
	}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", cfg.Ledger.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:      cfg.Ledger.Driver,
		Path:        cfg.Ledger.Path,
		BusyTimeout: busy,
	}, nil
}

// mapSyncConfig returns ok=false when sync is not configured. The channel
// is left unresolved; see resolveChannel.
func mapSyncConfig(cfg *config.Config) (sc syncer.Config, ok bool, err error) {
	sched, err := syncer.ParseSchedule(cfg.Sync.Interval)
	if err != nil {
		return syncer.Config{}, false, fmt.Errorf("sync.interval: %w", err)
	}
	if !cfg.Sync.Enabled() {
		return syncer.Config{}, false, nil
	}
	dest, err := config.ParseChatTarget(cfg.Sync.Destination)
	if err != nil {
		return syncer.Config{}, false, fmt.Errorf("sync.destination: %w", err)
	}
	return syncer.Config{Channel: cfg.Sync.Channel, Destination: dest, Schedule: sched}, true, nil
}

// validateReload rejects reloaded configs the running app could not use.
func validateReload(cfg *config.Config) error {
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLedgerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSyncConfig(cfg); err != nil {
		return err
	}
	return nil
}

// changedSections lists top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	if prev.Telegram != next.Telegram {
		out = append(out, "telegram")
	}
	if prev.Logging != next.Logging {
		out = append(out, "logging")
	}
	if prev.Sync != next.Sync {
		out = append(out, "sync")
	}
	if !sameMedia(prev.Media, next.Media) {
		out = append(out, "media")
	}
	if prev.Ledger != next.Ledger {
		out = append(out, "ledger")
	}
	return out
}

func sameMedia(a, b config.MediaConfig) bool {
	if a.MaxDuration() != b.MaxDuration() {
		return false
	}
	a.MaxDurationSeconds, b.MaxDurationSeconds = nil, nil
	return a == b
}
