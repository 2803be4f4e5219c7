package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	kit "shortrelay/internal/transport"
)

var ErrMissingToken = errors.New("telegram.token is required (or set " + EnvToken + ")")

// Validate checks settings that are fatal at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if trim(cfg.Telegram.Token) == "" {
		return ErrMissingToken
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("media.probe_timeout", cfg.Media.ProbeTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("media.acquire_timeout", cfg.Media.AcquireTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ledger.busy_timeout", cfg.Ledger.BusyTimeout); err != nil {
		return err
	}
	if cfg.Media.MaxDuration() < 0 {
		return fmt.Errorf("media.max_duration_seconds must be >= 0")
	}
	if cfg.Media.MaxHeight < 0 {
		return fmt.Errorf("media.max_height must be >= 0")
	}
	if cfg.Media.MaxUploadBytes < 0 {
		return fmt.Errorf("media.max_upload_bytes must be >= 0")
	}
	if cfg.Telegram.SendRatePerSec < 0 {
		return fmt.Errorf("telegram.send_rate_per_sec must be >= 0")
	}
	if d := trim(cfg.Sync.Destination); d != "" {
		if _, err := ParseChatTarget(d); err != nil {
			return fmt.Errorf("sync.destination: %w", err)
		}
	}
	if d := trim(cfg.Telegram.LogChat); d != "" {
		if _, err := ParseChatTarget(d); err != nil {
			return fmt.Errorf("telegram.log_chat: %w", err)
		}
	}
	switch strings.ToLower(trim(cfg.Ledger.Driver)) {
	case "", "json", "file", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("unknown ledger.driver: %s", cfg.Ledger.Driver)
	}
	return nil
}

// ParseChatTarget accepts a numeric chat id ("-1001234567890") or a public
// username ("@channel").
func ParseChatTarget(raw string) (kit.ChatTarget, error) {
	s := trim(raw)
	if s == "" {
		return kit.ChatTarget{}, errors.New("chat is empty")
	}
	if strings.HasPrefix(s, "@") {
		if len(s) < 2 {
			return kit.ChatTarget{}, fmt.Errorf("invalid chat username %q", raw)
		}
		return kit.ChatTarget{Username: s}, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("invalid chat id %q", raw)
	}
	return kit.ChatTarget{ChatID: id}, nil
}
