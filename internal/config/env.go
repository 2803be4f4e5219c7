package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables understood on top of the config file. The names match
// the ones used by earlier deployments of the bot.
const (
	EnvToken       = "TELEGRAM_BOT_TOKEN"
	EnvDestination = "TARGET_CHAT_ID"
	EnvChannel     = "YT_CHANNEL_ID"
	EnvInterval    = "POLL_INTERVAL"
	EnvMaxDuration = "MAX_DURATION_SECONDS"
	EnvMaxHeight   = "MAX_HEIGHT"
	EnvStateFile   = "STATE_FILE"
	EnvYtDlpPath   = "YTDLP_PATH"
)

// applyEnv overrides cfg with non-empty environment values. Numeric values
// that fail to parse are reported as errors instead of silently ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvDestination); ok {
		cfg.Sync.Destination = v
	}
	if v, ok := get(EnvChannel); ok {
		cfg.Sync.Channel = v
	}
	if v, ok := get(EnvInterval); ok {
		cfg.Sync.Interval = v
	}
	if v, ok := get(EnvMaxDuration); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr(EnvMaxDuration, v, err)
		}
		cfg.Media.MaxDurationSeconds = &n
	}
	if v, ok := get(EnvMaxHeight); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr(EnvMaxHeight, v, err)
		}
		cfg.Media.MaxHeight = n
	}
	if v, ok := get(EnvStateFile); ok {
		cfg.Ledger.Path = v
	}
	if v, ok := get(EnvYtDlpPath); ok {
		cfg.Media.YtDlpPath = v
	}
	return nil
}

func envErr(key, val string, err error) error {
	return &EnvError{Key: key, Value: val, Err: err}
}

// EnvError reports an environment override that could not be parsed.
type EnvError struct {
	Key   string
	Value string
	Err   error
}

func (e *EnvError) Error() string {
	return "env " + e.Key + "=" + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *EnvError) Unwrap() error { return e.Err }
