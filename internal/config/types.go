package config

// Config is the whole runtime configuration. It is built once at startup
// (file, then environment overrides, then defaults) and passed to constructors.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Sync     SyncConfig     `json:"sync"`
	Media    MediaConfig    `json:"media"`
	Ledger   LedgerConfig   `json:"ledger"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// LogChat receives warnings when logging.telegram.enabled is set.
	LogChat string `json:"log_chat,omitempty"`
	// SendRatePerSec caps outgoing uploads/messages across all chats.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
	// RequestTimeout bounds a single /short request end to end.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SyncConfig controls automatic channel sync. Sync runs only when both
// Channel and Destination are set.
//
// Interval accepts a Go duration ("5m"), plain seconds ("300"), HH:MM,
// or a cron expression ("cron:*/5 * * * *").
type SyncConfig struct {
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	Interval    string `json:"interval"`
}

// Enabled reports whether both a publisher and a destination are configured.
func (s SyncConfig) Enabled() bool {
	return trim(s.Channel) != "" && trim(s.Destination) != ""
}

type MediaConfig struct {
	YtDlpPath          string `json:"ytdlp_path"`
	MaxDurationSeconds *int   `json:"max_duration_seconds,omitempty"` // 0 disables the ceiling
	MaxHeight          int    `json:"max_height"`
	ProbeTimeout       string `json:"probe_timeout"`
	AcquireTimeout     string `json:"acquire_timeout"`
	ScratchDir         string `json:"scratch_dir"`
	MaxUploadBytes     int64  `json:"max_upload_bytes"`
}

// MaxDuration is the duration ceiling in seconds. An explicit 0 disables it.
func (m MediaConfig) MaxDuration() int {
	if m.MaxDurationSeconds == nil {
		return DefaultMaxDurationSeconds
	}
	return *m.MaxDurationSeconds
}

// LedgerConfig selects the delivery ledger backend.
//
// Example:
//
//	"ledger": { "driver": "json", "path": "./.yt_shorts_state.json" }
type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

const (
	DefaultPollInterval       = "300"
	DefaultMaxDurationSeconds = 75
	DefaultMaxHeight          = 1080
	DefaultLedgerPath         = ".yt_shorts_state.json"
	DefaultYtDlpPath          = "yt-dlp"
	DefaultMaxUploadBytes     = 50 << 20
	DefaultSendRatePerSec     = 1
)

// ApplyDefaults fills zero values. It never overrides explicit settings.
func (c *Config) ApplyDefaults() {
	if trim(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if trim(c.Sync.Interval) == "" {
		c.Sync.Interval = DefaultPollInterval
	}
	if c.Media.MaxDurationSeconds == nil {
		n := DefaultMaxDurationSeconds
		c.Media.MaxDurationSeconds = &n
	}
	if c.Media.MaxHeight == 0 {
		c.Media.MaxHeight = DefaultMaxHeight
	}
	if trim(c.Media.YtDlpPath) == "" {
		c.Media.YtDlpPath = DefaultYtDlpPath
	}
	if c.Media.MaxUploadBytes == 0 {
		c.Media.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if trim(c.Ledger.Driver) == "" {
		c.Ledger.Driver = "json"
	}
	if trim(c.Ledger.Path) == "" {
		c.Ledger.Path = DefaultLedgerPath
	}
	if c.Telegram.SendRatePerSec == 0 {
		c.Telegram.SendRatePerSec = DefaultSendRatePerSec
	}
}
