package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "shortrelay/pkg/logx"
)

// ErrCorrupt is returned by Open when existing ledger data cannot be parsed.
var ErrCorrupt = errors.New("ledger corrupt")

// Ledger maps item identifiers to the time they were last processed.
type Ledger interface {
	// Contains reports whether id was already processed.
	Contains(ctx context.Context, id string) (bool, error)
	// Record marks id as processed at the given time. It returns only after
	// the entry is durable.
	Record(ctx context.Context, id string, at time.Time) error
	Len(ctx context.Context) (int, error)
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured ledger. A missing backing file is an empty
// ledger; unreadable content fails with ErrCorrupt.
func Open(cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "json", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver: %s", driver)
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
