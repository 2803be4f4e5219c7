package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "shortrelay/pkg/logx"
)

// fileLedger keeps the whole ledger in memory and rewrites the JSON file
// (temp file + rename) on every Record.
type fileLedger struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	entries map[string]float64 // unix seconds
	dirty   bool                // memory ahead of the file after a failed write
	closed  bool
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for json driver")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	entries, err := loadEntries(path)
	if err != nil {
		return nil, err
	}
	log.Debug("ledger loaded", logx.String("path", path), logx.Int("entries", len(entries)))
	return &fileLedger{log: log, path: path, entries: entries}, nil
}

func loadEntries(path string) (map[string]float64, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, err
	}
	// A zero-length file (e.g. created by touch) is an empty ledger.
	if len(bytes.TrimSpace(b)) == 0 {
		return map[string]float64{}, nil
	}
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if m == nil {
		m = map[string]float64{}
	}
	return m, nil
}

func (l *fileLedger) Contains(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[strings.TrimSpace(id)]
	return ok, nil
}

func (l *fileLedger) Record(_ context.Context, id string, at time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("ledger closed")
	}

	// The entry stays in memory even when the write fails so a sent item is
	// not sent again while the disk is unavailable.
	l.entries[id] = unixSeconds(at)
	return l.flushLocked()
}

func (l *fileLedger) flushLocked() error {
	if err := l.writeLocked(); err != nil {
		l.dirty = true
		return fmt.Errorf("persist ledger: %w", err)
	}
	l.dirty = false
	return nil
}

func (l *fileLedger) writeLocked() error {
	b, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, l.path)
}

func (l *fileLedger) Len(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}

func (l *fileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.dirty {
		return l.flushLocked()
	}
	return nil
}
