package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "shortrelay/pkg/logx"
)

func openDriver(t *testing.T, driver string, path string) Ledger {
	t.Helper()
	l, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return l
}

func TestDriversRecordAndReopen(t *testing.T) {
	for _, tc := range []struct{ driver, file string }{
		{"json", "state.json"},
		{"sqlite", "state.db"},
	} {
		tc := tc
		t.Run(tc.driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), tc.file)

			l := openDriver(t, tc.driver, path)
			if ok, err := l.Contains(ctx, "a"); err != nil || ok {
				t.Fatalf("Contains on empty ledger = %v, %v", ok, err)
			}
			if err := l.Record(ctx, "a", time.Unix(1700000000, 0)); err != nil {
				t.Fatalf("Record: %v", err)
			}
			// Re-recording updates, never duplicates.
			if err := l.Record(ctx, "a", time.Unix(1700000100, 0)); err != nil {
				t.Fatalf("Record again: %v", err)
			}
			if err := l.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Simulated restart.
			l = openDriver(t, tc.driver, path)
			defer l.Close()
			if ok, err := l.Contains(ctx, "a"); err != nil || !ok {
				t.Fatalf("Contains after reopen = %v, %v", ok, err)
			}
			if ok, _ := l.Contains(ctx, "b"); ok {
				t.Fatal("unexpected entry b")
			}
			if n, err := l.Len(ctx); err != nil || n != 1 {
				t.Fatalf("Len = %d, %v; want 1", n, err)
			}
		})
	}
}

func TestJSONFileFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	l := openDriver(t, "json", path)
	if err := l.Record(ctx, "dQw4w9WgXcQ", time.Unix(1700000000, 500_000_000)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("ledger file is not a JSON object: %v\n%s", err, b)
	}
	if got := m["dQw4w9WgXcQ"]; got != 1700000000.5 {
		t.Fatalf("timestamp = %v, want 1700000000.5", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the ledger file, got %d entries", len(entries))
	}
}

func TestJSONMissingAndEmptyFileAreEmpty(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(Config{Driver: "json", Path: filepath.Join(dir, "nested", "absent.json")}, logx.Nop()); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := Open(Config{Driver: "json", Path: empty}, logx.Nop())
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if n, _ := l.Len(context.Background()); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestJSONCorruptFileFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"a": 1,`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(Config{Driver: "json", Path: path}, logx.Nop())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	// The corrupt file must be left for the operator to inspect.
	b, _ := os.ReadFile(path)
	if string(b) != `{"a": 1,` {
		t.Fatalf("corrupt file was modified: %q", b)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestJSONFailedWriteKeepsEntryAndFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	path := filepath.Join(dir, "state.json")
	l := openDriver(t, "json", path)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, "a", time.Unix(1700000000, 0)); err == nil {
		t.Fatal("Record succeeded without a directory")
	}
	if ok, _ := l.Contains(ctx, "a"); !ok {
		t.Fatal("entry dropped after failed write")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	l = openDriver(t, "json", path)
	defer l.Close()
	if ok, _ := l.Contains(ctx, "a"); !ok {
		t.Fatal("pending entry not written on Close")
	}
}
