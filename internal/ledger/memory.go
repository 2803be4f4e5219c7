package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemory returns a ledger that lives only as long as the process.
func NewMemory() Ledger {
	return &memory{entries: map[string]time.Time{}}
}

func (m *memory) Contains(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[strings.TrimSpace(id)]
	return ok, nil
}

func (m *memory) Record(_ context.Context, id string, at time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	m.mu.Lock()
	m.entries[id] = at
	m.mu.Unlock()
	return nil
}

func (m *memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *memory) Close() error { return nil }
