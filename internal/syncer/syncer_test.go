package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shortrelay/internal/feed"
	"shortrelay/internal/ledger"
	"shortrelay/internal/relay"
	kit "shortrelay/internal/transport"
	logx "shortrelay/pkg/logx"
)

type fakePoller struct {
	mu        sync.Mutex
	items     []feed.CandidateItem
	publisher string
}

func (f *fakePoller) Poll(_ context.Context, publisher string) []feed.CandidateItem {
	f.mu.Lock()
	f.publisher = publisher
	f.mu.Unlock()
	out := make([]feed.CandidateItem, len(f.items))
	copy(out, f.items)
	return out
}

type fakePipeline struct {
	mu       sync.Mutex
	calls    []string
	status   map[string]relay.Status
	failures map[string]int // remaining failures per reference
}

func (f *fakePipeline) Run(_ context.Context, req relay.Request) (relay.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Reference)
	if f.failures[req.Reference] > 0 {
		f.failures[req.Reference]--
		return relay.Outcome{}, &relay.StageError{Stage: relay.StageAcquire, Err: errors.New("HTTP Error 503")}
	}
	st := relay.StatusDelivered
	if s, ok := f.status[req.Reference]; ok {
		st = s
	}
	return relay.Outcome{Status: st}, nil
}

func (f *fakePipeline) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func item(id string) feed.CandidateItem {
	return feed.CandidateItem{ID: id, Reference: feed.WatchURL(id)}
}

func newTestSyncer(p Poller, pipe Pipeline, l ledger.Ledger) *Syncer {
	sched, _ := ParseSchedule("1h")
	return New(Config{Channel: "UCx", Destination: kit.ChatTarget{ChatID: 42}, Schedule: sched}, p, pipe, l, logx.Nop())
}

func TestCycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	poller := &fakePoller{items: []feed.CandidateItem{item("a"), item("b")}}
	pipe := &fakePipeline{}
	l := ledger.NewMemory()
	s := newTestSyncer(poller, pipe, l)

	st := s.RunCycle(ctx)
	if st.Delivered != 2 {
		t.Fatalf("first cycle delivered %d, want 2", st.Delivered)
	}
	st = s.RunCycle(ctx)
	if st.Delivered != 0 || st.Known != 2 {
		t.Fatalf("second cycle = %+v, want 2 known, 0 delivered", st)
	}
	if got := len(pipe.Calls()); got != 2 {
		t.Fatalf("pipeline called %d times, want 2", got)
	}
}

func TestCycleProcessesInPollOrder(t *testing.T) {
	poller := &fakePoller{items: []feed.CandidateItem{item("old"), item("mid"), item("new")}}
	pipe := &fakePipeline{}
	newTestSyncer(poller, pipe, ledger.NewMemory()).RunCycle(context.Background())

	calls := pipe.Calls()
	want := []string{feed.WatchURL("old"), feed.WatchURL("mid"), feed.WatchURL("new")}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestSkippedItemsAreRecorded(t *testing.T) {
	ctx := context.Background()
	long := item("long")
	poller := &fakePoller{items: []feed.CandidateItem{long}}
	pipe := &fakePipeline{status: map[string]relay.Status{long.Reference: relay.StatusSkipped}}
	l := ledger.NewMemory()
	s := newTestSyncer(poller, pipe, l)

	if st := s.RunCycle(ctx); st.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", st.Skipped)
	}
	if ok, _ := l.Contains(ctx, "long"); !ok {
		t.Fatal("skipped item not recorded")
	}
	s.RunCycle(ctx)
	if got := len(pipe.Calls()); got != 1 {
		t.Fatalf("skipped item probed %d times, want 1", got)
	}
}

func TestFailedItemIsRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	flaky := item("flaky")
	poller := &fakePoller{items: []feed.CandidateItem{flaky, item("ok")}}
	pipe := &fakePipeline{failures: map[string]int{flaky.Reference: 1}}
	l := ledger.NewMemory()
	s := newTestSyncer(poller, pipe, l)

	st := s.RunCycle(ctx)
	if st.Failed != 1 || st.Delivered != 1 {
		t.Fatalf("first cycle = %+v", st)
	}
	if ok, _ := l.Contains(ctx, "flaky"); ok {
		t.Fatal("failed item must not be recorded")
	}

	st = s.RunCycle(ctx)
	if st.Delivered != 1 || st.Known != 1 {
		t.Fatalf("second cycle = %+v", st)
	}
	if ok, _ := l.Contains(ctx, "flaky"); !ok {
		t.Fatal("retried item not recorded")
	}
}

func TestRestartDoesNotRedeliver(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	poller := &fakePoller{items: []feed.CandidateItem{item("a"), item("b")}}

	open := func() ledger.Ledger {
		l, err := ledger.Open(ledger.Config{Driver: "json", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return l
	}

	l := open()
	first := &fakePipeline{}
	newTestSyncer(poller, first, l).RunCycle(ctx)
	_ = l.Close()

	poller.items = append(poller.items, item("c"))
	l = open()
	defer l.Close()
	second := &fakePipeline{}
	newTestSyncer(poller, second, l).RunCycle(ctx)

	calls := second.Calls()
	if len(calls) != 1 || calls[0] != feed.WatchURL("c") {
		t.Fatalf("after restart calls = %v, want only c", calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	poller := &fakePoller{items: []feed.CandidateItem{item("a")}}
	s := newTestSyncer(poller, &fakePipeline{}, ledger.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Status().Cycles == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if next := s.Status().NextRun; next.IsZero() {
		t.Fatal("NextRun not set after cycle")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		source string
		every  time.Duration
	}{
		{raw: "300", source: "seconds", every: 5 * time.Minute},
		{raw: "5m", source: "duration", every: 5 * time.Minute},
		{raw: "01:30", source: "hhmm", every: 90 * time.Minute},
		{raw: "cron:*/5 * * * *", source: "cron"},
		{raw: "@hourly", source: "cron"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
		}
		if got.Source != tt.source {
			t.Fatalf("ParseSchedule(%q).Source = %s, want %s", tt.raw, got.Source, tt.source)
		}
		if tt.source != "cron" && got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q).Every = %v, want %v", tt.raw, got.Every, tt.every)
		}
	}

	for _, bad := range []string{"", "0", "-5", "soon", "00:75", "cron:", "cron:not cron"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) succeeded, want error", bad)
		}
	}
}

func TestScheduleNext(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC)

	every, _ := ParseSchedule("300")
	if got := every.Next(base); !got.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("interval Next = %v", got)
	}
	cr, _ := ParseSchedule("cron:*/5 * * * *")
	if got := cr.Next(base); !got.Equal(time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)) {
		t.Fatalf("cron Next = %v", got)
	}
}

func TestUnwritableLedgerDoesNotRedeliver(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	l, err := ledger.Open(ledger.Config{Driver: "json", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	pipe := &fakePipeline{}
	s := newTestSyncer(&fakePoller{items: []feed.CandidateItem{item("a")}}, pipe, l)
	for i := 0; i < 3; i++ {
		s.RunCycle(ctx)
	}
	if got := len(pipe.Calls()); got != 1 {
		t.Fatalf("item delivered %d times across 3 cycles, want 1", got)
	}
}

type flakyResolver struct {
	failures int
	calls    int
}

func (r *flakyResolver) ResolveChannelID(_ context.Context, publisher string) (string, error) {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return "", errors.New("dial tcp: connection refused")
	}
	if publisher != "@shorts" {
		return "", errors.New("unexpected publisher " + publisher)
	}
	return "UCabcdefghijklmnopqrstuv", nil
}

func TestRunResolvesChannelLazily(t *testing.T) {
	poller := &fakePoller{}
	res := &flakyResolver{failures: 1}
	sched, _ := ParseSchedule("1h")
	s := New(Config{Channel: "@shorts", Destination: kit.ChatTarget{ChatID: 42}, Schedule: sched},
		poller, &fakePipeline{}, ledger.NewMemory(), logx.Nop(), WithResolver(res))

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded while the channel lookup failed")
	}
	if s.Status().Cycles != 0 {
		t.Fatal("cycle ran before the channel resolved")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for s.Status().Cycles == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no cycle after lookup recovered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	poller.mu.Lock()
	got := poller.publisher
	poller.mu.Unlock()
	if got != "UCabcdefghijklmnopqrstuv" || s.Status().Channel != got {
		t.Fatalf("polled %q, status %q", got, s.Status().Channel)
	}
	if res.calls != 2 {
		t.Fatalf("resolver called %d times, want 2", res.calls)
	}
}
