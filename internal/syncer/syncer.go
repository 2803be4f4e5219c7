// Package syncer runs the automatic channel sync: poll the feed, deliver
// every item the ledger has not seen, record it, wait, repeat.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shortrelay/internal/feed"
	"shortrelay/internal/ledger"
	"shortrelay/internal/relay"
	kit "shortrelay/internal/transport"
	logx "shortrelay/pkg/logx"
)

type Poller interface {
	Poll(ctx context.Context, publisher string) []feed.CandidateItem
}

type Pipeline interface {
	Run(ctx context.Context, req relay.Request) (relay.Outcome, error)
}

// Resolver turns a configured channel (handle, URL) into the id the feed needs.
type Resolver interface {
	ResolveChannelID(ctx context.Context, publisher string) (string, error)
}

type Option func(*Syncer)

// WithResolver makes Run resolve the channel before its first cycle.
func WithResolver(r Resolver) Option {
	return func(s *Syncer) { s.resolver = r }
}

const resolveTimeout = 30 * time.Second

type Config struct {
	Channel     string
	Destination kit.ChatTarget
	Schedule    Schedule
}

// CycleStats counts per-item results of one cycle.
type CycleStats struct {
	Polled    int
	Known     int
	Delivered int
	Skipped   int
	Failed    int
}

// Status is a snapshot for the /status command.
type Status struct {
	Channel     string
	Destination string
	Schedule    string
	Cycles      int
	Running     bool
	LastStarted time.Time
	LastEnded   time.Time
	NextRun     time.Time
	Last        CycleStats
}

// Syncer is the only writer of the ledger.
type Syncer struct {
	cfg    Config
	poller Poller
	pipe   Pipeline
	ledger ledger.Ledger
	log    logx.Logger
	now    func() time.Time

	resolver Resolver
	resolved bool

	mu     sync.Mutex
	status Status
}

func New(cfg Config, poller Poller, pipe Pipeline, l ledger.Ledger, log logx.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		cfg:    cfg,
		poller: poller,
		pipe:   pipe,
		ledger: l,
		log:    log.With(logx.String("comp", "sync")),
		now:    time.Now,
		status: Status{
			Channel:     cfg.Channel,
			Destination: cfg.Destination.String(),
			Schedule:    cfg.Schedule.String(),
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run performs a cycle immediately, then one per schedule tick, until ctx
// is done. The next tick is computed from the end of the previous cycle.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.resolveChannel(ctx); err != nil {
		return err
	}
	s.log.Info("sync started",
		logx.String("channel", s.cfg.Channel),
		logx.String("to", s.cfg.Destination.String()),
		logx.String("every", s.cfg.Schedule.String()))

	for {
		s.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		next := s.cfg.Schedule.Next(s.now())
		s.mu.Lock()
		s.status.NextRun = next
		s.mu.Unlock()
		s.log.Debug("next sync scheduled", logx.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("sync stopped")
			return nil
		case <-timer.C:
		}
	}
}

// resolveChannel runs once per Syncer. A failure is returned so the caller's
// restart backoff retries it.
func (s *Syncer) resolveChannel(ctx context.Context) error {
	if s.resolver == nil || s.resolved {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	id, err := s.resolver.ResolveChannelID(rctx, s.cfg.Channel)
	if err != nil {
		return fmt.Errorf("resolve channel %s: %w", s.cfg.Channel, err)
	}
	if id != s.cfg.Channel {
		s.log.Info("channel resolved", logx.String("from", s.cfg.Channel), logx.String("id", id))
	}
	s.cfg.Channel = id
	s.resolved = true
	s.mu.Lock()
	s.status.Channel = id
	s.mu.Unlock()
	return nil
}

// RunCycle processes one feed snapshot sequentially. Item failures are
// logged and leave the item eligible for the next cycle.
func (s *Syncer) RunCycle(ctx context.Context) CycleStats {
	s.mu.Lock()
	s.status.Running = true
	s.status.LastStarted = s.now()
	s.mu.Unlock()

	var st CycleStats
	items := s.poller.Poll(ctx, s.cfg.Channel)
	st.Polled = len(items)

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		s.processItem(ctx, it, &st)
	}

	s.mu.Lock()
	s.status.Running = false
	s.status.LastEnded = s.now()
	s.status.Cycles++
	s.status.Last = st
	s.mu.Unlock()

	if st.Delivered+st.Skipped+st.Failed > 0 {
		s.log.Info("sync cycle done",
			logx.Int("polled", st.Polled),
			logx.Int("delivered", st.Delivered),
			logx.Int("skipped", st.Skipped),
			logx.Int("failed", st.Failed))
	}
	return st
}

func (s *Syncer) processItem(ctx context.Context, it feed.CandidateItem, st *CycleStats) {
	log := s.log.With(logx.String("id", it.ID))

	known, err := s.ledger.Contains(ctx, it.ID)
	if err != nil {
		st.Failed++
		log.Error("ledger lookup failed", logx.Err(err))
		return
	}
	if known {
		st.Known++
		return
	}

	out, err := s.pipe.Run(ctx, relay.Request{Reference: it.Reference, Destination: s.cfg.Destination})
	if err != nil {
		st.Failed++
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		log.Warn("delivery failed; will retry next cycle", logx.Err(err))
		return
	}

	switch out.Status {
	case relay.StatusDelivered:
		st.Delivered++
	case relay.StatusSkipped:
		st.Skipped++
	}
	// Shutdown must not lose a record for something already sent.
	if err := s.ledger.Record(context.WithoutCancel(ctx), it.ID, s.now()); err != nil {
		// The item may be delivered again after a restart.
		log.Error("ledger record failed", logx.Err(err))
	}
}

func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
