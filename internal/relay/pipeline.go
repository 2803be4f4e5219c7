package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	kit "shortrelay/internal/transport"
	logx "shortrelay/pkg/logx"
)

// CanonicalExt is the container every delivered file ends up in.
const CanonicalExt = ".mp4"

// Pipeline turns one source reference into a delivered video, a policy skip,
// or a StageError. It never touches the ledger; callers decide what to record.
type Pipeline struct {
	cfg     Config
	ext     Extractor
	dest    Destination
	ws      *Workspace
	limiter *rate.Limiter
	log     logx.Logger
}

type Option func(*Pipeline)

// WithSendLimiter throttles uploads to the destination.
func WithSendLimiter(l *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

func WithLogger(log logx.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

func New(cfg Config, ext Extractor, dest Destination, ws *Workspace, opts ...Option) *Pipeline {
	if cfg.CaptionLimit <= 0 {
		cfg.CaptionLimit = CaptionLimit
	}
	p := &Pipeline{cfg: cfg, ext: ext, dest: dest, ws: ws, log: logx.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) Config() Config { return p.cfg }

// Run executes validate → probe → duration filter → acquire → normalize →
// deliver. The item's scratch directory is removed before Run returns,
// whatever the result.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	ref := strings.TrimSpace(req.Reference)
	if err := ValidateReference(ref); err != nil {
		return Outcome{}, err
	}

	probe, err := p.probe(ctx, ref)
	if err != nil {
		return Outcome{}, &StageError{Stage: StageProbe, Err: err}
	}
	log := p.log.With(logx.String("id", probe.ID))
	out := Outcome{Probe: probe}

	if p.Exceeds(probe.Duration) {
		log.Info("over duration; skipping",
			logx.Int("duration", probe.Duration),
			logx.Int("max_duration", p.cfg.MaxDuration))
		out.Status = StatusSkipped
		out.Took = time.Since(start)
		return out, nil
	}

	dir, release, err := p.ws.Open(probe.ID)
	if err != nil {
		return out, &StageError{Stage: StageAcquire, ID: probe.ID, Err: err}
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("scratch cleanup failed", logx.String("dir", dir), logx.Err(err))
		}
	}()

	path, err := p.acquire(ctx, probe, dir)
	if err != nil {
		return out, &StageError{Stage: StageAcquire, ID: probe.ID, Err: err}
	}
	path, err = NormalizeContainer(path)
	if err != nil {
		return out, &StageError{Stage: StageNormalize, ID: probe.ID, Err: err}
	}

	media := AcquiredMedia{Probe: probe, Path: path}
	if err := p.deliver(ctx, req.Destination, media); err != nil {
		return out, &StageError{Stage: StageDeliver, ID: probe.ID, Err: err}
	}

	out.Status = StatusDelivered
	out.Took = time.Since(start)
	log.Info("delivered",
		logx.String("to", req.Destination.String()),
		logx.Duration("took", out.Took))
	return out, nil
}

// Exceeds reports whether a known duration is over the configured ceiling.
func (p *Pipeline) Exceeds(duration int) bool {
	return duration > 0 && p.cfg.MaxDuration > 0 && duration > p.cfg.MaxDuration
}

func (p *Pipeline) probe(ctx context.Context, ref string) (MediaProbe, error) {
	if p.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		defer cancel()
	}
	probe, err := p.ext.Probe(ctx, ref, p.cfg.MaxHeight)
	if err != nil {
		return MediaProbe{}, err
	}
	if strings.TrimSpace(probe.ID) == "" {
		return MediaProbe{}, errors.New("extractor returned no item id")
	}
	if probe.Duration < 0 {
		probe.Duration = 0
	}
	if probe.URL == "" {
		probe.URL = ref
	}
	return probe, nil
}

func (p *Pipeline) acquire(ctx context.Context, probe MediaProbe, dir string) (string, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	return p.ext.Acquire(ctx, probe, p.cfg.MaxHeight, dir)
}

func (p *Pipeline) deliver(ctx context.Context, to kit.ChatTarget, m AcquiredMedia) error {
	if to.IsZero() {
		return errors.New("no destination chat")
	}
	st, err := os.Stat(m.Path)
	if err != nil {
		return err
	}
	if p.cfg.MaxUploadBytes > 0 && st.Size() > p.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: %d MiB > %d MiB", ErrTooLarge, st.Size()>>20, p.cfg.MaxUploadBytes>>20)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err = p.dest.SendVideo(ctx, to, kit.Video{
		Path:      m.Path,
		FileName:  m.Probe.ID + CanonicalExt,
		Caption:   TruncateCaption(BuildCaption(m.Probe), p.cfg.CaptionLimit),
		ParseMode: "HTML",
		Duration:  m.Probe.Duration,
		Streaming: true,
	})
	return err
}

// NormalizeContainer resolves path to its canonical-container sibling when
// the backend reported a different extension (e.g. after a remux step).
func NormalizeContainer(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), CanonicalExt) {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	alt := strings.TrimSuffix(path, filepath.Ext(path)) + CanonicalExt
	if _, err := os.Stat(alt); err == nil {
		return alt, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("backend output missing: %s", filepath.Base(path))
		}
		return "", err
	}
	return path, nil
}
