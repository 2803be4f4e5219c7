package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"shortrelay/internal/relay"
	logx "shortrelay/pkg/logx"
)

// DefaultBinary is looked up on PATH when no explicit path is configured.
const DefaultBinary = "yt-dlp"

// FormatSelector prefers an mp4 video + m4a audio merge, then any single mp4,
// then anything, all capped at maxHeight when it is positive.
func FormatSelector(maxHeight int) string {
	if maxHeight <= 0 {
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	}
	h := fmt.Sprintf("[height<=%d]", maxHeight)
	return "bestvideo[ext=mp4]" + h + "+bestaudio[ext=m4a]/best[ext=mp4]" + h + "/best" + h + "/best"
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// pipeWaitDelay bounds how long Run waits for stdout/stderr after yt-dlp
// exits or is killed. Its ffmpeg children can hold the pipes open.
const pipeWaitDelay = 5 * time.Second

type execRunner struct {
	waitDelay time.Duration
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.waitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = pipeWaitDelay
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// YtDlp drives the yt-dlp executable. It satisfies relay.Extractor.
type YtDlp struct {
	bin    string
	runner commandRunner
	log    logx.Logger
}

func NewYtDlp(bin string, log logx.Logger) *YtDlp {
	if strings.TrimSpace(bin) == "" {
		bin = DefaultBinary
	}
	return &YtDlp{bin: bin, runner: execRunner{waitDelay: pipeWaitDelay}, log: log}
}

var _ relay.Extractor = (*YtDlp)(nil)

// info is the subset of yt-dlp's -J document the relay needs.
type info struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Duration   *float64 `json:"duration"`
	Uploader   string   `json:"uploader"`
	Channel    string   `json:"channel"`
	WebpageURL string   `json:"webpage_url"`
}

func (y *YtDlp) Probe(ctx context.Context, ref string, maxHeight int) (relay.MediaProbe, error) {
	args := []string{
		"-J",
		"--no-playlist",
		"--no-warnings",
		"-f", FormatSelector(maxHeight),
		"--", ref,
	}
	res, err := y.runner.Run(ctx, y.bin, args...)
	if err != nil {
		return relay.MediaProbe{}, runError(ctx, err, res)
	}

	raw := bytes.TrimSpace([]byte(res.Stdout))
	var in info
	if err := json.Unmarshal(raw, &in); err != nil {
		return relay.MediaProbe{}, fmt.Errorf("decode yt-dlp metadata: %w", err)
	}
	p := relay.MediaProbe{
		ID:       strings.TrimSpace(in.ID),
		Title:    in.Title,
		Uploader: in.Uploader,
		URL:      in.WebpageURL,
		Info:     json.RawMessage(raw),
	}
	if p.Uploader == "" {
		p.Uploader = in.Channel
	}
	// Truncated, so 75.6s passes a 75s ceiling.
	if in.Duration != nil && *in.Duration > 0 {
		p.Duration = int(*in.Duration)
	}
	return p, nil
}

func (y *YtDlp) Acquire(ctx context.Context, probe relay.MediaProbe, maxHeight int, dir string) (string, error) {
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"--restrict-filenames",
		"-f", FormatSelector(maxHeight),
		"--merge-output-format", "mp4",
		"--recode-video", "mp4",
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
	}
	if len(probe.Info) > 0 {
		infoPath := filepath.Join(dir, "info.json")
		if err := os.WriteFile(infoPath, probe.Info, 0o600); err != nil {
			return "", err
		}
		args = append(args, "--load-info-json", infoPath)
	} else {
		ref := probe.URL
		if ref == "" {
			ref = probe.ID
		}
		args = append(args, "--", ref)
	}

	y.log.Debug("yt-dlp acquire", logx.String("id", probe.ID), logx.String("dir", dir))
	res, err := y.runner.Run(ctx, y.bin, args...)
	if err != nil {
		return "", runError(ctx, err, res)
	}

	if path := lastLine(res.Stdout); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return path, nil
	}
	// Older yt-dlp builds ignore --print with --load-info-json.
	return findOutput(dir, probe.ID)
}

func findOutput(dir, id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(id)+".*"))
	if err != nil {
		return "", err
	}
	var best string
	for _, m := range matches {
		switch strings.ToLower(filepath.Ext(m)) {
		case ".part", ".ytdl", ".json":
			continue
		case relay.CanonicalExt:
			return m, nil
		}
		if best == "" {
			best = m
		}
	}
	if best == "" {
		return "", fmt.Errorf("yt-dlp produced no file for %s", id)
	}
	return best, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// runError surfaces yt-dlp's own ERROR line when there is one.
func runError(ctx context.Context, err error, res commandResult) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := ""
	for _, line := range strings.Split(res.Stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR:") {
			msg = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
			break
		}
		if line != "" {
			msg = line
		}
	}
	if msg == "" {
		return fmt.Errorf("yt-dlp exited %d: %w", res.ExitCode, err)
	}
	return fmt.Errorf("yt-dlp: %s", msg)
}
