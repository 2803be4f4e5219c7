package extract

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shortrelay/internal/relay"
	logx "shortrelay/pkg/logx"
)

type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

func argValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func newTestYtDlp(run func(ctx context.Context, name string, args ...string) (commandResult, error)) *YtDlp {
	y := NewYtDlp("yt-dlp-custom", logx.Nop())
	y.runner = &fakeRunner{run: run}
	return y
}

func TestFormatSelector(t *testing.T) {
	t.Parallel()
	want := "bestvideo[ext=mp4][height<=1080]+bestaudio[ext=m4a]/best[ext=mp4][height<=1080]/best[height<=1080]/best"
	if got := FormatSelector(1080); got != want {
		t.Fatalf("FormatSelector(1080) = %q, want %q", got, want)
	}
	if got := FormatSelector(0); strings.Contains(got, "height") {
		t.Fatalf("FormatSelector(0) = %q, want no height cap", got)
	}
}

func TestProbeParsesMetadata(t *testing.T) {
	y := newTestYtDlp(func(ctx context.Context, name string, args ...string) (commandResult, error) {
		if name != "yt-dlp-custom" {
			t.Fatalf("name = %q", name)
		}
		if args[0] != "-J" || args[len(args)-1] != "https://youtu.be/abc" {
			t.Fatalf("unexpected args %v", args)
		}
		return commandResult{Stdout: `{"id":"abc","title":"Hi","duration":40.6,"channel":"Chan","webpage_url":"https://www.youtube.com/watch?v=abc"}`}, nil
	})

	p, err := y.Probe(context.Background(), "https://youtu.be/abc", 720)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if p.ID != "abc" || p.Title != "Hi" || p.Duration != 40 {
		t.Fatalf("unexpected probe %+v", p)
	}
	if p.Uploader != "Chan" {
		t.Fatalf("Uploader = %q, want channel fallback", p.Uploader)
	}
	if len(p.Info) == 0 {
		t.Fatal("raw info not kept")
	}
}

func TestProbeMissingDurationIsUnknown(t *testing.T) {
	y := newTestYtDlp(func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{Stdout: `{"id":"abc","duration":null}`}, nil
	})
	p, err := y.Probe(context.Background(), "https://youtu.be/abc", 0)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if p.Duration != 0 {
		t.Fatalf("Duration = %d, want 0", p.Duration)
	}
}

func TestProbeSurfacesErrorLine(t *testing.T) {
	y := newTestYtDlp(func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{
			Stderr:   "WARNING: something\nERROR: [youtube] abc: Video unavailable\n",
			ExitCode: 1,
		}, errors.New("exit status 1")
	})
	_, err := y.Probe(context.Background(), "https://youtu.be/abc", 0)
	if err == nil || !strings.Contains(err.Error(), "Video unavailable") {
		t.Fatalf("err = %v, want yt-dlp error line", err)
	}
}

func TestAcquireUsesInfoJSONAndPrintedPath(t *testing.T) {
	dir := t.TempDir()
	y := newTestYtDlp(func(ctx context.Context, name string, args ...string) (commandResult, error) {
		infoPath := argValue(args, "--load-info-json")
		if infoPath == "" {
			t.Fatalf("missing --load-info-json in %v", args)
		}
		if b, err := os.ReadFile(infoPath); err != nil || string(b) != `{"id":"abc"}` {
			t.Fatalf("info.json = %q, %v", b, err)
		}
		if got := argValue(args, "--recode-video"); got != "mp4" {
			t.Fatalf("--recode-video = %q", got)
		}
		out := filepath.Join(dir, "abc.mp4")
		if err := os.WriteFile(out, []byte("v"), 0o600); err != nil {
			t.Fatal(err)
		}
		return commandResult{Stdout: "[info] done\n" + out + "\n"}, nil
	})

	path, err := y.Acquire(context.Background(), relay.MediaProbe{ID: "abc", Info: []byte(`{"id":"abc"}`)}, 1080, dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if path != filepath.Join(dir, "abc.mp4") {
		t.Fatalf("path = %q", path)
	}
}

func TestAcquireFallsBackToDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	y := newTestYtDlp(func(ctx context.Context, name string, args ...string) (commandResult, error) {
		if args[len(args)-1] != "https://youtu.be/abc" {
			t.Fatalf("expected reference as last arg, got %v", args)
		}
		for _, n := range []string{"abc.webm", "abc.mp4", "abc.f137.mp4.part"} {
			if err := os.WriteFile(filepath.Join(dir, n), []byte("v"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		return commandResult{}, nil
	})

	path, err := y.Acquire(context.Background(), relay.MediaProbe{ID: "abc", URL: "https://youtu.be/abc"}, 0, dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if filepath.Base(path) != "abc.mp4" {
		t.Fatalf("path = %q, want abc.mp4", path)
	}
}

func TestAcquireCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	y := newTestYtDlp(func(ctx context.Context, name string, args ...string) (commandResult, error) {
		return commandResult{ExitCode: -1}, errors.New("signal: killed")
	})
	_, err := y.Acquire(ctx, relay.MediaProbe{ID: "abc", URL: "https://youtu.be/abc"}, 0, t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestProbeTruncatesFractionalDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{raw: "75.6", want: 75},
		{raw: "75", want: 75},
		{raw: "76.0", want: 76},
		{raw: "0.4", want: 0},
	}
	for _, tt := range tests {
		y := newTestYtDlp(func(context.Context, string, ...string) (commandResult, error) {
			return commandResult{Stdout: `{"id":"abc","duration":` + tt.raw + `}`}, nil
		})
		p, err := y.Probe(context.Background(), "https://youtu.be/abc", 0)
		if err != nil {
			t.Fatalf("Probe(%s): %v", tt.raw, err)
		}
		if p.Duration != tt.want {
			t.Fatalf("duration %s -> %d, want %d", tt.raw, p.Duration, tt.want)
		}
	}
}

func TestExecRunnerDoesNotWaitForInheritedPipes(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	r := execRunner{waitDelay: 100 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The background sleep keeps stdout open after sh exits.
		_, _ = r.Run(context.Background(), sh, "-c", "sleep 5 & echo started")
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run blocked on a pipe held by a child process")
	}
}
