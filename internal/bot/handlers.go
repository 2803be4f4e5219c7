package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shortrelay/internal/relay"
	"shortrelay/internal/syncer"
	logx "shortrelay/pkg/logx"
)

const (
	usageText   = "Usage: /short <YouTube Shorts link>"
	invalidText = "Send a YouTube link."
	workingText = "Downloading…"
	doneText    = "Done ✅"
)

type Relayer interface {
	Run(ctx context.Context, req relay.Request) (relay.Outcome, error)
	Config() relay.Config
}

type SyncStatus interface {
	Status() syncer.Status
}

type LedgerSize interface {
	Len(ctx context.Context) (int, error)
}

// Handlers implements the chat commands. Sync and Ledger are nil when
// automatic sync is not configured.
type Handlers struct {
	Relay  Relayer
	Sync   SyncStatus
	Ledger LedgerSize
}

// Commands returns the command table in menu order.
func (h *Handlers) Commands(shortTimeout time.Duration) []Command {
	return []Command{
		{
			Name:        "short",
			Aliases:     []string{"s"},
			Description: "Post a YouTube Short to this chat",
			Usage:       "/short <url>",
			Timeout:     shortTimeout,
			Handle:      h.Short,
		},
		{
			Name:        "start",
			Description: "What this bot does",
			Hidden:      true,
			Handle:      h.Help,
		},
		{
			Name:        "help",
			Description: "What this bot does",
			Handle:      h.Help,
		},
		{
			Name:        "status",
			Description: "Channel sync status",
			Handle:      h.Status,
		},
	}
}

func (h *Handlers) Short(ctx context.Context, req *Request) error {
	ref := ""
	if len(req.Args) > 0 {
		ref = strings.TrimSpace(req.Args[0])
	}
	switch err := relay.ValidateReference(ref); {
	case errors.Is(err, relay.ErrUsage):
		return req.Reply(ctx, usageText)
	case err != nil:
		return req.Reply(ctx, invalidText)
	}

	if err := req.Reply(ctx, workingText); err != nil {
		return err
	}

	out, err := h.Relay.Run(ctx, relay.Request{Reference: ref, Destination: req.Chat})
	if err != nil {
		// Replies must still go out when the request timed out.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := req.Reply(rctx, "Error: "+relay.ErrorMessage(err)); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if out.Status == relay.StatusSkipped {
		return req.Reply(ctx, DurationNotice(out.Probe.Duration, h.Relay.Config().MaxDuration))
	}
	return req.Reply(ctx, doneText)
}

// DurationNotice tells the user a video was not posted because of its length.
func DurationNotice(duration, limit int) string {
	return fmt.Sprintf("This video is %s long, over the %ds limit. Skipping.", relay.HumanDuration(duration), limit)
}

func (h *Handlers) Help(ctx context.Context, req *Request) error {
	text := "Hi! Send /short <url> to post a YouTube Short to this chat.\n" +
		"I can also mirror a whole channel automatically (sync.channel + sync.destination, or " +
		"YT_CHANNEL_ID + TARGET_CHAT_ID)."
	if h.Relay != nil {
		if limit := h.Relay.Config().MaxDuration; limit > 0 {
			text += fmt.Sprintf("\nVideos longer than %ds are skipped.", limit)
		}
	}
	return req.Reply(ctx, text)
}

func (h *Handlers) Status(ctx context.Context, req *Request) error {
	if h.Sync == nil {
		return req.Reply(ctx, "Channel sync is off.")
	}
	st := h.Sync.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "Sync: %s → %s every %s\n", st.Channel, st.Destination, st.Schedule)
	switch {
	case st.Running:
		b.WriteString("State: running\n")
	case st.Cycles == 0:
		b.WriteString("State: waiting for first cycle\n")
	default:
		fmt.Fprintf(&b, "Last cycle: %s (%s ago)\n",
			st.LastEnded.Format(time.RFC3339), time.Since(st.LastEnded).Round(time.Second))
		fmt.Fprintf(&b, "Result: %d delivered, %d skipped, %d failed, %d known\n",
			st.Last.Delivered, st.Last.Skipped, st.Last.Failed, st.Last.Known)
	}
	if !st.NextRun.IsZero() && !st.Running {
		fmt.Fprintf(&b, "Next: %s\n", st.NextRun.Format(time.RFC3339))
	}
	if h.Ledger != nil {
		if n, err := h.Ledger.Len(ctx); err == nil {
			fmt.Fprintf(&b, "Ledger: %d items", n)
		} else {
			req.Logger.Warn("ledger size unavailable", logx.Err(err))
		}
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}
