// Package feed discovers candidate items published by a YouTube channel.
package feed

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	logx "shortrelay/pkg/logx"
)

// CandidateItem is one entry from a publisher feed. PublishedAt is zero when
// the feed carried no usable timestamp.
type CandidateItem struct {
	ID          string
	PublishedAt time.Time
	Reference   string
	Title       string
}

// Source fetches the current entries for a publisher.
type Source interface {
	Fetch(ctx context.Context, publisher string) ([]CandidateItem, error)
}

// WatchURL is the canonical reference handed to the pipeline for id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(id)
}

// Poller wraps a Source with the error and ordering policy of the sync loop.
type Poller struct {
	src Source
	log logx.Logger
}

func NewPoller(src Source, log logx.Logger) *Poller {
	return &Poller{src: src, log: log}
}

// Poll never fails: fetch errors are logged and yield no items. Items come
// back oldest first; items without a timestamp go last in feed order.
func (p *Poller) Poll(ctx context.Context, publisher string) []CandidateItem {
	items, err := p.src.Fetch(ctx, publisher)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("feed fetch failed", logx.String("publisher", publisher), logx.Err(err))
		}
		return nil
	}

	out := make([]CandidateItem, 0, len(items))
	for _, it := range items {
		it.ID = strings.TrimSpace(it.ID)
		if it.ID == "" {
			continue
		}
		if it.Reference == "" {
			it.Reference = WatchURL(it.ID)
		}
		out = append(out, it)
	}
	SortOldestFirst(out)
	p.log.Debug("feed polled", logx.String("publisher", publisher), logx.Int("items", len(out)))
	return out
}

// SortOldestFirst orders items by PublishedAt ascending, stable, with
// zero timestamps last.
func SortOldestFirst(items []CandidateItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].PublishedAt, items[j].PublishedAt
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		default:
			return a.Before(b)
		}
	})
}
