package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	DefaultBaseURL = "https://www.youtube.com"
	userAgent      = "shortrelay/1.0"
)

var channelIDPattern = regexp.MustCompile(`UC[A-Za-z0-9_-]{22}`)

// YouTube reads a channel's public Atom feed.
type YouTube struct {
	client  *http.Client
	baseURL string
	parser  *gofeed.Parser
}

// NewYouTube uses client for every request; nil means a client with a 20s
// timeout. An empty baseURL means DefaultBaseURL.
func NewYouTube(client *http.Client, baseURL string) *YouTube {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &YouTube{client: client, baseURL: baseURL, parser: gofeed.NewParser()}
}

func (y *YouTube) FeedURL(channelID string) string {
	return y.baseURL + "/feeds/videos.xml?channel_id=" + url.QueryEscape(channelID)
}

func (y *YouTube) Fetch(ctx context.Context, channelID string) ([]CandidateItem, error) {
	resp, err := y.get(ctx, y.FeedURL(channelID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	f, err := y.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]CandidateItem, 0, len(f.Items))
	for _, it := range f.Items {
		id := videoID(it)
		if id == "" {
			continue
		}
		c := CandidateItem{ID: id, Reference: WatchURL(id), Title: it.Title}
		switch {
		case it.PublishedParsed != nil:
			c.PublishedAt = *it.PublishedParsed
		case it.UpdatedParsed != nil:
			c.PublishedAt = *it.UpdatedParsed
		}
		items = append(items, c)
	}
	return items, nil
}

func videoID(it *gofeed.Item) string {
	if yt, ok := it.Extensions["yt"]; ok {
		for _, e := range yt["videoId"] {
			if v := strings.TrimSpace(e.Value); v != "" {
				return v
			}
		}
	}
	if id, ok := strings.CutPrefix(strings.TrimSpace(it.GUID), "yt:video:"); ok {
		return id
	}
	return strings.TrimSpace(it.GUID)
}

// ErrBadChannel means the configured channel can never resolve.
var ErrBadChannel = errors.New("bad channel reference")

// CheckChannel validates a channel reference without network access.
func CheckChannel(publisher string) error {
	_, _, err := channelRef(publisher)
	return err
}

// channelRef returns the id when publisher already names it, otherwise the
// page path that has to be fetched.
func channelRef(publisher string) (id, path string, err error) {
	publisher = strings.TrimSpace(publisher)
	if publisher == "" {
		return "", "", fmt.Errorf("%w: empty", ErrBadChannel)
	}
	if channelIDPattern.MatchString(publisher) && len(publisher) == 24 {
		return publisher, "", nil
	}

	switch {
	case strings.HasPrefix(publisher, "@"):
		return "", "/" + publisher, nil
	case strings.Contains(publisher, "://") || strings.Contains(publisher, "youtube.com/"):
		raw := publisher
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrBadChannel, err)
		}
		if rest, ok := strings.CutPrefix(u.Path, "/channel/"); ok {
			if id := channelIDPattern.FindString(rest); id != "" {
				return id, "", nil
			}
		}
		if strings.Trim(u.Path, "/") == "" {
			return "", "", fmt.Errorf("%w: %q has no channel path", ErrBadChannel, publisher)
		}
		return "", u.Path, nil
	default:
		return "", "", fmt.Errorf("%w: unrecognized %q", ErrBadChannel, publisher)
	}
}

// ResolveChannelID turns a channel id, channel URL or @handle into a UC… id.
// Handles and custom URLs are resolved by reading the channel page.
func (y *YouTube) ResolveChannelID(ctx context.Context, publisher string) (string, error) {
	id, path, err := channelRef(publisher)
	if err != nil || id != "" {
		return id, err
	}

	page := y.baseURL + path
	resp, err := y.get(ctx, page)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse channel page: %w", err)
	}
	candidates := []string{
		doc.Find(`meta[itemprop="identifier"]`).AttrOr("content", ""),
		doc.Find(`meta[itemprop="channelId"]`).AttrOr("content", ""),
		doc.Find(`link[rel="canonical"]`).AttrOr("href", ""),
		doc.Find(`meta[property="og:url"]`).AttrOr("content", ""),
	}
	for _, c := range candidates {
		if id := channelIDPattern.FindString(c); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no channel id found on %s", page)
}

func (y *YouTube) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned %s", target, resp.Status)
	}
	return resp, nil
}
