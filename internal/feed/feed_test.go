package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "shortrelay/pkg/logx"
)

const testChannel = "UCabcdefghijklmnopqrstuv"

const atomFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <title>Test Channel</title>
 <entry>
  <id>yt:video:newer</id>
  <yt:videoId>newer</yt:videoId>
  <yt:channelId>UCabcdefghijklmnopqrstuv</yt:channelId>
  <title>Newer</title>
  <published>2024-05-02T10:00:00+00:00</published>
 </entry>
 <entry>
  <id>yt:video:older</id>
  <yt:videoId>older</yt:videoId>
  <title>Older</title>
  <published>2024-05-01T10:00:00+00:00</published>
 </entry>
 <entry>
  <id>yt:video:guidonly</id>
  <title>No timestamp</title>
 </entry>
</feed>`

func TestYouTubeFetchAndPollOrder(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atomFeed))
	}))
	defer srv.Close()

	p := NewPoller(NewYouTube(srv.Client(), srv.URL), logx.Nop())
	items := p.Poll(context.Background(), testChannel)

	if gotPath != "/feeds/videos.xml?channel_id="+testChannel {
		t.Fatalf("requested %q", gotPath)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	wantIDs := []string{"older", "newer", "guidonly"}
	for i, id := range wantIDs {
		if items[i].ID != id {
			t.Fatalf("items[%d].ID = %q, want %q", i, items[i].ID, id)
		}
	}
	if items[0].Reference != "https://www.youtube.com/watch?v=older" {
		t.Fatalf("Reference = %q", items[0].Reference)
	}
	if !items[2].PublishedAt.IsZero() {
		t.Fatalf("expected zero timestamp for guid-only entry")
	}
}

type errSource struct{}

func (errSource) Fetch(context.Context, string) ([]CandidateItem, error) {
	return nil, errors.New("boom")
}

func TestPollSwallowsErrors(t *testing.T) {
	t.Parallel()
	if items := NewPoller(errSource{}, logx.Nop()).Poll(context.Background(), "x"); len(items) != 0 {
		t.Fatalf("got %d items, want 0", len(items))
	}
}

func TestPollHTTPErrorIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if items := NewPoller(NewYouTube(srv.Client(), srv.URL), logx.Nop()).Poll(context.Background(), testChannel); len(items) != 0 {
		t.Fatalf("got %d items, want 0", len(items))
	}
}

func TestSortOldestFirstIsStable(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []CandidateItem{
		{ID: "z1"},
		{ID: "b", PublishedAt: t0.Add(time.Hour)},
		{ID: "a1", PublishedAt: t0},
		{ID: "z2"},
		{ID: "a2", PublishedAt: t0},
	}
	SortOldestFirst(items)
	want := []string{"a1", "a2", "b", "z1", "z2"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("order = %v, want %v", items, want)
		}
	}
}

func TestResolveChannelID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/@shorts":
			_, _ = w.Write([]byte(`<html><head>
<link rel="canonical" href="https://www.youtube.com/channel/` + testChannel + `">
</head><body></body></html>`))
		case "/c/legacy":
			_, _ = w.Write([]byte(`<html><head><meta itemprop="identifier" content="` + testChannel + `"></head></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	y := NewYouTube(srv.Client(), srv.URL)
	ctx := context.Background()
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: testChannel},
		{in: "https://www.youtube.com/channel/" + testChannel},
		{in: "@shorts"},
		{in: "https://www.youtube.com/c/legacy"},
		{in: "@missing", wantErr: true},
		{in: "not a channel", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := y.ResolveChannelID(ctx, tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ResolveChannelID(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != testChannel {
			t.Fatalf("ResolveChannelID(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCheckChannel(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{testChannel, "@shorts", "https://www.youtube.com/c/legacy", "youtube.com/@shorts"} {
		if err := CheckChannel(ok); err != nil {
			t.Fatalf("CheckChannel(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "  ", "not a channel", "https://www.youtube.com/"} {
		if err := CheckChannel(bad); !errors.Is(err, ErrBadChannel) {
			t.Fatalf("CheckChannel(%q) = %v, want ErrBadChannel", bad, err)
		}
	}
}
