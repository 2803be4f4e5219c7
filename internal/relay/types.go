package relay

import (
	"context"
	"encoding/json"
	"time"

	kit "shortrelay/internal/transport"
)

// MediaProbe is the metadata-only view of a source reference.
// Duration is in whole seconds; 0 means unknown.
type MediaProbe struct {
	ID       string
	Title    string
	Duration int
	Uploader string
	URL      string

	// Info is the backend's raw metadata document, handed back to Acquire
	// so the item is not extracted twice.
	Info json.RawMessage
}

// AcquiredMedia is a probe plus the local playable file. It lives inside a
// workspace directory that is removed when the pipeline invocation ends.
type AcquiredMedia struct {
	Probe MediaProbe
	Path  string
}

// Extractor is the media-extraction backend.
type Extractor interface {
	// Probe inspects ref without writing any file.
	Probe(ctx context.Context, ref string, maxHeight int) (MediaProbe, error)
	// Acquire writes the playable file into dir and returns its path.
	Acquire(ctx context.Context, probe MediaProbe, maxHeight int, dir string) (string, error)
}

// Destination delivers a video file with caption to a chat.
type Destination interface {
	SendVideo(ctx context.Context, to kit.ChatTarget, v kit.Video) (kit.MessageRef, error)
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusSkipped   Status = "skipped"
)

// Request is one pipeline invocation.
type Request struct {
	Reference   string
	Destination kit.ChatTarget
}

// Outcome describes a pipeline run that did not fail.
type Outcome struct {
	Status Status
	Probe  MediaProbe
	Took   time.Duration
}

// Config is the media policy applied by the pipeline.
type Config struct {
	MaxDuration    int // seconds; 0 disables the ceiling
	MaxHeight      int
	ProbeTimeout   time.Duration
	AcquireTimeout time.Duration
	MaxUploadBytes int64 // 0 disables the check
	CaptionLimit   int   // runes; defaults to CaptionLimit
}
