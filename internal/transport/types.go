package transport

import (
	"context"
	"strconv"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses a chat. Username ("@channel") wins over ChatID when set.
type ChatTarget struct {
	ChatID   int64
	Username string
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

// Recipient satisfies telebot's Recipient interface.
func (t ChatTarget) Recipient() string {
	if t.Username != "" {
		return t.Username
	}
	return strconv.FormatInt(t.ChatID, 10)
}

func (t ChatTarget) String() string { return t.Recipient() }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int // message id to reply to (0 = none)
}

// Video is a local file to upload as a video message.
type Video struct {
	Path      string
	FileName  string
	Caption   string
	ParseMode string
	Duration  int  // seconds, 0 if unknown
	Streaming bool // supports_streaming hint
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, v Video) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
