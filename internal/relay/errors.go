package relay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidReference means the input is not a YouTube link.
	ErrInvalidReference = errors.New("not a YouTube link")
	// ErrUsage means the on-demand command was called without a link.
	ErrUsage = errors.New("missing link")
	// ErrTooLarge means the acquired file exceeds the upload limit.
	ErrTooLarge = errors.New("file exceeds upload limit")
)

type Stage string

const (
	StageProbe     Stage = "probe"
	StageAcquire   Stage = "acquire"
	StageNormalize Stage = "normalize"
	StageDeliver   Stage = "deliver"
)

// StageError is a pipeline failure tied to the stage that produced it.
// The item was not delivered and stays eligible for retry.
type StageError struct {
	Stage Stage
	ID    string // empty when the probe itself failed
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.ID, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message is a short human-readable description for chat replies.
func (e *StageError) Message() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Err.Error())
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxLen = 300
	if r := []rune(msg); len(r) > maxLen {
		msg = string(r[:maxLen-1]) + "…"
	}
	return msg
}

// ErrorMessage renders any pipeline error for a chat reply.
func ErrorMessage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
