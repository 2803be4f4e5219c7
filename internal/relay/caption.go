package relay

import (
	"fmt"
	"html"
	"strings"
)

// CaptionLimit is Telegram's maximum media caption length.
const CaptionLimit = 1024

// HumanDuration formats seconds as H:MM:SS, or M:SS under an hour.
func HumanDuration(sec int) string {
	if sec < 0 {
		sec = 0
	}
	m, s := sec/60, sec%60
	h, m := m/60, m%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// BuildCaption renders the HTML caption for a delivered item.
func BuildCaption(p MediaProbe) string {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "(no title)"
	}
	return fmt.Sprintf("<b>%s</b>\n⏱ %s  •  👤 %s\n\n<a href='%s'>YouTube</a>",
		html.EscapeString(title),
		HumanDuration(p.Duration),
		html.EscapeString(p.Uploader),
		html.EscapeString(p.URL),
	)
}

// TruncateCaption keeps exactly the first limit characters of s.
func TruncateCaption(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
