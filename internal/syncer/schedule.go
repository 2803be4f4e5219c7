package syncer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides when the next sync cycle starts.
//
// Supported forms:
//   - Plain seconds: "300"
//   - Go duration: "5m", "1h30m"
//   - HH:MM interval: "00:05" (5 minutes), "02:30"
//   - Cron: "*/5 * * * *", "@hourly", optionally prefixed with "cron:"
type Schedule struct {
	Every  time.Duration
	cron   cron.Schedule
	Source string // "seconds" | "duration" | "hhmm" | "cron"
	raw    string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a sync interval setting.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("sync interval required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(raw, s)
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Every: time.Duration(n) * time.Second, Source: "seconds", raw: raw}, nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Every: d, Source: "hhmm", raw: raw}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Every: d, Source: "duration", raw: raw}, nil
	}

	return Schedule{}, fmt.Errorf(
		"invalid sync interval %q (use seconds like '300', duration like '5m', HH:MM like '00:05', or cron like '*/5 * * * *')",
		raw,
	)
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{cron: sched, Source: "cron", raw: raw}, nil
}

// Next returns the start of the cycle following one that ended at after.
func (s Schedule) Next(after time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(after)
	}
	return after.Add(s.Every)
}

func (s Schedule) String() string {
	if s.cron != nil {
		return strings.TrimSpace(s.raw)
	}
	return s.Every.String()
}
