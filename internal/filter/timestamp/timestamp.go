// Package timestamp replaces the arrival time of a message with the time
// written in its text.
//
// Only messages whose sender supplied no timestamp are touched. The
// earliest recognizable timestamp in the configured field wins:
//
//	2024-01-15T10:30:45.123Z            RFC 3339
//	2024-01-15 10:30:45.123-0800        ISO 8601 with a space
//	[02/Jan/2006:15:04:05 -0700]        Common Log Format
//	2024/01/15 10:30:45                 Go and Ruby loggers
//	Fri Feb 13 17:49:50.028 2026        ctime
//	Jan  5 15:04:02                     BSD syslog
//
// Formats without a year take the current one, stepping back a year when
// that would put the time more than a day ahead. Formats without a zone
// are read in the configured location.
package timestamp

import (
	"context"
	"regexp"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority places the filter after the extractors and before level.
const Priority = 18

// maxAhead bounds how far in the future an extracted time may lie.
const maxAhead = 24 * time.Hour

const (
	months   = `(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)`
	weekdays = `(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun)`
)

type format struct {
	re *regexp.Regexp
	// parse converts the match. now and loc serve the formats that lack a
	// year or zone.
	parse func(s string, now time.Time, loc *time.Location) (time.Time, bool)
}

var formats = []format{
	{
		re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`),
		parse: func(s string, _ time.Time, _ *time.Location) (time.Time, bool) {
			return parse(time.RFC3339Nano, s, time.UTC)
		},
	},
	{
		re: regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?(?:[+-]\d{4})?`),
		parse: func(s string, _ time.Time, loc *time.Location) (time.Time, bool) {
			if len(s) > 5 && (s[len(s)-5] == '+' || s[len(s)-5] == '-') {
				return parse("2006-01-02 15:04:05-0700", s, loc)
			}
			return parse("2006-01-02 15:04:05", s, loc)
		},
	},
	{
		re: regexp.MustCompile(`\[\d{2}/` + months + `/\d{4}:\d{2}:\d{2}:\d{2} [+-]\d{4}\]`),
		parse: func(s string, _ time.Time, _ *time.Location) (time.Time, bool) {
			return parse("02/Jan/2006:15:04:05 -0700", s[1:len(s)-1], time.UTC)
		},
	},
	{
		re: regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`),
		parse: func(s string, _ time.Time, loc *time.Location) (time.Time, bool) {
			return parse("2006/01/02 15:04:05", s, loc)
		},
	},
	{
		re: regexp.MustCompile(weekdays + ` ` + months + ` [ \d]\d \d{2}:\d{2}:\d{2}(?:\.\d+)?(?: \d{4})?`),
		parse: func(s string, now time.Time, loc *time.Location) (time.Time, bool) {
			s = s[4:]
			if len(s) > 5 && s[len(s)-5] == ' ' {
				return parse("Jan _2 15:04:05 2006", s, loc)
			}
			return yearless(s, now, loc)
		},
	},
	{
		re: regexp.MustCompile(months + ` [ \d]\d \d{2}:\d{2}:\d{2}`),
		parse: yearless,
	},
}

func parse(layout, s string, loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation(layout, s, loc)
	return t, err == nil
}

func yearless(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	t, ok := parse("Jan _2 15:04:05", s, loc)
	if !ok {
		return time.Time{}, false
	}
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(maxAhead)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, true
}

// Extract returns the earliest timestamp in s. A nil loc means UTC.
func Extract(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	var (
		best    time.Time
		bestPos = len(s)
		found   bool
	)
	loc = locOrUTC(loc)
	for _, f := range formats {
		m := f.re.FindStringIndex(s)
		if m == nil || m[0] >= bestPos {
			continue
		}
		if t, ok := f.parse(s[m[0]:m[1]], now, loc); ok {
			best, bestPos, found = t, m[0], true
		}
	}
	return best, found
}

func locOrUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// Config configures the filter.
type Config struct {
	// Field holds the text to scan. Default short_message.
	Field string
	// Location applies to timestamps without a zone. Default UTC.
	Location *time.Location
	Now      func() time.Time
}

// Filter is the timestamp filter.
type Filter struct {
	cfg Config
}

var _ filter.Filter = (*Filter)(nil)

// New creates a timestamp filter.
func New(cfg Config) *Filter {
	if cfg.Field == "" {
		cfg.Field = message.FieldShortMessage
	}
	cfg.Location = locOrUTC(cfg.Location)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Filter{cfg: cfg}
}

func (f *Filter) Name() string  { return "timestamp" }
func (f *Filter) Priority() int { return Priority }

// Filter never discards.
func (f *Filter) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	if !msg.ReceiveTime {
		return filter.Pass, nil
	}
	text := msg.String(f.cfg.Field)
	if text == "" {
		return filter.Pass, nil
	}
	now := f.cfg.Now()
	t, ok := Extract(text, now, f.cfg.Location)
	if !ok || t.After(now.Add(maxAhead)) {
		return filter.Pass, nil
	}
	msg.Timestamp = t
	msg.ReceiveTime = false
	return filter.Pass, nil
}
