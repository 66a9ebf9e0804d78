// Package syslogparse parses RFC 3164 (BSD) and RFC 5424 (IETF) syslog
// lines into a Record. The format is auto-detected from the version digit
// that follows the priority in RFC 5424.
package syslogparse

import (
	"bytes"
	"strconv"
	"time"
)

// Record is one parsed syslog line. Facility and Severity are -1 when the
// line carries no valid <PRI> prefix.
type Record struct {
	Facility  int
	Severity  int
	Version   string
	Timestamp time.Time // zero if absent or unparseable
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string

	// StructuredData is the raw RFC 5424 SD section, "" when "-".
	StructuredData string
	Body           string
}

// Parse parses data. now anchors RFC 3164 timestamps, which carry no year.
func Parse(data []byte, now time.Time) Record {
	rec := Record{Facility: -1, Severity: -1}

	if pri, rest, ok := ParsePriority(data); ok {
		rec.Facility = pri / 8
		rec.Severity = pri % 8
		data = rest
	}

	if len(data) > 2 && data[0] >= '1' && data[0] <= '9' && data[1] == ' ' {
		parseRFC5424(data, &rec)
	} else {
		parseRFC3164(data, now, &rec)
	}
	return rec
}

// ParsePriority extracts the priority value from <PRI>.
func ParsePriority(data []byte) (int, []byte, bool) {
	if len(data) < 3 || data[0] != '<' {
		return 0, data, false
	}

	end := 1
	for end < len(data) && end < 5 && data[end] != '>' {
		end++
	}

	if end >= len(data) || data[end] != '>' {
		return 0, data, false
	}

	pri, err := strconv.Atoi(string(data[1:end]))
	if err != nil || pri < 0 || pri > 191 {
		return 0, data, false
	}

	return pri, data[end+1:], true
}

// parseRFC3164 handles "MMM DD HH:MM:SS HOSTNAME TAG[PID]: MESSAGE".
// Lines that do not start with a timestamp are treated as a bare body.
func parseRFC3164(data []byte, now time.Time, rec *Record) {
	if len(data) < 15 {
		rec.Body = string(bytes.TrimSpace(data))
		return
	}

	ts, ok := parseBSDTime(string(data[:15]), now)
	if !ok {
		rec.Body = string(bytes.TrimSpace(data))
		return
	}
	rec.Timestamp = ts

	pos := 15
	for pos < len(data) && data[pos] == ' ' {
		pos++
	}

	start := pos
	for pos < len(data) && data[pos] != ' ' && data[pos] != ':' {
		pos++
	}
	if pos > start && pos-start <= 64 {
		rec.Hostname = string(data[start:pos])
	}

	for pos < len(data) && data[pos] == ' ' {
		pos++
	}

	start = pos
	for pos < len(data) && data[pos] != ':' && data[pos] != '[' && data[pos] != ' ' {
		pos++
	}
	if pos > start && pos-start <= 64 {
		rec.AppName = string(data[start:pos])
	}

	if pos < len(data) && data[pos] == '[' {
		pos++
		pidStart := pos
		for pos < len(data) && data[pos] != ']' {
			pos++
		}
		if pos > pidStart && pos < len(data) && pos-pidStart <= 16 {
			rec.ProcID = string(data[pidStart:pos])
		}
		if pos < len(data) {
			pos++
		}
	}

	if pos < len(data) && data[pos] == ':' {
		pos++
	}
	rec.Body = string(bytes.TrimSpace(data[pos:]))
}

func parseBSDTime(s string, now time.Time) (time.Time, bool) {
	for _, layout := range []string{time.Stamp, "Jan 02 15:04:05"} {
		ts, err := time.ParseInLocation(layout, s, now.Location())
		if err != nil {
			continue
		}
		ts = ts.AddDate(now.Year(), 0, 0)
		// Year rollover: a December line read in early January.
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		return ts, true
	}
	return time.Time{}, false
}

// parseRFC5424 handles
// "VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID SD [MESSAGE]".
func parseRFC5424(data []byte, rec *Record) {
	fields := SplitFields(data, 7)
	if len(fields) < 1 {
		return
	}
	rec.Version = string(fields[0])

	if len(fields) > 1 && string(fields[1]) != "-" {
		if ts, err := time.Parse(time.RFC3339Nano, string(fields[1])); err == nil {
			rec.Timestamp = ts
		}
	}
	rec.Hostname = nilValue(fields, 2, 255)
	rec.AppName = nilValue(fields, 3, 48)
	rec.ProcID = nilValue(fields, 4, 128)
	rec.MsgID = nilValue(fields, 5, 32)

	if len(fields) > 6 {
		sd, msg := splitStructuredData(fields[6])
		rec.StructuredData = sd
		// A UTF-8 BOM may prefix MSG.
		msg = bytes.TrimPrefix(msg, []byte("\xef\xbb\xbf"))
		rec.Body = string(bytes.TrimSpace(msg))
	}
}

func nilValue(fields [][]byte, i, maxLen int) string {
	if i >= len(fields) || string(fields[i]) == "-" || len(fields[i]) > maxLen {
		return ""
	}
	return string(fields[i])
}

// splitStructuredData separates the SD section from MSG. SD is either "-"
// or one or more [..] elements in which '\]' escapes a bracket.
func splitStructuredData(rest []byte) (sd string, msg []byte) {
	if len(rest) == 0 {
		return "", nil
	}
	if rest[0] == '-' {
		return "", rest[1:]
	}
	if rest[0] != '[' {
		return "", rest
	}

	pos := 0
	for pos < len(rest) && rest[pos] == '[' {
		pos++
		for pos < len(rest) && rest[pos] != ']' {
			if rest[pos] == '\\' {
				pos++
			}
			pos++
		}
		if pos >= len(rest) {
			return string(rest), nil
		}
		pos++
	}
	return string(rest[:pos]), rest[pos:]
}

// SplitFields splits data into up to n space-delimited fields. The last
// field holds the remainder unsplit.
func SplitFields(data []byte, n int) [][]byte {
	var fields [][]byte
	pos := 0
	for len(fields) < n && pos < len(data) {
		for pos < len(data) && data[pos] == ' ' {
			pos++
		}
		if pos >= len(data) {
			break
		}

		start := pos
		if len(fields) == n-1 {
			fields = append(fields, data[start:])
			break
		}
		for pos < len(data) && data[pos] != ' ' {
			pos++
		}
		fields = append(fields, data[start:pos])
	}
	return fields
}

// FacilityName returns the facility keyword, or "unknown".
func FacilityName(f int) string {
	names := []string{
		"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
		"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
		"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
	}
	if f >= 0 && f < len(names) {
		return names[f]
	}
	return "unknown"
}

// SeverityName returns the severity keyword, or "unknown".
func SeverityName(s int) string {
	names := []string{
		"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
	}
	if s >= 0 && s < len(names) {
		return names[s]
	}
	return "unknown"
}
