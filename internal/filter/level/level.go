// Package level provides a filter that normalizes message severity.
//
// GELF carries severity as a syslog level number in the "level" field, but
// senders also use names ("WARN", "error") or omit the field and embed the
// level in the message text. The filter resolves all of these into a
// numeric syslog severity in "level" plus its canonical name in
// "level_name".
package level

import (
	"bytes"
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority is the chain position of the level filter.
const Priority = 20

// FieldLevelName holds the canonical severity name.
const FieldLevelName = "level_name"

// Syslog severities.
const (
	Emergency = iota
	Alert
	Critical
	Error
	Warning
	Notice
	Informational
	Debug
)

var names = [...]string{
	Emergency:     "emergency",
	Alert:         "alert",
	Critical:      "critical",
	Error:         "error",
	Warning:       "warning",
	Notice:        "notice",
	Informational: "informational",
	Debug:         "debug",
}

// Name returns the canonical name of a syslog severity.
func Name(severity int) string {
	if severity < 0 || severity >= len(names) {
		return ""
	}
	return names[severity]
}

// Filter sets "level" and "level_name". It never discards.
//
// Resolution order:
//   - an existing numeric "level" (0..7) is kept
//   - an existing textual "level" or "severity" is mapped by name
//   - otherwise short_message/full_message are scanned for a syslog
//     priority prefix (<NNN>), a level=/severity= pair, or a JSON
//     "level":/"severity": pair
//
// When nothing is found and Default is non-negative, Default is used.
type Filter struct {
	Default int
}

var _ filter.Filter = (*Filter)(nil)

// New creates a level filter that leaves unresolvable messages alone.
func New() *Filter { return &Filter{Default: -1} }

func (f *Filter) Name() string  { return "level" }
func (f *Filter) Priority() int { return Priority }

func (f *Filter) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	sev := fromField(msg)
	if sev < 0 {
		sev = fromText(msg)
	}
	if sev < 0 {
		sev = f.Default
	}
	if sev < 0 {
		return filter.Pass, nil
	}
	msg.Set(message.FieldLevel, int64(sev))
	msg.Set(FieldLevelName, Name(sev))
	return filter.Pass, nil
}

func fromField(msg *message.Message) int {
	for _, key := range []string{message.FieldLevel, "severity"} {
		v, ok := msg.Get(key)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int64:
			if n >= Emergency && n <= Debug {
				return int(n)
			}
		case int:
			if n >= Emergency && n <= Debug {
				return n
			}
		case float64:
			if n == math.Trunc(n) && n >= Emergency && n <= Debug {
				return int(n)
			}
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				if i >= Emergency && i <= Debug {
					return i
				}
				continue
			}
			if sev := normalize(n); sev >= 0 {
				return sev
			}
		}
	}
	return -1
}

func fromText(msg *message.Message) int {
	for _, key := range []string{message.FieldShortMessage, message.FieldFullMessage} {
		if s := msg.String(key); s != "" {
			if sev := extractLevel([]byte(s)); sev >= 0 {
				return sev
			}
		}
	}
	return -1
}

// extractLevel tries multiple strategies to find a severity in raw.
func extractLevel(raw []byte) int {
	if sev := extractSyslogPriority(raw); sev >= 0 {
		return sev
	}
	for _, key := range [][]byte{[]byte("level"), []byte("severity")} {
		if sev := findKeyValue(raw, key); sev >= 0 {
			return sev
		}
	}
	return -1
}

// extractSyslogPriority parses <priority> at the start of a message
// and derives severity from priority % 8.
func extractSyslogPriority(raw []byte) int {
	if len(raw) < 3 || raw[0] != '<' {
		return -1
	}
	i := 1
	for i < len(raw) && i < 5 && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == 1 || i >= len(raw) || raw[i] != '>' {
		return -1
	}
	priority := 0
	for _, b := range raw[1:i] {
		priority = priority*10 + int(b-'0')
	}
	return priority % 8
}

// findKeyValue searches for key=value or "key":"value" patterns.
func findKeyValue(raw, key []byte) int {
	pos := 0
	for pos < len(raw) {
		idx := bytes.Index(raw[pos:], key)
		if idx < 0 {
			return -1
		}
		idx += pos
		keyEnd := idx + len(key)

		// Word boundary: "sublevel" is not "level".
		if idx > 0 && isWordChar(raw[idx-1]) {
			pos = keyEnd
			continue
		}

		rest := raw[keyEnd:]
		if len(rest) == 0 {
			return -1
		}

		var val string
		switch {
		case rest[0] == '=':
			val = extractValueAfterSep(rest[1:])
		case rest[0] == '"' && len(rest) > 1 && rest[1] == ':':
			val = extractJSONValue(rest[2:])
		case rest[0] == ':':
			val = extractJSONValue(rest[1:])
		default:
			pos = keyEnd
			continue
		}

		if sev := normalize(val); sev >= 0 {
			return sev
		}
		pos = keyEnd
	}
	return -1
}

func extractValueAfterSep(rest []byte) string {
	if len(rest) == 0 {
		return ""
	}
	if rest[0] == '"' || rest[0] == '\'' {
		quote := rest[0]
		end := bytes.IndexByte(rest[1:], quote)
		if end < 0 {
			return ""
		}
		return string(rest[1 : 1+end])
	}
	end := 0
	for end < len(rest) && !isDelimiter(rest[end]) {
		end++
	}
	return string(rest[:end])
}

func extractJSONValue(rest []byte) string {
	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	if i >= len(rest) {
		return ""
	}
	if rest[i] == '"' || rest[i] == '\'' {
		quote := rest[i]
		end := bytes.IndexByte(rest[i+1:], quote)
		if end < 0 {
			return ""
		}
		return string(rest[i+1 : i+1+end])
	}
	start := i
	for i < len(rest) && !isDelimiter(rest[i]) {
		i++
	}
	return string(rest[start:i])
}

// normalize maps a level name to a syslog severity, or -1.
func normalize(val string) int {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "emerg", "emergency", "panic":
		return Emergency
	case "alert":
		return Alert
	case "crit", "critical", "fatal":
		return Critical
	case "err", "error":
		return Error
	case "warn", "warning":
		return Warning
	case "notice":
		return Notice
	case "info", "informational":
		return Informational
	case "debug", "trace":
		return Debug
	default:
		return -1
	}
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

func isDelimiter(b byte) bool {
	return b == ' ' || b == '\t' || b == ',' || b == ';' || b == '}' || b == ']' || b == '\n' || b == '\r'
}
