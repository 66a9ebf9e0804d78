// Package useragent provides a filter that parses HTTP User-Agent strings
// into browser, operating system and device fields.
package useragent

import (
	"context"

	"github.com/mileusna/useragent"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority is the chain position of the user agent filter.
const Priority = 35

// DefaultFields are parsed when no fields are configured.
var DefaultFields = []string{"user_agent", "http_user_agent"}

// Filter adds <field>_browser, <field>_browser_version, <field>_os,
// <field>_os_version, <field>_device and <field>_class for each configured
// field that holds a non-empty string. It never discards.
type Filter struct {
	fields []string
}

var _ filter.Filter = (*Filter)(nil)

// New creates a user agent filter over fields.
func New(fields []string) *Filter {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Filter{fields: fields}
}

func (f *Filter) Name() string  { return "useragent" }
func (f *Filter) Priority() int { return Priority }

func (f *Filter) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	for _, field := range f.fields {
		raw := msg.String(field)
		if raw == "" {
			continue
		}
		ua := useragent.Parse(raw)
		set := func(suffix, v string) {
			if v != "" {
				msg.Set(field+"_"+suffix, v)
			}
		}
		set("browser", ua.Name)
		set("browser_version", ua.Version)
		set("os", ua.OS)
		set("os_version", ua.OSVersion)
		set("device", ua.Device)
		set("class", class(ua))
	}
	return filter.Pass, nil
}

func class(ua useragent.UserAgent) string {
	switch {
	case ua.Bot:
		return "bot"
	case ua.Tablet:
		return "tablet"
	case ua.Mobile:
		return "mobile"
	case ua.Desktop:
		return "desktop"
	}
	return ""
}
