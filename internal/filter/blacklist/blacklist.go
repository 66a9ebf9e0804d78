// Package blacklist provides a filter that discards messages matching
// any of a set of regular expressions.
package blacklist

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority is the chain position of the blacklist filter. It runs first so
// that dropped messages are never enriched.
const Priority = 10

// Rule is one blacklist entry.
type Rule struct {
	Name    string
	Pattern string
	// Field restricts the rule to one field. Empty matches against
	// short_message and full_message.
	Field string
}

type compiled struct {
	name  string
	re    *regexp.Regexp
	field string
}

// Filter discards messages matched by any rule. Rules can be replaced at
// runtime with SetRules.
type Filter struct {
	rules atomic.Pointer[[]compiled]
}

var _ filter.Filter = (*Filter)(nil)

// New compiles rules into a filter.
func New(rules []Rule) (*Filter, error) {
	f := &Filter{}
	if err := f.SetRules(rules); err != nil {
		return nil, err
	}
	return f, nil
}

// SetRules replaces the rule set. On error the previous rules stay active.
func (f *Filter) SetRules(rules []Rule) error {
	out := make([]compiled, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("blacklist rule %q: %w", r.Name, err)
		}
		out = append(out, compiled{name: r.Name, re: re, field: r.Field})
	}
	f.rules.Store(&out)
	return nil
}

func (f *Filter) Name() string  { return "blacklist" }
func (f *Filter) Priority() int { return Priority }

func (f *Filter) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	for _, r := range *f.rules.Load() {
		if r.matches(msg) {
			return filter.Discard, nil
		}
	}
	return filter.Pass, nil
}

func (r compiled) matches(msg *message.Message) bool {
	if r.field != "" {
		_, ok := msg.Get(r.field)
		return ok && r.re.MatchString(msg.String(r.field))
	}
	for _, key := range []string{message.FieldShortMessage, message.FieldFullMessage} {
		if s := msg.String(key); s != "" && r.re.MatchString(s) {
			return true
		}
	}
	return false
}
