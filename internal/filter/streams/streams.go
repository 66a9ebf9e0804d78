// Package streams routes messages into named streams.
//
// A stream is a list of field rules. A message joins a stream when all of
// its rules match (or any, for streams configured with MatchAny). Matching
// stream names are appended to Message.Streams; outputs use them to pick
// destinations. The filter never discards.
package streams

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority is the chain position of the stream router. It runs last so
// rules see enriched fields.
const Priority = 40

// RuleType selects how a rule compares a field.
type RuleType string

const (
	Exact   RuleType = "exact"
	Regex   RuleType = "regex"
	Present RuleType = "present"
	Greater RuleType = "greater"
	Smaller RuleType = "smaller"
)

// Rule matches one field.
type Rule struct {
	Field    string
	Type     RuleType
	Value    string
	Inverted bool
}

// Stream is a named set of rules.
type Stream struct {
	Name     string
	Rules    []Rule
	MatchAny bool
}

// ErrInvalidRule is returned for rules that cannot be compiled.
var ErrInvalidRule = errors.New("invalid stream rule")

type compiledRule struct {
	Rule
	re  *regexp.Regexp
	num float64
}

type compiledStream struct {
	name     string
	rules    []compiledRule
	matchAny bool
}

// Router is the stream routing filter. Streams can be replaced at runtime.
type Router struct {
	streams atomic.Pointer[[]compiledStream]
}

var _ filter.Filter = (*Router)(nil)

// New compiles streams into a router.
func New(streams []Stream) (*Router, error) {
	r := &Router{}
	if err := r.SetStreams(streams); err != nil {
		return nil, err
	}
	return r, nil
}

// SetStreams replaces the stream set. On error the previous set stays active.
func (r *Router) SetStreams(streams []Stream) error {
	out := make([]compiledStream, 0, len(streams))
	for _, s := range streams {
		if s.Name == "" {
			return fmt.Errorf("%w: stream without name", ErrInvalidRule)
		}
		cs := compiledStream{name: s.Name, matchAny: s.MatchAny}
		for i, rule := range s.Rules {
			cr, err := compile(rule)
			if err != nil {
				return fmt.Errorf("stream %q rule %d: %w", s.Name, i, err)
			}
			cs.rules = append(cs.rules, cr)
		}
		out = append(out, cs)
	}
	r.streams.Store(&out)
	return nil
}

func compile(rule Rule) (compiledRule, error) {
	cr := compiledRule{Rule: rule}
	if rule.Field == "" {
		return cr, fmt.Errorf("%w: empty field", ErrInvalidRule)
	}
	switch rule.Type {
	case Exact, Present:
	case Regex:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return cr, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		cr.re = re
	case Greater, Smaller:
		n, err := strconv.ParseFloat(rule.Value, 64)
		if err != nil {
			return cr, fmt.Errorf("%w: %q is not a number", ErrInvalidRule, rule.Value)
		}
		cr.num = n
	default:
		return cr, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	return cr, nil
}

func (r *Router) Name() string  { return "streams" }
func (r *Router) Priority() int { return Priority }

func (r *Router) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	for _, s := range *r.streams.Load() {
		if s.matches(msg) {
			msg.AddStream(s.name)
		}
	}
	return filter.Pass, nil
}

func (s compiledStream) matches(msg *message.Message) bool {
	if len(s.rules) == 0 {
		return false
	}
	for _, rule := range s.rules {
		ok := rule.matches(msg)
		if s.matchAny && ok {
			return true
		}
		if !s.matchAny && !ok {
			return false
		}
	}
	return !s.matchAny
}

func (r compiledRule) matches(msg *message.Message) bool {
	_, present := msg.Get(r.Field)
	var ok bool
	switch r.Type {
	case Present:
		ok = present
	case Exact:
		ok = present && msg.String(r.Field) == r.Value
	case Regex:
		ok = present && r.re.MatchString(msg.String(r.Field))
	case Greater, Smaller:
		n, isNum := number(msg, r.Field)
		if isNum {
			ok = (r.Type == Greater && n > r.num) || (r.Type == Smaller && n < r.num)
		}
	}
	return ok != r.Inverted
}

func number(msg *message.Message, field string) (float64, bool) {
	v, ok := msg.Get(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
