// Package extractor provides a filter that copies values out of JSON
// message bodies into top-level fields using JSONPath expressions
// (RFC 9535).
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/theory/jsonpath"

	"github.com/kerk1/ThreatHunting-graylog/internal/filter"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
)

// Priority is the chain position of the extractor filter. It runs before
// the level filter so that an extracted level is normalized.
const Priority = 15

// Rule extracts the value selected by Path from the JSON held in Source
// into Target.
type Rule struct {
	Name   string
	Source string // default short_message
	Path   string
	Target string
}

type compiled struct {
	Rule
	path *jsonpath.Path
}

// Filter applies extraction rules. A source that is absent or not a JSON
// object or array is skipped. It never discards.
type Filter struct {
	rules []compiled
}

var _ filter.Filter = (*Filter)(nil)

// New compiles rules. Every rule needs a path and a target.
func New(rules []Rule) (*Filter, error) {
	f := &Filter{}
	var errs []error
	for _, r := range rules {
		if r.Source == "" {
			r.Source = message.FieldShortMessage
		}
		if r.Target == "" {
			errs = append(errs, fmt.Errorf("extractor %q: target is required", r.Name))
			continue
		}
		p, err := jsonpath.Parse(r.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("extractor %q: %w", r.Name, err))
			continue
		}
		f.rules = append(f.rules, compiled{Rule: r, path: p})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) Name() string  { return "extractor" }
func (f *Filter) Priority() int { return Priority }

func (f *Filter) Filter(_ context.Context, msg *message.Message) (filter.Verdict, error) {
	// Sources are decoded at most once per message.
	docs := make(map[string]any, 1)
	for _, r := range f.rules {
		doc, ok := docs[r.Source]
		if !ok {
			doc = decode(msg, r.Source)
			docs[r.Source] = doc
		}
		if doc == nil {
			continue
		}
		nodes := r.path.Select(doc)
		switch len(nodes) {
		case 0:
			continue
		case 1:
			msg.Set(r.Target, fieldValue(nodes[0]))
		default:
			msg.Set(r.Target, fieldValue([]any(nodes)))
		}
	}
	return filter.Pass, nil
}

// decode returns the JSON value held in field, or nil.
func decode(msg *message.Message, field string) any {
	var raw string
	switch v := msg.Fields[field].(type) {
	case string:
		raw = v
	case map[string]any, []any:
		return v
	default:
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || (raw[0] != '{' && raw[0] != '[') {
		return nil
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	return doc
}

// fieldValue converts a JSON node into a message field value: integral
// numbers become int64, objects and arrays are re-encoded as JSON text.
func fieldValue(v any) any {
	switch v := v.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}
