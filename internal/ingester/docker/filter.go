package docker

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// containerFilter selects the containers whose logs are followed. Each
// non-empty criterion must match; within a criterion any entry may match.
type containerFilter struct {
	Names  []string          // glob patterns for the container name
	Images []string          // glob patterns for the image reference
	Labels map[string]string // label key to required value ("" = any value)
}

func (f containerFilter) match(info containerInfo) bool {
	if len(f.Names) > 0 && !matchAny(f.Names, info.Name) {
		return false
	}
	if len(f.Images) > 0 && !matchAny(f.Images, info.Image) {
		return false
	}
	for k, want := range f.Labels {
		got, ok := info.Labels[k]
		if !ok || (want != "" && got != want) {
			return false
		}
	}
	return true
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, s); ok {
			return true
		}
	}
	return false
}

// parsePatterns splits a comma-separated glob list.
func parsePatterns(param, s string) ([]string, error) {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid %s pattern %q", param, p)
		}
		out = append(out, p)
	}
	return out, nil
}

// parseLabels parses "key=value,other" into a label selector.
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for kv := range strings.SplitSeq(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		labels[k] = v
	}
	return labels
}
