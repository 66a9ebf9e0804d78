package tail

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// absPatterns resolves relative patterns against the working directory.
func absPatterns(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			p = filepath.Join(wd, p)
		}
		if !doublestar.ValidatePathPattern(p) {
			return nil, &os.PathError{Op: "glob", Path: p, Err: doublestar.ErrBadPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// discoverFiles returns the deduplicated regular files matching any of the
// absolute patterns.
func discoverFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() || seen[m] {
				continue
			}
			seen[m] = true
			result = append(result, m)
		}
	}
	return result, nil
}

// watchDirs returns the static directory prefix of each pattern, the
// longest path before the first glob metacharacter.
func watchDirs(patterns []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, pattern := range patterns {
		dir := filepath.Dir(pattern)
		if i := strings.IndexAny(pattern, "*?[{"); i >= 0 {
			dir = filepath.Dir(pattern[:i])
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func matchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}
