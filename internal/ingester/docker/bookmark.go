package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// bookmarks maps a container ID to the timestamp of its last submitted
// log line.
type bookmarks map[string]time.Time

// loadBookmarks always returns a usable map. A missing file or empty path
// is not an error.
func loadBookmarks(path string) (bookmarks, error) {
	bm := make(bookmarks)
	if path == "" {
		return bm, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return bm, nil
	}
	if err != nil {
		return bm, err
	}
	var file struct {
		Containers map[string]time.Time `json:"containers"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return bm, fmt.Errorf("parse %s: %w", path, err)
	}
	for id, ts := range file.Containers {
		bm[id] = ts
	}
	return bm, nil
}

// saveBookmarks writes bm atomically.
func saveBookmarks(path string, bm bookmarks) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.Marshal(struct {
		Containers bookmarks `json:"containers"`
	}{bm})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
