package tail

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// bookmarkVersion is bumped when the state file layout changes. Files of
// another version are ignored and reading restarts per FromStart.
const bookmarkVersion = 1

// bookmarks records, per followed path, which file (by inode) was being
// read and how far.
type bookmarks struct {
	Version int                     `json:"version"`
	Saved   time.Time               `json:"saved"`
	Files   map[string]fileBookmark `json:"files"`
}

type fileBookmark struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

func newBookmarks() bookmarks {
	return bookmarks{Version: bookmarkVersion, Files: make(map[string]fileBookmark)}
}

// record stores the position of every followed file.
func (b bookmarks) record(files map[string]*tailedFile) {
	for path, tf := range files {
		b.Files[path] = fileBookmark{Inode: tf.inode, Offset: tf.offset}
	}
}

// loadBookmarks reads the state file at path. The returned bookmarks are
// usable even when err is set.
func loadBookmarks(path string) (bookmarks, error) {
	b := newBookmarks()
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return b, nil
	case err != nil:
		return b, err
	}

	var saved bookmarks
	if err := json.Unmarshal(data, &saved); err != nil {
		return b, fmt.Errorf("bookmarks %s: %w", path, err)
	}
	if saved.Version != bookmarkVersion {
		return b, fmt.Errorf("bookmarks %s: version %d, want %d", path, saved.Version, bookmarkVersion)
	}
	for p, fb := range saved.Files {
		b.Files[p] = fb
	}
	return b, nil
}

// saveBookmarks replaces the state file at path with b.
func saveBookmarks(path string, b bookmarks) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	b.Version = bookmarkVersion
	b.Saved = time.Now().UTC()
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".bookmarks-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
