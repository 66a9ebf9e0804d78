// Package tail provides a file input: it follows log files matching glob
// patterns and turns each appended line into a message. Lines holding a
// GELF JSON object are decoded as GELF; any other line becomes the
// short_message of a plain message.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kerk1/ThreatHunting-graylog/internal/gelf"
	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// FieldPath holds the path of the file a line was read from.
const FieldPath = "path"

// maxLineSize bounds a line; a longer line without a newline is emitted
// truncated once this much is buffered.
const maxLineSize = 1 << 20

// Config holds file input configuration.
type Config struct {
	Name string

	// Patterns are doublestar globs; relative patterns resolve against the
	// working directory at New.
	Patterns []string

	// PollInterval re-evaluates the globs, rereads every file and saves
	// bookmarks. Zero relies on fsnotify alone and saves only on shutdown.
	PollInterval time.Duration

	// StateFile persists read offsets across restarts. Empty disables
	// persistence.
	StateFile string

	// FromStart reads files found at startup without a bookmark from the
	// beginning instead of the end.
	FromStart bool

	// Host is the host field of plain lines. Defaults to os.Hostname.
	Host string

	OnFull   flow.Mode
	Counters *throughput.Counters
	Now      func() time.Time
	Logger   *slog.Logger
}

// tailedFile tracks the state of a single file being tailed.
type tailedFile struct {
	path   string
	inode  uint64
	offset int64
	file   *os.File
}

// Ingester follows files. It implements orchestrator.Ingester. All file
// state is owned by the Run goroutine.
type Ingester struct {
	cfg    Config
	logger *slog.Logger
	files  map[string]*tailedFile
}

// New creates a file input.
func New(cfg Config) (*Ingester, error) {
	if len(cfg.Patterns) == 0 {
		return nil, errors.New("tail ingester: at least one path pattern is required")
	}
	patterns, err := absPatterns(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("tail ingester: %w", err)
	}
	cfg.Patterns = patterns
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingester{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "ingester", "type", "tail", "name", cfg.Name),
		files:  make(map[string]*tailedFile),
	}, nil
}

// Run follows the files until ctx is cancelled or the pipeline stops
// accepting messages. Offsets advance only past submitted lines.
func (ing *Ingester) Run(ctx context.Context, sink orchestrator.IngestSink) error {
	ctl := flow.New(sink, flow.Config{Mode: ing.cfg.OnFull, Counters: ing.cfg.Counters})

	bm, err := loadBookmarks(ing.cfg.StateFile)
	if err != nil {
		ing.logger.Warn("failed to load bookmarks, starting fresh", "error", err)
	}
	defer ing.saveAndClose(bm)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tail watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range watchDirs(ing.cfg.Patterns) {
		if err := watcher.Add(dir); err != nil {
			ing.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	paths, err := discoverFiles(ing.cfg.Patterns)
	if err != nil {
		return fmt.Errorf("tail discover: %w", err)
	}
	for _, path := range paths {
		ing.openFile(path, bm, ing.cfg.FromStart)
	}
	ing.logger.Info("tail ingester starting", "patterns", ing.cfg.Patterns, "files", len(ing.files))

	if err := ing.readAll(ctx, ctl); err != nil {
		return stopError(err)
	}

	var tickCh <-chan time.Time
	if ing.cfg.PollInterval > 0 {
		ticker := time.NewTicker(ing.cfg.PollInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			err = ing.handleEvent(ctx, event, bm, ctl)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ing.logger.Warn("fsnotify error", "error", werr)

		case <-tickCh:
			err = ing.poll(ctx, bm, ctl)
		}
		if err != nil {
			return stopError(err)
		}
	}
}

// stopError maps a submit failure to Run's result: a stopped pipeline or
// a cancelled context ends the input cleanly.
func stopError(err error) error {
	if errors.Is(err, orchestrator.ErrNotRunning) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openFile starts following path at its bookmark, or at the start or end
// of the file when there is no usable bookmark.
func (ing *Ingester) openFile(path string, bm bookmarks, fromStart bool) {
	if _, ok := ing.files[path]; ok {
		return
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		ing.logger.Warn("failed to open file", "path", path, "error", err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		ing.logger.Warn("failed to stat file", "path", path, "error", err)
		return
	}

	tf := &tailedFile{path: path, file: f}
	tf.inode, _ = inode(info)
	switch b, ok := bm.Files[path]; {
	case ok && b.Inode == tf.inode && b.Offset <= info.Size():
		tf.offset = b.Offset
	case fromStart:
		tf.offset = 0
	default:
		tf.offset = info.Size()
	}

	ing.files[path] = tf
	ing.logger.Debug("tailing file", "path", path, "offset", tf.offset)
}

func (ing *Ingester) readAll(ctx context.Context, ctl *flow.Controller) error {
	for _, tf := range ing.files {
		if err := ing.readNewLines(ctx, tf, ctl); err != nil {
			return err
		}
	}
	return nil
}

// readNewLines submits the complete lines appended since the last read. A
// trailing partial line stays unread until its newline arrives.
func (ing *Ingester) readNewLines(ctx context.Context, tf *tailedFile, ctl *flow.Controller) error {
	info, err := os.Stat(tf.path)
	if err != nil {
		ing.logger.Warn("failed to stat file during read", "path", tf.path, "error", err)
		return nil
	}

	if ino, ok := inode(info); ok && tf.inode != 0 && ino != tf.inode {
		ing.logger.Info("inode change detected, reopening", "path", tf.path)
		_ = tf.file.Close()
		f, err := os.Open(filepath.Clean(tf.path))
		if err != nil {
			ing.logger.Warn("failed to reopen after rotation", "path", tf.path, "error", err)
			delete(ing.files, tf.path)
			return nil
		}
		tf.file = f
		tf.inode = ino
		tf.offset = 0
	}

	if info.Size() < tf.offset {
		ing.logger.Info("truncation detected, resetting", "path", tf.path)
		tf.offset = 0
	}
	if info.Size() == tf.offset {
		return nil
	}

	if _, err := tf.file.Seek(tf.offset, io.SeekStart); err != nil {
		ing.logger.Warn("failed to seek", "path", tf.path, "error", err)
		return nil
	}

	r := bufio.NewReaderSize(tf.file, 64*1024)
	for {
		line, err := r.ReadSlice('\n')
		n := len(line)
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			// Collect the rest of an over-long line.
			rest, rerr := readLong(r, line)
			line, n, err = rest, len(rest), rerr
			if err != nil && !(errors.Is(err, io.EOF) && n >= maxLineSize) {
				return nil
			}
		default:
			return nil
		}

		if err := ing.submitLine(ctx, ctl, tf.path, trimEOL(line)); err != nil {
			return err
		}
		tf.offset += int64(n)
	}
}

// readLong continues a line that overflowed the reader's buffer, stopping
// at the newline or once maxLineSize bytes are held.
func readLong(r *bufio.Reader, head []byte) ([]byte, error) {
	line := append([]byte(nil), head...)
	for len(line) < maxLineSize {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
	return line, nil
}

func trimEOL(line []byte) []byte {
	if len(line) > maxLineSize {
		line = line[:maxLineSize]
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func (ing *Ingester) submitLine(ctx context.Context, ctl *flow.Controller, path string, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	return ctl.Submit(ctx, ing.buildMessage(path, line))
}

// buildMessage decodes a GELF line, falling back to a plain message.
func (ing *Ingester) buildMessage(path string, line []byte) *message.Message {
	now := ing.cfg.Now()
	if line[0] == '{' {
		if msg, err := gelf.Decode(line, ing.cfg.Host, now); err == nil {
			msg.Set(FieldPath, path)
			return msg
		}
	}
	msg := message.New(map[string]any{
		message.FieldVersion:      "1.1",
		message.FieldHost:         ing.cfg.Host,
		message.FieldShortMessage: string(line),
		FieldPath:                 path,
	}, now, ing.cfg.Host)
	msg.ReceiveTime = true
	return msg
}

func (ing *Ingester) handleEvent(ctx context.Context, event fsnotify.Event, bm bookmarks, ctl *flow.Controller) error {
	switch {
	case event.Has(fsnotify.Write):
		if tf, ok := ing.files[event.Name]; ok {
			return ing.readNewLines(ctx, tf, ctl)
		}

	case event.Has(fsnotify.Create):
		if !matchesAny(event.Name, ing.cfg.Patterns) {
			return nil
		}
		// A file created while running is read from its first line.
		ing.openFile(event.Name, bookmarks{}, true)
		if tf, ok := ing.files[event.Name]; ok {
			return ing.readNewLines(ctx, tf, ctl)
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if tf, ok := ing.files[event.Name]; ok {
			_ = tf.file.Close()
			delete(ing.files, event.Name)
			delete(bm.Files, event.Name)
			ing.logger.Debug("file removed or renamed", "path", event.Name)
		}
	}
	return nil
}

// poll re-evaluates the globs, reads every file and saves bookmarks.
func (ing *Ingester) poll(ctx context.Context, bm bookmarks, ctl *flow.Controller) error {
	paths, err := discoverFiles(ing.cfg.Patterns)
	if err != nil {
		ing.logger.Warn("poll discovery failed", "error", err)
	}
	for _, path := range paths {
		ing.openFile(path, bm, true)
	}
	if err := ing.readAll(ctx, ctl); err != nil {
		return err
	}
	bm.record(ing.files)
	if err := saveBookmarks(ing.cfg.StateFile, bm); err != nil {
		ing.logger.Warn("failed to save bookmarks", "error", err)
	}
	return nil
}

func (ing *Ingester) saveAndClose(bm bookmarks) {
	bm.record(ing.files)
	for _, tf := range ing.files {
		_ = tf.file.Close()
	}
	if err := saveBookmarks(ing.cfg.StateFile, bm); err != nil {
		ing.logger.Warn("failed to save bookmarks on shutdown", "error", err)
	}
}

func inode(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return stat.Ino, true
}
