package tail

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/ingester/flow"
	"github.com/kerk1/ThreatHunting-graylog/internal/message"
	"github.com/kerk1/ThreatHunting-graylog/internal/orchestrator"
)

type chanSink chan *message.Message

func (s chanSink) Submit(msg *message.Message) error {
	select {
	case s <- msg:
		return nil
	default:
		return orchestrator.ErrBufferFull
	}
}

// run starts ing and returns a function that stops it and waits for Run.
func run(t *testing.T, ing *Ingester, sink orchestrator.IngestSink) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx, sink) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
	t.Cleanup(stop)
	return stop
}

// expect reads len(want) messages and compares their short_message.
func expect(t *testing.T, sink chanSink, want ...string) []*message.Message {
	t.Helper()
	var msgs []*message.Message
	for _, w := range want {
		select {
		case msg := <-sink:
			if got := msg.String(message.FieldShortMessage); got != w {
				t.Errorf("short_message = %q, want %q", got, w)
			}
			msgs = append(msgs, msg)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
	return msgs
}

func expectNone(t *testing.T, sink chanSink, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-sink:
		t.Errorf("unexpected message %q", msg.String(message.FieldShortMessage))
	case <-time.After(wait):
	}
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func newIngester(t *testing.T, cfg Config) *Ingester {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	cfg.Host = "node1"
	cfg.OnFull = flow.Pause
	ing, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return ing
}

func TestReadsLinesAndGELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "plain line\r\n\n"+`{"version":"1.1","host":"web01","short_message":"gelf line","level":4}`+"\n")

	sink := make(chanSink, 16)
	run(t, newIngester(t, Config{Patterns: []string{filepath.Join(dir, "*.log")}, FromStart: true}), sink)

	msgs := expect(t, sink, "plain line", "gelf line")
	if got := msgs[0].String(message.FieldHost); got != "node1" {
		t.Errorf("plain host = %q", got)
	}
	if got := msgs[0].String(FieldPath); got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if got := msgs[1].String(message.FieldHost); got != "web01" {
		t.Errorf("gelf host = %q", got)
	}
	if got := msgs[1].String(FieldPath); got != path {
		t.Errorf("gelf path = %q", got)
	}

	appendFile(t, path, "appended\n")
	expect(t, sink, "appended")
}

func TestPartialLineWaitsForNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "")

	sink := make(chanSink, 16)
	run(t, newIngester(t, Config{Patterns: []string{path}, FromStart: true}), sink)

	appendFile(t, path, "abc")
	expectNone(t, sink, 150*time.Millisecond)
	appendFile(t, path, "def\n")
	expect(t, sink, "abcdef")
}

func TestTruncationRestartsFromTop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "one\ntwo\n")

	sink := make(chanSink, 16)
	run(t, newIngester(t, Config{Patterns: []string{path}, FromStart: true}), sink)
	expect(t, sink, "one", "two")

	if err := os.WriteFile(path, []byte("three\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	expect(t, sink, "three")
}

func TestNewFileReadFromStart(t *testing.T) {
	dir := t.TempDir()
	sink := make(chanSink, 16)
	run(t, newIngester(t, Config{Patterns: []string{filepath.Join(dir, "**", "*.log")}}), sink)

	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	appendFile(t, filepath.Join(dir, "sub", "new.log"), "first\nsecond\n")
	appendFile(t, filepath.Join(dir, "ignored.txt"), "nope\n")

	expect(t, sink, "first", "second")
	expectNone(t, sink, 100*time.Millisecond)
}

func TestExistingContentSkippedWithoutBookmark(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "old\n")

	ing := newIngester(t, Config{Patterns: []string{path}})
	ing.openFile(path, bookmarks{}, false)
	tf := ing.files[path]
	if tf == nil {
		t.Fatal("file not opened")
	}
	defer func() { _ = tf.file.Close() }()
	if tf.offset != 4 {
		t.Errorf("offset = %d, want 4 (end of file)", tf.offset)
	}
}

func TestBookmarksResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	state := filepath.Join(dir, "state", "tail", "files.json")
	appendFile(t, path, "a\nb\n")

	cfg := Config{Patterns: []string{path}, StateFile: state, FromStart: true}
	sink := make(chanSink, 16)
	stop := run(t, newIngester(t, cfg), sink)
	expect(t, sink, "a", "b")
	stop()

	bm, err := loadBookmarks(state)
	if err != nil {
		t.Fatal(err)
	}
	if bm.Files[path].Offset != 4 {
		t.Errorf("bookmark = %+v, want offset 4", bm.Files[path])
	}

	appendFile(t, path, "c\n")
	run(t, newIngester(t, cfg), sink)
	expect(t, sink, "c")
	expectNone(t, sink, 100*time.Millisecond)
}

func TestLoadBookmarks(t *testing.T) {
	dir := t.TempDir()

	b, err := loadBookmarks(filepath.Join(dir, "missing.json"))
	if err != nil || b.Files == nil {
		t.Errorf("missing file: %+v, %v", b, err)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err = loadBookmarks(corrupt)
	if err == nil {
		t.Error("corrupt file loaded without error")
	}
	if b.Files == nil {
		t.Error("corrupt file yielded unusable bookmarks")
	}

	old := filepath.Join(dir, "old.json")
	if err := os.WriteFile(old, []byte(`{"version":0,"files":{"/x":{"inode":1,"offset":9}}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err = loadBookmarks(old)
	if err == nil || len(b.Files) != 0 {
		t.Errorf("other version: %+v, %v", b, err)
	}
}

func TestDiscovery(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.log", "b.txt", "sub/c.log", "sub/deep/d.log"} {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		appendFile(t, p, "x\n")
	}

	patterns := []string{filepath.Join(dir, "**", "*.log"), filepath.Join(dir, "*.log")}
	files, err := discoverFiles(patterns)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(files)
	want := []string{
		filepath.Join(dir, "a.log"),
		filepath.Join(dir, "sub", "c.log"),
		filepath.Join(dir, "sub", "deep", "d.log"),
	}
	if !slices.Equal(files, want) {
		t.Errorf("discoverFiles = %v, want %v", files, want)
	}

	if got := watchDirs(patterns); !slices.Equal(got, []string{dir}) {
		t.Errorf("watchDirs = %v, want [%s]", got, dir)
	}
	if !matchesAny(filepath.Join(dir, "x", "y.log"), patterns) {
		t.Error("nested log did not match")
	}
	if matchesAny(filepath.Join(dir, "y.txt"), patterns) {
		t.Error("txt file matched")
	}
}

func TestFactory(t *testing.T) {
	factory := NewFactory(nil, "/data/state")

	ing, err := factory("files", map[string]string{"paths": "/var/log/*.log, /srv/**/*.log"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := ing.(*Ingester).cfg
	if len(cfg.Patterns) != 2 || cfg.PollInterval != DefaultPollInterval || cfg.OnFull != flow.Pause {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.StateFile != filepath.Join("/data/state", "tail", "files.json") {
		t.Errorf("StateFile = %q", cfg.StateFile)
	}

	tests := []struct {
		name   string
		params map[string]string
	}{
		{"missing paths", map[string]string{}},
		{"blank paths", map[string]string{"paths": " , "}},
		{"bad poll interval", map[string]string{"paths": "/tmp/*.log", "poll_interval": "soon"}},
		{"negative poll interval", map[string]string{"paths": "/tmp/*.log", "poll_interval": "-1s"}},
		{"bad on_full", map[string]string{"paths": "/tmp/*.log", "on_full": "block"}},
		{"bad pattern", map[string]string{"paths": "/tmp/[.log"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := factory("files", tt.params, nil); err == nil {
				t.Error("factory succeeded")
			}
		})
	}

	ing, err = NewFactory(nil, "")("files", map[string]string{"paths": "/tmp/*.log"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sf := ing.(*Ingester).cfg.StateFile; sf != "" {
		t.Errorf("StateFile = %q without a state dir", sf)
	}
}
