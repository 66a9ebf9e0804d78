// Package file provides an on-disk index backend.
//
// Layout under Dir:
//
//	indices/<name>/meta       creation time
//	indices/<name>/docs.log   one JSON document per line
//	aliases/<alias>           symlink to ../indices/<name>
//
// Moving an alias writes a fresh symlink next to the old one and renames it
// into place, so readers of the alias see either the old or the new index.
// The index an alias leaves is sealed and, with Compress set, rewritten as
// seekable zstd.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"

	"github.com/klauspost/compress/zstd"
)

// ErrIndexSealed is returned by Append on an index that no alias writes to
// any more.
var ErrIndexSealed = errors.New("index is sealed")

type Config struct {
	Dir string

	// Compress sealed indices with zstd.
	Compress bool

	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Backend stores indices as directories.
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Scoped with component="index-backend", type="file"
//   - Only lifecycle events (create, seal, delete) are logged
type Backend struct {
	mu     sync.Mutex
	cfg    Config
	enc    *zstd.Encoder
	files  map[string]*os.File // open append handles
	counts map[string]int64
	logger *slog.Logger
}

var _ deflector.Backend = (*Backend)(nil)

// New opens (or creates) the backend directory and loads document counts of
// existing indices.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, errors.New("file index backend: dir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Backend{
		cfg:    cfg,
		files:  make(map[string]*os.File),
		counts: make(map[string]int64),
		logger: logging.Default(cfg.Logger).With("component", "index-backend", "type", "file"),
	}
	for _, dir := range []string{b.indicesDir(), b.aliasesDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		b.enc = enc
	}

	entries, err := os.ReadDir(b.indicesDir())
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := countDocs(b.docLogPath(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load index %s: %w", e.Name(), err)
		}
		b.counts[e.Name()] = n
	}
	b.logger.Info("file index backend opened", "dir", cfg.Dir, "indices", len(b.counts))
	return b, nil
}

func (b *Backend) indicesDir() string { return filepath.Join(b.cfg.Dir, "indices") }
func (b *Backend) aliasesDir() string { return filepath.Join(b.cfg.Dir, "aliases") }

func (b *Backend) indexDir(name string) string { return filepath.Join(b.indicesDir(), name) }

func (b *Backend) aliasPath(alias string) string { return filepath.Join(b.aliasesDir(), alias) }

func (b *Backend) docLogPath(name string) string {
	return filepath.Join(b.indexDir(name), docLogName)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

func (b *Backend) CreateIndex(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := b.indexDir(name)
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", deflector.ErrIndexExists, name)
		}
		return err
	}
	if err := writeMeta(dir, b.cfg.Now()); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("write meta: %w", err)
	}
	if err := createDocLog(dir); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("create doc log: %w", err)
	}
	b.counts[name] = 0
	b.logger.Info("index created", "index", name)
	return nil
}

func (b *Backend) DeleteIndex(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.counts[name]; !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, name)
	}
	if alias, ok := b.aliasOf(name); ok {
		return fmt.Errorf("index %s is the target of alias %s", name, alias)
	}
	if f, ok := b.files[name]; ok {
		_ = f.Close()
		delete(b.files, name)
	}
	if err := os.RemoveAll(b.indexDir(name)); err != nil {
		return err
	}
	delete(b.counts, name)
	b.logger.Info("index deleted", "index", name)
	return nil
}

// aliasOf returns an alias pointing at index. Must hold mu.
func (b *Backend) aliasOf(index string) (string, bool) {
	entries, err := os.ReadDir(b.aliasesDir())
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if target, err := b.readAlias(e.Name()); err == nil && target == index {
			return e.Name(), true
		}
	}
	return "", false
}

// ListIndices returns all indices sorted by name.
func (b *Backend) ListIndices(context.Context) ([]deflector.IndexInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.indicesDir())
	if err != nil {
		return nil, err
	}
	out := make([]deflector.IndexInfo, 0, len(entries))
	for _, e := range entries {
		docs, ok := b.counts[e.Name()]
		if !e.IsDir() || !ok {
			continue
		}
		created, err := readMeta(b.indexDir(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", e.Name(), err)
		}
		out = append(out, deflector.IndexInfo{Name: e.Name(), Docs: docs, CreatedAt: created})
	}
	return out, nil
}

func (b *Backend) readAlias(alias string) (string, error) {
	target, err := os.Readlink(b.aliasPath(alias))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", deflector.ErrAliasNotFound, alias)
		}
		return "", err
	}
	return filepath.Base(target), nil
}

func (b *Backend) ResolveAlias(_ context.Context, alias string) (string, error) {
	if err := validName(alias); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readAlias(alias)
}

func (b *Backend) PointAliasAtomic(_ context.Context, alias, newIndex, oldIndex string) error {
	if err := validName(alias); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.counts[newIndex]; !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, newIndex)
	}
	current, err := b.readAlias(alias)
	if err != nil && !errors.Is(err, deflector.ErrAliasNotFound) {
		return err
	}
	if current != oldIndex {
		return fmt.Errorf("%w: %s points at %q, expected %q", deflector.ErrAliasConflict, alias, current, oldIndex)
	}

	tmp := filepath.Join(b.aliasesDir(), "."+alias+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Join("..", "indices", newIndex), tmp); err != nil {
		return fmt.Errorf("create alias link: %w", err)
	}
	if err := os.Rename(tmp, b.aliasPath(alias)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap alias link: %w", err)
	}

	if oldIndex != "" {
		b.sealLocked(oldIndex)
	}
	return nil
}

// sealLocked closes the append handle of index and seals its document log.
// Failures leave the log writable and are only logged. Must hold mu.
func (b *Backend) sealLocked(index string) {
	if f, ok := b.files[index]; ok {
		_ = f.Close()
		delete(b.files, index)
	}
	if err := sealDocLog(b.docLogPath(index), b.enc); err != nil {
		b.logger.Warn("seal index failed", "index", index, "error", err)
		return
	}
	b.logger.Info("index sealed", "index", index, "compressed", b.enc != nil)
}

func (b *Backend) DocCount(_ context.Context, index string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.counts[index]
	if !ok {
		return 0, fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	return n, nil
}

func (b *Backend) IndexAge(_ context.Context, index string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.counts[index]; !ok {
		return 0, fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	created, err := readMeta(b.indexDir(index))
	if err != nil {
		return 0, err
	}
	return b.cfg.Now().Sub(created), nil
}

// Append writes doc as one JSON line to index.
func (b *Backend) Append(_ context.Context, index string, doc map[string]any) error {
	line, err := marshalDoc(doc)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.counts[index]; !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	f, ok := b.files[index]
	if !ok {
		sealed, err := isSealed(b.docLogPath(index))
		if err != nil {
			return err
		}
		if sealed {
			return fmt.Errorf("%w: %s", ErrIndexSealed, index)
		}
		f, err = os.OpenFile(b.docLogPath(index), os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return err
		}
		b.files[index] = f
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append to %s: %w", index, err)
	}
	b.counts[index]++
	return nil
}

// Documents reads every document stored in index.
func (b *Backend) Documents(index string) ([]map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.counts[index]; !ok {
		return nil, fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	return readDocs(b.docLogPath(index))
}

// Export calls fn with every document of index as one JSON line, in write
// order. The index stays locked while it is read.
func (b *Backend) Export(ctx context.Context, index string, fn func(line []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.counts[index]; !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	return scanDocLog(b.docLogPath(index), func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(line)
	})
}

// Close releases open file handles.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, f := range b.files {
		errs = append(errs, f.Close())
		delete(b.files, name)
	}
	if b.enc != nil {
		errs = append(errs, b.enc.Close())
	}
	return errors.Join(errs...)
}
