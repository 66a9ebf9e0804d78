// Package archive copies indices to long-term storage before retention
// deletes them.
//
// An index is exported from the storage backend as newline-delimited JSON,
// compressed with zstd into a local temporary file and then uploaded to a
// Store under <prefix>/<index>.ndjson.zst. The temporary file keeps memory
// use flat and gives the uploaders a seekable body of known size.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
	"github.com/kerk1/ThreatHunting-graylog/internal/throughput"
)

// Extension is appended to the index name to form the object name.
const Extension = ".ndjson.zst"

// Source exports the documents of an index as JSON lines.
type Source interface {
	Export(ctx context.Context, index string, fn func(line []byte) error) error
}

// Store uploads archive objects. body is positioned at offset 0 and holds
// size bytes.
type Store interface {
	Put(ctx context.Context, key string, body *os.File, size int64) error
	String() string
	Close() error
}

// Config holds archiver configuration.
type Config struct {
	Source Source
	Store  Store

	// Prefix is prepended to every object key.
	Prefix string

	// TempDir holds archives while they upload. Empty means os.TempDir.
	TempDir string

	Counters *throughput.Counters
	Logger   *slog.Logger
}

// Archiver implements deflector.Archiver.
type Archiver struct {
	cfg    Config
	logger *slog.Logger
}

var _ deflector.Archiver = (*Archiver)(nil)

// New creates an archiver.
func New(cfg Config) (*Archiver, error) {
	if cfg.Source == nil || cfg.Store == nil {
		return nil, errors.New("archive: source and store are required")
	}
	if cfg.Counters == nil {
		cfg.Counters = throughput.New()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Archiver{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "archive", "store", cfg.Store.String()),
	}, nil
}

// Key returns the object key of index.
func (a *Archiver) Key(index string) string {
	return path.Join(a.cfg.Prefix, index+Extension)
}

// Archive exports index and uploads it. The index is left untouched.
func (a *Archiver) Archive(ctx context.Context, index string) error {
	start := time.Now()
	tmp, err := os.CreateTemp(a.cfg.TempDir, index+"-*"+Extension)
	if err != nil {
		return fmt.Errorf("archive %s: %w", index, err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	docs, err := a.export(ctx, index, tmp)
	if err != nil {
		return fmt.Errorf("archive %s: %w", index, err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("archive %s: %w", index, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("archive %s: %w", index, err)
	}

	key := a.Key(index)
	if err := a.cfg.Store.Put(ctx, key, tmp, size); err != nil {
		return fmt.Errorf("archive %s: upload %s: %w", index, key, err)
	}
	a.cfg.Counters.Inc(throughput.IndicesArchived)
	a.logger.Info("index archived",
		"index", index, "key", key, "docs", docs, "bytes", size, "took", time.Since(start))
	return nil
}

func (a *Archiver) export(ctx context.Context, index string, w io.Writer) (int64, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return 0, err
	}
	var docs int64
	err = a.cfg.Source.Export(ctx, index, func(line []byte) error {
		if _, err := enc.Write(line); err != nil {
			return err
		}
		if _, err := enc.Write([]byte{'\n'}); err != nil {
			return err
		}
		docs++
		return nil
	})
	if err != nil {
		_ = enc.Close()
		return 0, err
	}
	return docs, enc.Close()
}
