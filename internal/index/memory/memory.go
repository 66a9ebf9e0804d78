// Package memory provides an in-memory index backend.
//
// Indices are slices of documents and aliases are a name-to-index map.
// Everything lives behind a single mutex. The backend is meant for tests and
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kerk1/ThreatHunting-graylog/internal/deflector"
	"github.com/kerk1/ThreatHunting-graylog/internal/logging"
)

type Config struct {
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Backend stores indices in memory.
type Backend struct {
	mu      sync.Mutex
	cfg     Config
	indices map[string]*indexState
	aliases map[string]string
	logger  *slog.Logger
}

type indexState struct {
	createdAt time.Time
	docs      []map[string]any
}

var _ deflector.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Backend{
		cfg:     cfg,
		indices: make(map[string]*indexState),
		aliases: make(map[string]string),
		logger:  logging.Default(cfg.Logger).With("component", "index-backend", "type", "memory"),
	}
}

func (b *Backend) CreateIndex(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indices[name]; ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexExists, name)
	}
	b.indices[name] = &indexState{createdAt: b.cfg.Now()}
	b.logger.Debug("index created", "index", name)
	return nil
}

func (b *Backend) DeleteIndex(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indices[name]; !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, name)
	}
	for alias, target := range b.aliases {
		if target == name {
			return fmt.Errorf("index %s is the target of alias %s", name, alias)
		}
	}
	delete(b.indices, name)
	return nil
}

// ListIndices returns all indices sorted by name.
func (b *Backend) ListIndices(context.Context) ([]deflector.IndexInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]deflector.IndexInfo, 0, len(b.indices))
	for _, name := range slices.Sorted(maps.Keys(b.indices)) {
		st := b.indices[name]
		out = append(out, deflector.IndexInfo{
			Name:      name,
			Docs:      int64(len(st.docs)),
			CreatedAt: st.createdAt,
		})
	}
	return out, nil
}

func (b *Backend) ResolveAlias(_ context.Context, alias string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	index, ok := b.aliases[alias]
	if !ok {
		return "", fmt.Errorf("%w: %s", deflector.ErrAliasNotFound, alias)
	}
	return index, nil
}

func (b *Backend) PointAliasAtomic(_ context.Context, alias, newIndex, oldIndex string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.indices[newIndex]; !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, newIndex)
	}
	if current := b.aliases[alias]; current != oldIndex {
		return fmt.Errorf("%w: %s points at %q, expected %q", deflector.ErrAliasConflict, alias, current, oldIndex)
	}
	b.aliases[alias] = newIndex
	return nil
}

func (b *Backend) DocCount(_ context.Context, index string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.indices[index]
	if !ok {
		return 0, fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	return int64(len(st.docs)), nil
}

func (b *Backend) IndexAge(_ context.Context, index string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.indices[index]
	if !ok {
		return 0, fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	return b.cfg.Now().Sub(st.createdAt), nil
}

// Append adds a document to index.
func (b *Backend) Append(_ context.Context, index string, doc map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.indices[index]
	if !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}
	st.docs = append(st.docs, doc)
	return nil
}

// Export calls fn with every document of index encoded as one JSON line.
func (b *Backend) Export(ctx context.Context, index string, fn func(line []byte) error) error {
	b.mu.Lock()
	st, ok := b.indices[index]
	var docs []map[string]any
	if ok {
		docs = slices.Clone(st.docs)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", deflector.ErrIndexNotFound, index)
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

// Documents returns a copy of the documents in index.
func (b *Backend) Documents(index string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.indices[index]
	if !ok {
		return nil
	}
	return slices.Clone(st.docs)
}
