package deflector

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAliasNotFound is returned by Backend.ResolveAlias for an alias that
	// does not exist yet.
	ErrAliasNotFound = errors.New("alias not found")
	// ErrIndexExists is returned by Backend.CreateIndex for a name in use.
	ErrIndexExists = errors.New("index already exists")
	// ErrIndexNotFound is returned for operations on a missing index.
	ErrIndexNotFound = errors.New("index not found")
	// ErrAliasConflict is returned by Backend.PointAliasAtomic when the alias
	// does not currently point at the expected old index.
	ErrAliasConflict = errors.New("alias points at unexpected index")
)

// IndexInfo describes one index in the backend.
type IndexInfo struct {
	Name      string
	Docs      int64
	CreatedAt time.Time
}

// Backend is the storage the deflector manages. Implementations must be
// safe for concurrent use.
type Backend interface {
	CreateIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
	ListIndices(ctx context.Context) ([]IndexInfo, error)

	// ResolveAlias returns the index the alias points at, or
	// ErrAliasNotFound.
	ResolveAlias(ctx context.Context, alias string) (string, error)

	// PointAliasAtomic moves alias from oldIndex to newIndex in one step;
	// readers see either the old or the new index, never neither. An
	// empty oldIndex creates the alias. If the alias does not point at
	// oldIndex the call fails with ErrAliasConflict.
	PointAliasAtomic(ctx context.Context, alias, newIndex, oldIndex string) error

	DocCount(ctx context.Context, index string) (int64, error)

	// IndexAge returns how long ago the index was created.
	IndexAge(ctx context.Context, index string) (time.Duration, error)
}

// Archiver preserves an index outside the backend.
type Archiver interface {
	Archive(ctx context.Context, index string) error
}
