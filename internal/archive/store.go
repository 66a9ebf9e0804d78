package archive

import (
	"context"
	"fmt"
)

// StoreTypes are the store types NewStore accepts.
var StoreTypes = []string{"dir", "s3", "gcs", "azure"}

// StoreConfig is the union of the store settings, selected by Type.
type StoreConfig struct {
	Type  string
	Path  string // dir
	S3    S3Config
	GCS   GCSConfig
	Azure AzureConfig
}

// NewStore creates the store named by cfg.Type.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Type {
	case "dir":
		var d *DirStore
		if d, err = NewDirStore(cfg.Path); err == nil {
			st = d
		}
	case "s3":
		var s *S3Store
		if s, err = NewS3Store(ctx, cfg.S3); err == nil {
			st = s
		}
	case "gcs":
		var g *GCSStore
		if g, err = NewGCSStore(ctx, cfg.GCS); err == nil {
			st = g
		}
	case "azure":
		var a *AzureStore
		if a, err = NewAzureStore(cfg.Azure); err == nil {
			st = a
		}
	default:
		err = fmt.Errorf("unknown archive store type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
