package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig selects a Google Cloud Storage bucket. Without a credentials
// file the client uses Application Default Credentials.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Endpoint        string
}

// GCSStore uploads archives through an object writer.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a storage client.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs store: bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs store: new storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Put streams body into the object. The object only becomes visible when
// the writer closes without error.
func (s *GCSStore) Put(ctx context.Context, key string, body *os.File, size int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zstd"
	if _, err := io.Copy(w, io.LimitReader(body, size)); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *GCSStore) String() string { return "gs://" + s.bucket }

func (s *GCSStore) Close() error { return s.client.Close() }
