package archive

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureConfig selects a blob container by storage account connection
// string.
type AzureConfig struct {
	ConnectionString string //nolint:gosec // config field, not a hardcoded credential
	Container        string
}

// AzureStore uploads archives as block blobs.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates a blob client.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.ConnectionString == "" || cfg.Container == "" {
		return nil, errors.New("azure store: connection_string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure store: %w", err)
	}
	return &AzureStore{client: client, container: cfg.Container}, nil
}

func (s *AzureStore) Put(ctx context.Context, key string, body *os.File, _ int64) error {
	_, err := s.client.UploadFile(ctx, s.container, key, body, nil)
	return err
}

func (s *AzureStore) String() string { return "azure://" + s.container }

func (s *AzureStore) Close() error { return nil }
