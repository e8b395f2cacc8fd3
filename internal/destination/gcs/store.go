// Package gcs replicates documents to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/danielpatrickdp/evolution-engine/internal/destination"
)

// Config selects the bucket and credentials.
type Config struct {
	ID     string `yaml:"id"`
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix"`
	// CredentialsFile is a service account key. Empty means application default credentials.
	CredentialsFile string `yaml:"credentials_file"`
	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string `yaml:"endpoint"`
}

// Store implements destination.Destination on one bucket.
type Store struct {
	id     string
	client *storage.Client
	bucket string
	prefix string
}

var _ destination.Destination = (*Store)(nil)

// New creates the storage client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return NewWithClient(cfg, client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cfg Config, client *storage.Client) *Store {
	id := cfg.ID
	if id == "" {
		id = "gcs:" + cfg.Bucket
	}
	return &Store{id: id, client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
}

func (s *Store) ID() string { return s.id }

func (s *Store) Put(ctx context.Context, p string, data []byte) error {
	name := s.object(p)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	name := s.object(p)
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", name, destination.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", name, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) object(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}
