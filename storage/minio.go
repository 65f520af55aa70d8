package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/relaychat/server/config"
)

// MinIOStore keeps objects in an S3-compatible bucket.
type MinIOStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinIOStore connects to the configured endpoint and makes sure the
// bucket exists.
func NewMinIOStore(ctx context.Context, cfg config.StorageConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client: %w", err)
	}
	s := newMinIOStore(client, cfg)

	exists, err := client.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: make bucket: %w", err)
		}
	}
	return s, nil
}

func newMinIOStore(client *minio.Client, cfg config.StorageConfig) *MinIOStore {
	s := &MinIOStore{client: client, bucket: cfg.MinIOBucket, publicURL: cfg.PublicURL}
	if s.publicURL == "" || s.publicURL[0] == '/' {
		// Fall back to path-style URLs on the endpoint itself.
		s.publicURL = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + s.bucket
	}
	return s
}

// Put uploads data as one object.
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *MinIOStore) URL(key string) string {
	return joinURL(s.publicURL, key)
}
