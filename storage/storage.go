// Package storage persists thumbnail objects and resolves their public URLs.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaychat/server/config"
)

const (
	ModeLocal = "local"
	ModeMinIO = "minio"
)

// Store writes objects under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	URL(key string) string
}

// Open returns the Store selected by cfg.Mode.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Mode {
	case ModeLocal, "":
		return NewLocalStore(cfg.LocalDir, cfg.PublicURL)
	case ModeMinIO:
		return NewMinIOStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unknown mode %q", cfg.Mode)
	}
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
