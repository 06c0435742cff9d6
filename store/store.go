// Package store persists analysis results by identity and writes the
// raw payload log and CSV exports.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-profile-insights/config"
	"github.com/aluiziolira/go-profile-insights/models"
)

// errEmptyIdentity is returned by every backend for a blank key.
var errEmptyIdentity = errors.New("store: identity is required")

// ResultStore is a durable identity -> AnalysisResult mapping. Put replaces
// the whole record; concurrent writers to different identities are safe.
type ResultStore interface {
	Get(ctx context.Context, identity string) (*models.AnalysisResult, bool, error)
	Put(ctx context.Context, identity string, result *models.AnalysisResult) error
	Close() error
}

// Open builds the backend selected by cfg.StoreBackend, wrapped in an LRU
// when cfg.CacheSize is positive.
func Open(ctx context.Context, cfg *config.Config) (ResultStore, error) {
	var (
		backend ResultStore
		err     error
	)
	switch cfg.StoreBackend {
	case config.StoreFile:
		backend, err = NewFileStore(cfg.StorePath)
	case config.StoreSQLite:
		backend, err = NewSQLiteStore(ctx, cfg.StorePath)
	case config.StorePostgres:
		backend, err = NewPostgresStore(ctx, cfg.StoreDSN)
	case config.StoreS3:
		backend, err = NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	if cfg.CacheSize <= 0 {
		return backend, nil
	}
	cached, err := NewCachedStore(backend, cfg.CacheSize)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return cached, nil
}

func normalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", errEmptyIdentity
	}
	return identity, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
