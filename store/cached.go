package store

import (
	"context"
	"fmt"

	"github.com/aluiziolira/go-profile-insights/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore serves recent results from memory and writes through to the
// backing store. Misses are not cached.
type CachedStore struct {
	backend ResultStore
	cache   *lru.Cache[string, *models.AnalysisResult]
}

func NewCachedStore(backend ResultStore, size int) (*CachedStore, error) {
	cache, err := lru.New[string, *models.AnalysisResult](size)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

func (s *CachedStore) Get(ctx context.Context, identity string) (*models.AnalysisResult, bool, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, false, err
	}
	if result, ok := s.cache.Get(identity); ok {
		return result, true, nil
	}
	result, ok, err := s.backend.Get(ctx, identity)
	if err != nil || !ok {
		return nil, false, err
	}
	s.cache.Add(identity, result)
	return result, true, nil
}

// Put writes the backend first so the cache never holds an unpersisted result.
func (s *CachedStore) Put(ctx context.Context, identity string, result *models.AnalysisResult) error {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, identity, result); err != nil {
		s.cache.Remove(identity)
		return err
	}
	s.cache.Add(identity, result)
	return nil
}

func (s *CachedStore) Close() error {
	s.cache.Purge()
	return s.backend.Close()
}
