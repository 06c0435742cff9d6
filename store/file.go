package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-profile-insights/models"
)

// FileStore keeps every result in one JSON object file keyed by identity.
// Each Put rewrites the file through a temp file and rename.
type FileStore struct {
	path string

	mu      sync.RWMutex
	results map[string]*models.AnalysisResult
}

// NewFileStore loads path if it exists. A missing file starts empty.
func NewFileStore(path string) (*FileStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	s := &FileStore{path: path, results: make(map[string]*models.AnalysisResult)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.results); err != nil {
		return nil, fmt.Errorf("decode store file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, identity string) (*models.AnalysisResult, bool, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	result, ok := s.results[identity]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return result, true, nil
}

func (s *FileStore) Put(ctx context.Context, identity string, result *models.AnalysisResult) error {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("store: nil result for %q", identity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, had := s.results[identity]
	s.results[identity] = result
	if err := s.flushLocked(); err != nil {
		if had {
			s.results[identity] = previous
		} else {
			delete(s.results, identity)
		}
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// Len returns the number of stored identities.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
