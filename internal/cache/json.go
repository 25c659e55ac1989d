package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/brandon/mailproc/pkg/types"
)

// JSONFile persists the header cache as a single JSON document
type JSONFile struct {
	path string
}

// NewJSONFile creates a persister for the given path. The file is created on
// the first Save.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Load reads the cache file. A missing file yields an empty cache.
func (f *JSONFile) Load() (types.CacheFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(types.CacheFile), nil
		}
		return nil, fmt.Errorf("failed to read cache file %s: %w", f.path, err)
	}

	cache := make(types.CacheFile)
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse cache file %s: %w", f.path, err)
	}
	return cache, nil
}

// Save rewrites the whole cache file. The data is written to a temporary
// file next to the target and renamed over it.
func (f *JSONFile) Save(cache types.CacheFile) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache file %s: %w", f.path, err)
	}
	return nil
}

// Close is a no-op; the file is only open during Load and Save.
func (f *JSONFile) Close() error {
	return nil
}
