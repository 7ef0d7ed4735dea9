package weather

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/frostguard/frostguard/internal/atomicfile"
)

const cacheSchemaVersion = 1

// cacheFile is the on-disk representation of the last good forecast.
type cacheFile struct {
	Version   int                `json:"version"`
	FetchedAt time.Time          `json:"fetched_at"`
	Provider  string             `json:"provider"`
	Payload   NormalizedForecast `json:"payload"`
}

// CachedForecast is a loaded cache entry.
type CachedForecast struct {
	FetchedAt time.Time
	Provider  string
	Forecast  NormalizedForecast
}

// CacheStore persists the last successful fetch to a single JSON file,
// written atomically.
type CacheStore struct {
	path string
}

// NewCacheStore creates a cache store backed by the given file path.
func NewCacheStore(path string) *CacheStore {
	return &CacheStore{path: path}
}

// Load reads the cached forecast. A missing file or a schema version
// mismatch yields (nil, nil): the cache is simply absent.
func (s *CacheStore) Load() (*CachedForecast, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading weather cache: %w", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing weather cache: %w", err)
	}
	if f.Version != cacheSchemaVersion {
		return nil, nil
	}

	return &CachedForecast{
		FetchedAt: f.FetchedAt,
		Provider:  f.Provider,
		Forecast:  f.Payload,
	}, nil
}

// Store writes the forecast to disk.
func (s *CacheStore) Store(provider string, fetchedAt time.Time, forecast NormalizedForecast) error {
	return atomicfile.WriteJSON(s.path, cacheFile{
		Version:   cacheSchemaVersion,
		FetchedAt: fetchedAt,
		Provider:  provider,
		Payload:   forecast,
	})
}
