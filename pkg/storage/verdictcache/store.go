// Package verdictcache persists scan verdicts keyed by content hash using
// CockroachDB's Pebble. Serving a cached verdict for unchanged content
// skips the signature and heuristic passes entirely; entries from an older
// database version are simply ignored and overwritten.
package verdictcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/BlackVectorOps/hostguard/pkg/models"
)

// Key prefixes simulate logical buckets in Pebble's flat key space.
// Keep these short to minimize storage overhead per key.
var (
	prefixVerdicts = []byte("v:")    // v:contentKey -> JSON entry
	prefixMeta     = []byte("meta:") // meta:key -> value
)

const (
	// CurrentSchemaVersion enforces binary compatibility of stored entries.
	// Increment only if the entry serialization shape changes.
	CurrentSchemaVersion = 1

	// DefaultCacheSize is the Pebble block cache budget.
	DefaultCacheSize = 8 << 20 // 8MB
)

// entry is the stored representation of one cached verdict.
type entry struct {
	DBVersion  uint32 `json:"db_version"`
	Threat     bool   `json:"threat"`
	ThreatName string `json:"threat_name,omitempty"`
	Severity   int    `json:"severity,omitempty"`
}

// Store is a Pebble backed verdict cache. Reads dominate heavily; Get and
// Put share a read lock and only Close takes the mutex exclusively.
type Store struct {
	db *pebble.DB
	mu sync.RWMutex
}

// Open opens or creates the cache at dbPath. It retries on transient lock
// errors, which rapid service restarts leave behind for a few milliseconds.
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache: pebble.NewCache(DefaultCacheSize),
	}

	var db *pebble.DB
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		db, err = pebble.Open(dbPath, opts)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "lock") || strings.Contains(err.Error(), "temporarily unavailable") {
			time.Sleep(100 * time.Millisecond * time.Duration(1<<i))
			continue
		}
		return nil, fmt.Errorf("failed to open verdict cache %q: %w", dbPath, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cache lock for %q after %d attempts: %w", dbPath, maxRetries, err)
	}

	s := &Store{db: db}

	// Schema gate: refuse entries written by a newer layout.
	ver, err := s.getMeta("schema_version")
	if err == nil && ver != "" {
		var stored int
		if _, scanErr := fmt.Sscanf(ver, "%d", &stored); scanErr == nil && stored > CurrentSchemaVersion {
			db.Close()
			return nil, fmt.Errorf("%w: cache schema %d newer than supported %d", models.ErrFormat, stored, CurrentSchemaVersion)
		}
	} else {
		if err := s.setMeta("schema_version", fmt.Sprintf("%d", CurrentSchemaVersion)); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Get returns the cached verdict for key if it was produced by dbVersion.
func (s *Store) Get(key string, dbVersion uint32) (models.Verdict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return models.Verdict{}, false
	}

	raw, closer, err := s.db.Get(verdictKey(key))
	if err != nil {
		return models.Verdict{}, false
	}
	defer closer.Close()

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Verdict{}, false
	}
	if e.DBVersion != dbVersion {
		return models.Verdict{}, false
	}
	return models.Verdict{
		Threat:     e.Threat,
		ThreatName: e.ThreatName,
		Severity:   e.Severity,
	}, true
}

// Put records a verdict produced by dbVersion.
func (s *Store) Put(key string, dbVersion uint32, v models.Verdict) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("%w: verdict cache closed", models.ErrShutdown)
	}

	raw, err := json.Marshal(entry{
		DBVersion:  dbVersion,
		Threat:     v.Threat,
		ThreatName: v.ThreatName,
		Severity:   v.Severity,
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	// Verdicts are reproducible from the file; losing one to a crash only
	// costs a rescan, so the write does not need to be synchronous.
	if err := s.db.Set(verdictKey(key), raw, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Close releases the Pebble handle. Further calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// -- Metadata --

func (s *Store) getMeta(key string) (string, error) {
	raw, closer, err := s.db.Get(metaKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(raw), nil
}

func (s *Store) setMeta(key, value string) error {
	if err := s.db.Set(metaKey(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	return nil
}

func verdictKey(key string) []byte {
	return append(append([]byte{}, prefixVerdicts...), key...)
}

func metaKey(key string) []byte {
	return append(append([]byte{}, prefixMeta...), key...)
}
