package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// diskTable is a durable key/value table persisted as a single JSON file,
// the same technique the teacher's Storage type uses for its info.json:
// the whole map is held in memory, mutated under a lock, and flushed to a
// temp file + rename + directory fsync on every Set.
//
// spec.md §6 names four persistent tables (content_length, ipv6_support,
// ipv4_support, mirrors_status) and treats the backing key/value engine as
// an external collaborator; diskTable is a minimal durable engine for that
// role, grounded on the teacher's own storage.go rather than pulling in an
// embedded database. Only the content_length table (ContentLengthCache) is
// built on it; the other three tables do not exist in this package.
type diskTable[V any] struct {
	path string

	mu   sync.RWMutex
	data map[string]V
}

// newDiskTable constructs a diskTable backed by the file at path. The
// directory containing path must already exist.
func newDiskTable[V any](path string) *diskTable[V] {
	return &diskTable[V]{
		path: path,
		data: make(map[string]V),
	}
}

// Load reads the table from disk. A missing file is not an error: the
// table starts empty, as on first boot.
func (t *diskTable[V]) Load() error {
	f, err := os.Open(t.path) // #nosec G304 - path is operator-configured, not request-derived
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	}
	defer f.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	dec := json.NewDecoder(f)
	if err := dec.Decode(&t.data); err != nil {
		return errors.Wrap(err, "diskTable.Load: "+t.path)
	}
	return nil
}

// Get returns the value stored for key, and whether it was present.
func (t *diskTable[V]) Get(key string) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[key]
	return v, ok
}

// Set stores value for key and persists the table. Entries are never
// deleted: per spec.md §4.B, content-length entries are valid for the
// lifetime of the filename.
func (t *diskTable[V]) Set(key string, value V) error {
	t.mu.Lock()
	t.data[key] = value
	snapshot := make(map[string]V, len(t.data))
	for k, v := range t.data {
		snapshot[k] = v
	}
	t.mu.Unlock()

	return t.save(snapshot)
}

func (t *diskTable[V]) save(snapshot map[string]V) error {
	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".table-*.tmp")
	if err != nil {
		return errors.Wrap(err, "diskTable.save: create temp")
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(snapshot); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "diskTable.save: encode")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "diskTable.save: sync")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "diskTable.save: close")
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "diskTable.save: rename")
	}
	return DirSync(dir)
}

// ContentLengthCache persists basename -> total byte count mappings
// (spec.md §4.B). Entries are treated as authoritative once present and
// are never re-validated or evicted.
type ContentLengthCache struct {
	table *diskTable[uint64]
}

// NewContentLengthCache opens (without loading) the content-length table
// at <metaDir>/content_length.json.
func NewContentLengthCache(metaDir string) *ContentLengthCache {
	return &ContentLengthCache{table: newDiskTable[uint64](filepath.Join(metaDir, "content_length.json"))}
}

// Load populates the cache from disk.
func (c *ContentLengthCache) Load() error {
	return c.table.Load()
}

// Get returns the cached content-length for basename, if any.
func (c *ContentLengthCache) Get(basename string) (uint64, bool) {
	return c.table.Get(basename)
}

// Add records basename's content-length. Safe to call redundantly; the
// entry is considered valid for the lifetime of the filename.
func (c *ContentLengthCache) Add(basename string, length uint64) error {
	return c.table.Set(basename, length)
}
