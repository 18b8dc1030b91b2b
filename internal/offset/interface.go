package offset

import (
	"context"
	"time"
)

// OffsetStore remembers, per canonical file path, the last index the cache
// stored for it and how many bytes that index covers.
// Implementations: BoltDB (primary), in-memory (when the database is unavailable)
type OffsetStore interface {
	// Get retrieves the entry for a given file
	// ok is false if nothing is stored
	Get(ctx context.Context, filePath string) (entry Entry, ok bool, err error)

	// Set stores the entry for a given file
	Set(ctx context.Context, filePath string, entry Entry) error

	// Delete removes the entry for a given file
	Delete(ctx context.Context, filePath string) error

	// List returns all stored entries
	List(ctx context.Context) (map[string]Entry, error)

	// Close closes the store
	Close() error
}

// Entry is the catalog record of one file
type Entry struct {
	Key     string    // fingerprint key of the stored index
	Size    int64     // indexed size, the offset a resumed scan continues from
	Updated time.Time // when the index was stored
}
