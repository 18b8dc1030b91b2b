package offset

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "indexes"

	// value layout: u64 size | i64 updated unix nanos | key bytes
	valueHeader = 16
)

// BoltDBStore implements OffsetStore using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a new BoltDB catalog.
// A database held by a concurrent invocation fails after timeout instead of blocking.
func NewBoltDBStore(dbPath string, timeout time.Duration) (*BoltDBStore, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Debug().
		Str("db_path", dbPath).
		Msg("BoltDB index catalog initialized")

	return &BoltDBStore{db: db}, nil
}

// Get retrieves the entry for a given file
func (s *BoltDBStore) Get(ctx context.Context, filePath string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get([]byte(filePath))
		if val == nil {
			return nil
		}

		e, err := decodeEntry(val)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})

	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get catalog entry: %w", err)
	}

	return entry, found, nil
}

// Set stores the entry for a given file
func (s *BoltDBStore) Set(ctx context.Context, filePath string, entry Entry) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(filePath), encodeEntry(entry))
	})

	if err != nil {
		return fmt.Errorf("failed to set catalog entry: %w", err)
	}

	log.Debug().
		Str("file", filePath).
		Str("key", entry.Key).
		Int64("size", entry.Size).
		Msg("Catalog entry updated")

	return nil
}

// Delete removes the entry for a given file
func (s *BoltDBStore) Delete(ctx context.Context, filePath string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(filePath))
	})

	if err != nil {
		return fmt.Errorf("failed to delete catalog entry: %w", err)
	}

	return nil
}

// List returns all stored entries
func (s *BoltDBStore) List(ctx context.Context) (map[string]Entry, error) {
	result := make(map[string]Entry)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			if e, err := decodeEntry(v); err == nil {
				result[string(k)] = e
			}
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list catalog entries: %w", err)
	}

	return result, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Debug().Msg("Closing BoltDB index catalog")
	return s.db.Close()
}

func encodeEntry(e Entry) []byte {
	val := make([]byte, valueHeader, valueHeader+len(e.Key))
	binary.BigEndian.PutUint64(val[0:8], uint64(e.Size))
	binary.BigEndian.PutUint64(val[8:16], uint64(e.Updated.UnixNano()))
	return append(val, e.Key...)
}

func decodeEntry(val []byte) (Entry, error) {
	if len(val) < valueHeader {
		return Entry{}, fmt.Errorf("invalid catalog value")
	}
	return Entry{
		Size:    int64(binary.BigEndian.Uint64(val[0:8])),
		Updated: time.Unix(0, int64(binary.BigEndian.Uint64(val[8:16]))),
		Key:     string(val[valueHeader:]),
	}, nil
}
