package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/offset"
	"github.com/SteelMorgan/logview/internal/retry"
)

const (
	fileExt     = ".lvix"
	catalogName = "catalog.db"

	// catalogTimeout bounds the wait for a catalog held by a concurrent invocation
	catalogTimeout = 100 * time.Millisecond
)

// Stats is a snapshot of cache activity for the diagnostics summary
type Stats struct {
	Hits     int64
	Misses   int64
	Resumes  int64
	Stores   int64
	Degraded bool
}

// Cache stores FileIndex values as content-addressed files in a directory.
// Concurrent invocations coordinate only through atomic rename.
type Cache struct {
	dir     string
	catalog offset.OffsetStore
	retry   retry.Config

	mu       sync.Mutex
	degraded bool
	memory   map[string]*FileIndex

	hits    atomic.Int64
	misses  atomic.Int64
	resumes atomic.Int64
	stores  atomic.Int64
}

// DefaultDir returns the platform cache directory for index files
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user cache directory: %w", err)
	}
	return filepath.Join(base, "logview"), nil
}

// Open creates a cache in dir together with its BoltDB catalog.
// A catalog that cannot be opened is replaced by an in-memory one.
func Open(dir string) *Cache {
	var catalog offset.OffsetStore
	if dir != "" && os.MkdirAll(dir, 0o755) == nil {
		store, err := offset.NewBoltDBStore(filepath.Join(dir, catalogName), catalogTimeout)
		if err != nil {
			log.Debug().Err(err).Msg("Index catalog unavailable, resume disabled across runs")
		} else {
			catalog = store
		}
	}
	return NewCache(dir, catalog)
}

// NewCache creates a cache in dir. An empty dir keeps everything in memory.
func NewCache(dir string, catalog offset.OffsetStore) *Cache {
	if catalog == nil {
		catalog = offset.NewMemoryStore()
	}
	c := &Cache{
		dir:     dir,
		catalog: catalog,
		retry:   retry.DefaultConfig(),
		memory:  make(map[string]*FileIndex),
	}
	if dir == "" {
		c.degraded = true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		c.degrade(err)
	}
	return c
}

// Dir returns the cache directory
func (c *Cache) Dir() string { return c.dir }

// Close releases the catalog
func (c *Cache) Close() error {
	return c.catalog.Close()
}

// Stats returns the activity counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	degraded := c.degraded
	c.mu.Unlock()
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Resumes:  c.resumes.Load(),
		Stores:   c.stores.Load(),
		Degraded: degraded,
	}
}

func (c *Cache) filePath(key string) string {
	return filepath.Join(c.dir, key+fileExt)
}

func (c *Cache) degrade(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return
	}
	c.degraded = true
	log.Warn().
		Err(err).
		Str("dir", c.dir).
		Msg("Index cache directory is not writable, keeping indexes in memory for this run")
}

// Lookup returns the stored index for fp. Missing, corrupt, version-mismatched
// or stale entries are all reported as absent.
func (c *Cache) Lookup(fp Fingerprint) (*FileIndex, bool) {
	key := fp.Key()
	idx := c.load(key)
	if idx == nil || !idx.Fingerprint.Equal(fp) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	log.Debug().
		Str("file", fp.Path).
		Str("key", key).
		Int("lines", idx.Lines()).
		Msg("Index cache hit")
	return idx, true
}

// load reads the entry stored under key from memory or disk
func (c *Cache) load(key string) *FileIndex {
	c.mu.Lock()
	idx, ok := c.memory[key]
	degraded := c.degraded
	c.mu.Unlock()
	if ok {
		return idx
	}
	if degraded {
		return nil
	}

	path := c.filePath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Debug().Err(err).Str("key", key).Msg("Failed to read cache entry")
		}
		return nil
	}
	idx, err = Decode(data)
	if err != nil {
		log.Debug().
			Err(&domain.CacheError{Op: "decode", Key: key, Err: err}).
			Msg("Discarding unusable cache entry")
		// best effort; a concurrent writer may already have replaced it
		_ = os.Remove(path)
		return nil
	}
	return idx
}

// Store persists idx under its fingerprint key.
// Failures never abort a run: the index is kept in memory and a CacheError is returned.
func (c *Cache) Store(ctx context.Context, idx *FileIndex) error {
	if err := idx.Validate(); err != nil {
		return &domain.CacheError{Op: "store", Key: idx.Fingerprint.Key(), Err: err}
	}
	key := idx.Fingerprint.Key()

	c.mu.Lock()
	degraded := c.degraded
	if degraded {
		c.memory[key] = idx
	}
	c.mu.Unlock()

	// an in-progress write completes even when the run is being cancelled
	ctx = context.WithoutCancel(ctx)

	if !degraded {
		if err := c.writeAtomic(ctx, key, Encode(idx)); err != nil {
			if isUnwritable(err) {
				c.degrade(err)
				c.mu.Lock()
				c.memory[key] = idx
				c.mu.Unlock()
			}
			return &domain.CacheError{Op: "store", Key: key, Err: err}
		}
	}
	c.stores.Add(1)

	log.Debug().
		Str("file", idx.Fingerprint.Path).
		Str("key", key).
		Int("lines", idx.Lines()).
		Bool("memory", degraded).
		Msg("Index cache entry stored")

	c.updateCatalog(ctx, idx.Fingerprint, key)
	return nil
}

// writeAtomic writes data to a unique temp file, syncs it and renames it into place
func (c *Cache) writeAtomic(ctx context.Context, key string, data []byte) error {
	tmp := filepath.Join(c.dir, "."+key+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	err = retry.Do(ctx, c.retry, func() error {
		return os.Rename(tmp, c.filePath(key))
	})
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename cache entry into place: %w", err)
	}
	return nil
}

func isUnwritable(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, fs.ErrNotExist)
}

// updateCatalog records key as the latest index of the file and prunes the one it supersedes
func (c *Cache) updateCatalog(ctx context.Context, fp Fingerprint, key string) {
	prev, ok, err := c.catalog.Get(ctx, fp.Path)
	if err != nil {
		log.Debug().Err(err).Str("file", fp.Path).Msg("Failed to read index catalog")
	}
	if err := c.catalog.Set(ctx, fp.Path, offset.Entry{Key: key, Size: fp.Size, Updated: time.Now()}); err != nil {
		log.Debug().Err(err).Str("file", fp.Path).Msg("Failed to update index catalog")
		return
	}
	if !ok || prev.Key == key {
		return
	}

	c.mu.Lock()
	delete(c.memory, prev.Key)
	degraded := c.degraded
	c.mu.Unlock()
	if degraded {
		return
	}
	if err := os.Remove(c.filePath(prev.Key)); err == nil {
		log.Debug().
			Str("file", fp.Path).
			Str("key", prev.Key).
			Msg("Pruned superseded cache entry")
	}
}

// Resumption is the reusable prefix of an index stored for an earlier state of a file
type Resumption struct {
	Entries []domain.IndexEntry // lines wholly inside [0, From)
	From    int64               // offset scanning continues from
}

// Resume checks whether the file only grew since its last stored index and, if so,
// returns the entries that remain valid. r must read the current file contents.
// Every reused line start is checked against the terminators actually present
// in [0, From), so a rewrite that keeps the sampled bytes is not resumed.
func (c *Cache) Resume(ctx context.Context, fp Fingerprint, r io.ReaderAt) (Resumption, bool) {
	prev, ok, err := c.catalog.Get(ctx, fp.Path)
	if err != nil || !ok || prev.Key == fp.Key() || prev.Size <= 0 || prev.Size >= fp.Size {
		return Resumption{}, false
	}
	old := c.load(prev.Key)
	if old == nil || old.Fingerprint.Path != fp.Path || old.Fingerprint.Size != prev.Size {
		return Resumption{}, false
	}

	head, err := HeadSum(r, old.Fingerprint.Size)
	if err != nil || head != old.Fingerprint.Head {
		return Resumption{}, false
	}
	tail, err := TailSum(r, old.Fingerprint.Size)
	if err != nil || tail != old.Fingerprint.Tail {
		return Resumption{}, false
	}

	res := Resumption{Entries: old.Entries, From: old.Fingerprint.Size}
	// an unterminated last line may have been extended; rescan it
	var last [1]byte
	if _, err := r.ReadAt(last[:], old.Fingerprint.Size-1); err != nil {
		return Resumption{}, false
	}
	if last[0] != '\n' && len(res.Entries) > 0 {
		n := len(res.Entries) - 1
		res.From = res.Entries[n].Offset
		res.Entries = res.Entries[:n]
	}
	if len(res.Entries) == 0 {
		return Resumption{}, false
	}
	if !matchesLines(r, res.Entries, res.From) {
		log.Debug().
			Str("file", fp.Path).
			Int64("size", res.From).
			Msg("Previous index does not match the file's lines, rescanning")
		return Resumption{}, false
	}

	c.resumes.Add(1)
	log.Debug().
		Str("file", fp.Path).
		Int64("from", res.From).
		Int("lines", len(res.Entries)).
		Msg("Resuming index from previous run")
	return res, true
}

// verifyBlock is the read size of matchesLines
const verifyBlock = 256 << 10

// matchesLines reports whether the lines of [0, size) start exactly at the
// entry offsets and the range ends with a terminator.
func matchesLines(r io.ReaderAt, entries []domain.IndexEntry, size int64) bool {
	if len(entries) == 0 || entries[0].Offset != 0 {
		return false
	}
	buf := make([]byte, verifyBlock)
	next := 1
	ended := false
	for base := int64(0); base < size; {
		n, err := r.ReadAt(buf[:min(int64(len(buf)), size-base)], base)
		if n == 0 || (err != nil && !errors.Is(err, io.EOF)) {
			return false
		}
		block := buf[:n]
		for i := 0; ; {
			j := bytes.IndexByte(block[i:], '\n')
			if j < 0 {
				break
			}
			i += j + 1
			start := base + int64(i)
			if start == size {
				ended = true
				break
			}
			if next >= len(entries) || entries[next].Offset != start {
				return false
			}
			next++
		}
		base += int64(n)
	}
	return ended && next == len(entries)
}
