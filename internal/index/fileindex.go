// Package index persists per-file line offsets and timestamps so unchanged
// files are never rescanned for line boundaries.
package index

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
)

// Version is the current on-disk schema version
const Version uint16 = 1

// FileIndex is the line index of one file state
type FileIndex struct {
	Fingerprint Fingerprint
	Version     uint16
	Generated   time.Time
	Entries     []domain.IndexEntry
}

// Validate checks the offsets are strictly increasing and inside the indexed size
func (idx *FileIndex) Validate() error {
	size := idx.Fingerprint.Size
	prev := int64(-1)
	for i, e := range idx.Entries {
		if e.Offset <= prev || e.Offset >= size {
			return fmt.Errorf("%w: entry %d at offset %d (previous %d, size %d)",
				domain.ErrInconsistentIndex, i, e.Offset, prev, size)
		}
		prev = e.Offset
	}
	if size > 0 && (len(idx.Entries) == 0 || idx.Entries[0].Offset != 0) {
		return fmt.Errorf("%w: first line does not start at offset 0", domain.ErrInconsistentIndex)
	}
	return nil
}

// Lines returns the number of indexed lines
func (idx *FileIndex) Lines() int { return len(idx.Entries) }

// LineAtOrAfter returns the number of the first line starting at or after offset
func (idx *FileIndex) LineAtOrAfter(offset int64) int {
	return sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].Offset >= offset
	})
}

// LineEnd returns the offset one past line i including its terminator
func (idx *FileIndex) LineEnd(i int) int64 {
	if i+1 < len(idx.Entries) {
		return idx.Entries[i+1].Offset
	}
	return idx.Fingerprint.Size
}

// TimeSpan returns the earliest and latest timestamps of lines [from, to).
// ok is false when no line in the range has a timestamp.
func (idx *FileIndex) TimeSpan(from, to int) (lo, hi domain.Timestamp, ok bool) {
	for _, e := range idx.Entries[from:to] {
		if !e.Timestamp.Valid {
			continue
		}
		if !ok || e.Timestamp.Before(lo) {
			lo = e.Timestamp
		}
		if !ok || hi.Before(e.Timestamp) {
			hi = e.Timestamp
		}
		ok = true
	}
	return lo, hi, ok
}

// Builder collects a FileIndex while a file is being scanned.
// The planner appends line offsets and the sequencer attaches timestamps
// reported by workers, possibly from different goroutines.
type Builder struct {
	mu      sync.Mutex
	entries []domain.IndexEntry
}

// NewBuilder starts an empty index
func NewBuilder() *Builder {
	return &Builder{}
}

// NewBuilderFrom starts from the entries of a previous index, for resumed scans
func NewBuilderFrom(entries []domain.IndexEntry) *Builder {
	b := &Builder{entries: make([]domain.IndexEntry, len(entries), len(entries)+1024)}
	copy(b.entries, entries)
	return b
}

// AddLine records the start offset of the next line
func (b *Builder) AddLine(offset int64) {
	b.mu.Lock()
	b.entries = append(b.entries, domain.IndexEntry{Offset: offset})
	b.mu.Unlock()
}

// AddLines records several line starts at once
func (b *Builder) AddLines(offsets []int64) {
	b.mu.Lock()
	for _, off := range offsets {
		b.entries = append(b.entries, domain.IndexEntry{Offset: off})
	}
	b.mu.Unlock()
}

// SetTimestamps attaches timestamps to consecutive lines starting at firstLine
func (b *Builder) SetTimestamps(firstLine int, ts []domain.Timestamp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range ts {
		n := firstLine + i
		if n >= len(b.entries) {
			return
		}
		b.entries[n].Timestamp = t
	}
}

// Lines returns the number of lines recorded so far
func (b *Builder) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Build freezes the collected entries into a FileIndex for fp
func (b *Builder) Build(fp Fingerprint) *FileIndex {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]domain.IndexEntry, len(b.entries))
	copy(entries, b.entries)
	return &FileIndex{
		Fingerprint: fp,
		Version:     Version,
		Generated:   time.Now(),
		Entries:     entries,
	}
}
