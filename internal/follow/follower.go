// Package follow keeps planning newly appended data of growing files.
package follow

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/index"
	"github.com/SteelMorgan/logview/internal/planner"
)

const (
	DefaultDebounce     = 50 * time.Millisecond
	DefaultPollInterval = time.Second
	DefaultTail         = 10
)

// Options configures a Follower
type Options struct {
	Debounce     time.Duration
	PollInterval time.Duration // safety re-check of every file
	Tail         int           // lines shown before following, negative for the whole file
}

// Target is a file to follow
type Target struct {
	Index int
	Name  string
	Path  string // canonical path
}

// tracked is the follow state of one file
type tracked struct {
	Target
	f      *os.File
	info   os.FileInfo
	offset int64 // next byte not yet planned; a held partial line starts here
	seq    int
	line   int
	gone   bool
}

// Follower turns file changes into chunk requests. Changes arriving within
// the debounce window are coalesced into one request per file.
type Follower struct {
	backend Backend
	planner *planner.Planner
	cache   *index.Cache
	opts    Options

	files  []*tracked
	byPath map[string]*tracked
}

// New creates a follower. cache may be nil; when set, a cached index of the
// current file state answers the initial tail without a backward scan.
func New(backend Backend, p *planner.Planner, cache *index.Cache, opts Options) *Follower {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Follower{
		backend: backend,
		planner: p,
		cache:   cache,
		opts:    opts,
		byPath:  make(map[string]*tracked),
	}
}

// Run shows the tail of every target and then follows them until ctx is
// cancelled. Already planned output is never retracted.
func (f *Follower) Run(ctx context.Context, targets []Target) error {
	defer f.closeAll()

	for _, t := range targets {
		tr := &tracked{Target: t}
		f.files = append(f.files, tr)
		f.byPath[t.Path] = tr

		if err := f.backend.Add(t.Path); err != nil {
			log.Warn().Err(err).Str("file", t.Name).Msg("Failed to watch file, relying on polling")
		}
		if err := f.open(tr); err != nil {
			log.Warn().Err(err).Str("file", t.Name).Msg("Waiting for file to appear")
			tr.gone = true
			continue
		}
		if err := f.tail(ctx, tr); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	var (
		dirty    = make(map[*tracked]bool)
		timer    *time.Timer
		debounce <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	events := f.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			tr, known := f.byPath[ev.Path]
			if !known {
				continue
			}
			dirty[tr] = true
			if debounce == nil {
				timer = time.NewTimer(f.opts.Debounce)
				debounce = timer.C
			}

		case err := <-f.backend.Errors():
			log.Warn().Err(err).Msg("Watcher error")

		case <-debounce:
			debounce = nil
			for tr := range dirty {
				if err := f.refresh(ctx, tr); err != nil {
					return err
				}
				delete(dirty, tr)
			}

		case <-ticker.C:
			for _, tr := range f.files {
				if err := f.refresh(ctx, tr); err != nil {
					return err
				}
			}
		}
	}
}

func (f *Follower) open(tr *tracked) error {
	fh, err := os.Open(tr.Path)
	if err != nil {
		return &domain.IOError{Path: tr.Name, Op: "open", Err: err}
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return &domain.IOError{Path: tr.Name, Op: "stat", Err: err}
	}
	tr.f, tr.info, tr.offset, tr.gone = fh, info, 0, false
	return nil
}

// tail plans the last lines of a newly opened file. The whole file is planned
// from the cached index where one covers it, so only unindexed bytes are scanned.
func (f *Follower) tail(ctx context.Context, tr *tracked) error {
	size := tr.info.Size()
	if f.opts.Tail < 0 {
		if idx := f.index(ctx, tr); idx != nil {
			return f.planIndexed(ctx, tr, idx, size)
		}
	}

	var idx *index.FileIndex
	if f.cache != nil && f.opts.Tail >= 0 {
		if fp, err := index.ComputeFingerprint(tr.Path, tr.f, tr.info); err == nil {
			idx, _ = f.cache.Lookup(fp)
		}
	}
	start, err := planner.TailOffset(tr.f, tr.Name, size, f.opts.Tail, idx)
	if err != nil {
		log.Warn().Err(err).Str("file", tr.Name).Msg("Failed to locate tail, following from the end")
		start = size
	}
	tr.offset = start
	return f.plan(ctx, tr, size, true)
}

// index returns the cached index of the current file state or the reusable
// prefix of an index stored before the file grew
func (f *Follower) index(ctx context.Context, tr *tracked) *index.FileIndex {
	if f.cache == nil {
		return nil
	}
	fp, err := index.ComputeFingerprint(tr.Path, tr.f, tr.info)
	if err != nil {
		return nil
	}
	if idx, ok := f.cache.Lookup(fp); ok {
		return idx
	}
	r, ok := f.cache.Resume(ctx, fp, tr.f)
	if !ok {
		return nil
	}
	return &index.FileIndex{
		Fingerprint: index.Fingerprint{Path: fp.Path, Size: r.From},
		Entries:     r.Entries,
	}
}

// planIndexed plans [0, size) taking line boundaries of [0, indexed size) from idx
func (f *Follower) planIndexed(ctx context.Context, tr *tracked, idx *index.FileIndex, size int64) error {
	// an unterminated last line stays held until it is completed
	if n := idx.Lines(); n > 0 {
		var last [1]byte
		if _, err := tr.f.ReadAt(last[:], idx.Fingerprint.Size-1); err == nil && last[0] != '\n' {
			idx = &index.FileIndex{
				Fingerprint: index.Fingerprint{Path: idx.Fingerprint.Path, Size: idx.Entries[n-1].Offset},
				Entries:     idx.Entries[:n-1],
			}
		}
	}
	src := planner.File{Index: tr.Index, Path: tr.Name, R: tr.f, Size: size, Load: true}
	res, err := f.planner.PlanFile(ctx, src, idx, planner.Range{To: size, Hold: true})
	tr.offset, tr.seq, tr.line = res.Next, res.Seq, res.Line
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("file", tr.Name).Msg("Failed to read indexed data")
	}
	log.Debug().
		Str("file", tr.Name).
		Int64("indexed", idx.Fingerprint.Size).
		Int64("size", size).
		Msg("Planned followed file from index")
	return nil
}

// plan requests chunks for [tr.offset, size). With hold an unterminated last
// line is kept back until a later call sees it completed.
func (f *Follower) plan(ctx context.Context, tr *tracked, size int64, hold bool) error {
	if size <= tr.offset {
		return nil
	}
	src := planner.File{Index: tr.Index, Path: tr.Name, R: tr.f, Size: size}
	res, err := f.planner.PlanRange(ctx, src, planner.Range{
		From:      tr.offset,
		To:        size,
		Seq:       tr.seq,
		FirstLine: tr.line,
		Hold:      hold,
	})
	tr.offset, tr.seq, tr.line = res.Next, res.Seq, res.Line
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("file", tr.Name).Msg("Failed to read appended data")
	}
	return nil
}

// refresh compares the file at tr.Path with the open handle and plans
// whatever was appended, reopening after rotation or truncation.
func (f *Follower) refresh(ctx context.Context, tr *tracked) error {
	info, err := os.Stat(tr.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Debug().Err(err).Str("file", tr.Name).Msg("Failed to stat followed file")
			return nil
		}
		if !tr.gone {
			log.Info().Str("file", tr.Name).Msg("File removed, waiting for it to reappear")
			if err := f.drain(ctx, tr); err != nil {
				return err
			}
			f.closeFile(tr)
			tr.gone = true
		}
		return nil
	}

	if tr.f == nil || !os.SameFile(tr.info, info) {
		if tr.f != nil {
			log.Info().Str("file", tr.Name).Msg("File rotated, reopening")
			if err := f.drain(ctx, tr); err != nil {
				return err
			}
			f.closeFile(tr)
		}
		if err := f.open(tr); err != nil {
			log.Debug().Err(err).Str("file", tr.Name).Msg("Failed to reopen followed file")
			return nil
		}
		return f.plan(ctx, tr, tr.info.Size(), true)
	}

	size := info.Size()
	if size < tr.offset {
		log.Info().
			Str("file", tr.Name).
			Int64("offset", tr.offset).
			Int64("size", size).
			Msg("File truncated, restarting from the beginning")
		tr.offset = 0
	}
	tr.info = info
	return f.plan(ctx, tr, size, true)
}

// drain plans what the old handle still holds, including a final
// unterminated line, before it is closed
func (f *Follower) drain(ctx context.Context, tr *tracked) error {
	if tr.f == nil {
		return nil
	}
	info, err := tr.f.Stat()
	if err != nil {
		return nil
	}
	return f.plan(ctx, tr, info.Size(), false)
}

func (f *Follower) closeFile(tr *tracked) {
	if tr.f != nil {
		tr.f.Close()
		tr.f = nil
	}
}

func (f *Follower) closeAll() {
	for _, tr := range f.files {
		f.closeFile(tr)
	}
	f.backend.Close()
}
