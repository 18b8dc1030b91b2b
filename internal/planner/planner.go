// Package planner splits inputs into line-aligned chunks for the worker pool.
//
// Chunks are handed to an Emitter in sequence order. With a trusted FileIndex
// boundaries come straight from the recorded line offsets; otherwise the file
// is scanned block by block and every line start found is recorded in an
// index.Builder for the cache.
package planner

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/index"
)

const (
	DefaultMinChunk int64 = 128 << 10
	DefaultMaxChunk int64 = 16 << 20

	// streamChunk is the target size for inputs of unknown length
	streamChunk int64 = 1 << 20
)

// ChunkSize returns the target chunk size for a file: override when positive,
// otherwise size / (4 * workers) clamped to [minSize, maxSize].
func ChunkSize(size int64, workers int, minSize, maxSize, override int64) int64 {
	if override > 0 {
		return override
	}
	if workers < 1 {
		workers = 1
	}
	target := size / int64(4*workers)
	if maxSize > 0 && target > maxSize {
		target = maxSize
	}
	if target < minSize {
		target = minSize
	}
	if target < 1 {
		target = 1
	}
	return target
}

// Emitter receives planned chunks. It blocks while the chunk queue is full.
type Emitter func(ctx context.Context, c domain.Chunk) error

// Config holds the planner settings
type Config struct {
	Workers   int
	ChunkSize int64 // fixed chunk size, 0 to derive from the file size
	MinChunk  int64
	MaxChunk  int64

	// Since and Until let chunks of a cached index be skipped entirely
	Since domain.Timestamp
	Until domain.Timestamp
}

// Planner produces chunks for files and streams
type Planner struct {
	cfg  Config
	emit Emitter
}

// New creates a planner that hands chunks to emit
func New(cfg Config, emit Emitter) *Planner {
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = DefaultMinChunk
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = DefaultMaxChunk
	}
	if cfg.MaxChunk < cfg.MinChunk {
		cfg.MaxChunk = cfg.MinChunk
	}
	return &Planner{cfg: cfg, emit: emit}
}

// File is a seekable input
type File struct {
	Index int    // position among the inputs
	Path  string // display name
	R     io.ReaderAt
	Size  int64

	// Load makes chunks planned from an index carry their bytes, for
	// consumers that have no reader of their own
	Load bool
}

// Range selects the bytes to scan and the numbering of the resulting chunks
type Range struct {
	From, To  int64
	Seq       int // sequence index of the first chunk
	FirstLine int // line number of the line starting at From

	// Builder receives every scanned line start. Nil disables indexing.
	Builder *index.Builder

	// Hold keeps a trailing unterminated line back until it is completed
	Hold bool
}

// Result summarises one planning call
type Result struct {
	Next    int64 // offset following the last planned byte
	Seq     int   // next unused sequence index
	Line    int   // next unused line number
	Chunks  int
	Skipped int // chunks dropped by the time bounds
}

func (p *Planner) chunkSize(size int64) int64 {
	return ChunkSize(size, p.cfg.Workers, p.cfg.MinChunk, p.cfg.MaxChunk, p.cfg.ChunkSize)
}

// PlanFile plans a whole file. Lines covered by idx are planned without
// reading any bytes; whatever follows the indexed size is scanned as
// described by scan, whose To defaults to the file size. An index of a
// larger file state is ignored.
func (p *Planner) PlanFile(ctx context.Context, f File, idx *index.FileIndex, scan Range) (Result, error) {
	if scan.To == 0 {
		scan.To = f.Size
	}
	if idx == nil || idx.Fingerprint.Size > f.Size {
		return p.PlanRange(ctx, f, scan)
	}
	res, err := p.fromIndex(ctx, f, idx)
	if err != nil || res.Next >= scan.To {
		return res, err
	}
	scan.From, scan.Seq, scan.FirstLine = res.Next, res.Seq, res.Line
	tail, err := p.PlanRange(ctx, f, scan)
	tail.Chunks += res.Chunks
	tail.Skipped += res.Skipped
	return tail, err
}

func (p *Planner) fromIndex(ctx context.Context, f File, idx *index.FileIndex) (Result, error) {
	target := p.chunkSize(f.Size)
	res := Result{Next: idx.Fingerprint.Size, Line: idx.Lines()}

	for i := 0; i < idx.Lines(); {
		start := idx.Entries[i].Offset
		j := idx.LineAtOrAfter(start + target)
		if j <= i {
			j = i + 1
		}
		end := idx.LineEnd(j - 1)

		if p.outside(idx, i, j) {
			res.Skipped++
			i = j
			continue
		}
		c := domain.Chunk{
			File:      f.Index,
			Path:      f.Path,
			Start:     start,
			End:       end,
			Seq:       res.Seq,
			FirstLine: i,
		}
		if f.Load {
			data := make([]byte, end-start)
			n, err := f.R.ReadAt(data, start)
			if err != nil && !errors.Is(err, io.EOF) {
				return res, &domain.IOError{Path: f.Path, Op: "read", Err: err}
			}
			c.Data = data[:n]
		}
		if err := p.emit(ctx, c); err != nil {
			return res, err
		}
		res.Seq++
		res.Chunks++
		i = j
	}
	return res, nil
}

// outside reports whether every line in [from, to) has a timestamp beyond the bounds
func (p *Planner) outside(idx *index.FileIndex, from, to int) bool {
	if !p.cfg.Since.Valid && !p.cfg.Until.Valid {
		return false
	}
	for _, e := range idx.Entries[from:to] {
		if !e.Timestamp.Valid {
			return false
		}
	}
	lo, hi, ok := idx.TimeSpan(from, to)
	if !ok {
		return false
	}
	return (p.cfg.Since.Valid && hi.Before(p.cfg.Since)) ||
		(p.cfg.Until.Valid && p.cfg.Until.Before(lo))
}

// PlanRange scans [r.From, r.To) and emits chunks ending on line boundaries.
// A file that turns out shorter than r.To is treated as ending where reads stop.
func (p *Planner) PlanRange(ctx context.Context, f File, r Range) (Result, error) {
	res := Result{Next: r.From, Seq: r.Seq, Line: r.FirstLine}
	target := p.chunkSize(f.Size)

	var (
		off    = r.From
		rest   []byte
		starts []int64
	)
	for off+int64(len(rest)) < r.To {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		want := min(target, r.To-off-int64(len(rest)))
		data := make([]byte, len(rest), len(rest)+int(want))
		copy(data, rest)
		n, err := f.R.ReadAt(data[len(rest):cap(data)], off+int64(len(rest)))
		data = data[:len(rest)+n]
		eof := off+int64(len(data)) >= r.To
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return res, &domain.IOError{Path: f.Path, Op: "read", Err: err}
			}
			if !eof {
				log.Debug().
					Str("file", f.Path).
					Int64("expected", r.To).
					Int64("observed", off+int64(len(data))).
					Msg("File shrank during scan")
			}
			eof = true
		}

		cut := bytes.LastIndexByte(data, '\n') + 1
		if eof && !r.Hold {
			cut = len(data)
		}
		if cut == 0 {
			if eof {
				break
			}
			// the line is longer than the target, keep reading
			rest = data
			continue
		}

		chunk := data[:cut:cut]
		starts = lineStarts(starts[:0], chunk, off)
		if r.Builder != nil {
			r.Builder.AddLines(starts)
		}
		c := domain.Chunk{
			File:      f.Index,
			Path:      f.Path,
			Start:     off,
			End:       off + int64(cut),
			Seq:       res.Seq,
			FirstLine: res.Line,
			Data:      chunk,
			Indexing:  r.Builder != nil,
		}
		if err := p.emit(ctx, c); err != nil {
			return res, err
		}
		res.Seq++
		res.Chunks++
		res.Line += len(starts)
		off += int64(cut)
		res.Next = off
		rest = data[cut:]

		if eof {
			break
		}
	}
	return res, nil
}

// lineStarts appends the offset of every line beginning inside chunk
func lineStarts(dst []int64, chunk []byte, base int64) []int64 {
	if len(chunk) == 0 {
		return dst
	}
	dst = append(dst, base)
	pos := 0
	for {
		i := bytes.IndexByte(chunk[pos:], '\n')
		if i < 0 {
			return dst
		}
		pos += i + 1
		if pos >= len(chunk) {
			return dst
		}
		dst = append(dst, base+int64(pos))
	}
}

// PlanStream chunks a non-seekable input. Blocks of the target size are cut at
// their last line terminator and the remainder is carried into the next block.
// Chunk offsets count bytes from the start of the stream.
func (p *Planner) PlanStream(ctx context.Context, file int, name string, r io.Reader) (Result, error) {
	target := streamChunk
	if p.cfg.ChunkSize > 0 {
		target = p.cfg.ChunkSize
	}
	target = min(max(target, p.cfg.MinChunk), p.cfg.MaxChunk)

	var (
		res  Result
		rest []byte
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		data := make([]byte, len(rest), len(rest)+int(target))
		copy(data, rest)
		n, err := io.ReadFull(r, data[len(rest):cap(data)])
		data = data[:len(rest)+n]
		eof := false
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return res, &domain.IOError{Path: name, Op: "read", Err: err}
			}
			eof = true
		}

		cut := bytes.LastIndexByte(data, '\n') + 1
		if eof {
			cut = len(data)
		}
		if cut > 0 {
			chunk := data[:cut:cut]
			c := domain.Chunk{
				File:      file,
				Path:      name,
				Start:     res.Next,
				End:       res.Next + int64(cut),
				Seq:       res.Seq,
				FirstLine: res.Line,
				Data:      chunk,
			}
			if err := p.emit(ctx, c); err != nil {
				return res, err
			}
			res.Seq++
			res.Chunks++
			res.Line += bytes.Count(chunk, []byte{'\n'})
			if chunk[len(chunk)-1] != '\n' {
				res.Line++
			}
			res.Next += int64(cut)
		}
		if eof {
			return res, nil
		}
		rest = data[cut:]
	}
}

// tailBlock is the read size of the backward scan in TailOffset
const tailBlock = 64 << 10

// TailOffset returns the offset of the first of the last n lines of a file of
// the given size. n < 0 selects the whole file. A cached index for the same
// size answers without reading.
func TailOffset(r io.ReaderAt, path string, size int64, n int, idx *index.FileIndex) (int64, error) {
	if n < 0 || size == 0 {
		return 0, nil
	}
	if n == 0 {
		return size, nil
	}
	if idx != nil && idx.Fingerprint.Size == size {
		if n >= idx.Lines() {
			return 0, nil
		}
		return idx.Entries[idx.Lines()-n].Offset, nil
	}

	buf := make([]byte, tailBlock)
	end := size
	// a terminator at the very end does not start another line
	skipLast := true
	found := 0
	for end > 0 {
		start := max(end-tailBlock, 0)
		block := buf[:end-start]
		if _, err := r.ReadAt(block, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, &domain.IOError{Path: path, Op: "read", Err: err}
		}
		for i := len(block) - 1; i >= 0; i-- {
			if block[i] != '\n' {
				skipLast = false
				continue
			}
			if skipLast {
				skipLast = false
				continue
			}
			found++
			if found == n {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}
