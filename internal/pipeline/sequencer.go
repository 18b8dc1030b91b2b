package pipeline

import (
	"bufio"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logview/internal/domain"
)

// Mode selects how the sequencer orders output across inputs
type Mode uint8

const (
	// Positional emits inputs one after another, each in source order
	Positional Mode = iota
	// Merge interleaves lines of all inputs by timestamp
	Merge
	// Interleaved emits each input in source order as soon as output is ready
	Interleaved
)

func (m Mode) String() string {
	switch m {
	case Merge:
		return "merge"
	case Interleaved:
		return "interleaved"
	default:
		return "positional"
	}
}

// FileStats is the per-input outcome collected by the sequencer
type FileStats struct {
	Diagnostics domain.Diagnostics
	Chunks      int
	Err         error // first read failure
}

// stream is the reorder buffer of one input
type stream struct {
	pending map[int]*domain.FormattedChunk
	next    int // next sequence index to take
	total   int // chunk count once the end marker arrived, -1 before

	// merge cursor
	head   *domain.FormattedChunk
	line   int // next line of head
	start  int // byte offset of that line in head.Data
	lastTS domain.Timestamp

	stats FileStats
}

func newStream() *stream {
	return &stream{pending: make(map[int]*domain.FormattedChunk), total: -1}
}

// SequencerOptions configures a Sequencer
type SequencerOptions struct {
	Mode  Mode
	Files int // number of inputs, required for Merge

	// OnChunk sees every chunk once, on arrival, from the sequencer goroutine
	OnChunk func(fc *domain.FormattedChunk)
	// Release is called when a chunk's output has been written or dropped
	Release func(file int)
	// Recycle receives output buffers that are no longer referenced
	Recycle func(buf []byte)
}

// Sequencer restores order among chunks completed out of order by workers.
// It is driven by a single goroutine through Run.
type Sequencer struct {
	opts    SequencerOptions
	w       *bufio.Writer
	streams []*stream
	cur     int // positional: input being written
	closed  bool

	gaps    int
	written int64
	werr    error
}

// NewSequencer creates a sequencer writing to w
func NewSequencer(w io.Writer, opts SequencerOptions) *Sequencer {
	s := &Sequencer{opts: opts, w: bufio.NewWriterSize(w, 64<<10)}
	for i := 0; i < opts.Files; i++ {
		s.streams = append(s.streams, newStream())
	}
	return s
}

func (s *Sequencer) stream(file int) *stream {
	for len(s.streams) <= file {
		s.streams = append(s.streams, newStream())
	}
	return s.streams[file]
}

// Run consumes in until it is closed, then flushes what is left. Output is
// flushed to the sink whenever the input queue is momentarily empty.
func (s *Sequencer) Run(in <-chan domain.FormattedChunk) error {
	for {
		var (
			fc domain.FormattedChunk
			ok bool
		)
		select {
		case fc, ok = <-in:
		default:
			s.flush()
			fc, ok = <-in
		}
		if !ok {
			break
		}
		s.Add(fc)
	}
	s.Close()
	return s.werr
}

// Add takes one completed chunk and writes whatever became contiguous
func (s *Sequencer) Add(fc domain.FormattedChunk) {
	st := s.stream(fc.File)
	if fc.EOF {
		st.total = fc.Seq
	} else {
		if s.opts.OnChunk != nil {
			s.opts.OnChunk(&fc)
		}
		st.stats.Chunks++
		st.stats.Diagnostics.Add(fc.Diagnostics)
		if fc.Err != nil {
			if st.stats.Err == nil {
				st.stats.Err = fc.Err
			}
			log.Warn().Err(fc.Err).Int("seq", fc.Seq).Msg("Chunk could not be read")
		}
		st.pending[fc.Seq] = &fc
	}

	switch s.opts.Mode {
	case Merge:
		s.merge()
	case Interleaved:
		s.drain(st)
	default:
		s.positional()
	}
}

// Close flushes every buffered chunk, skipping sequence gaps that can no
// longer be filled, and writes out the remaining output.
func (s *Sequencer) Close() {
	if s.closed {
		return
	}
	s.closed = true
	switch s.opts.Mode {
	case Merge:
		s.merge()
	default:
		for _, st := range s.streams {
			s.drain(st)
		}
	}
	s.flush()
	if s.gaps > 0 {
		log.Debug().Int("gaps", s.gaps).Msg("Skipped missing chunks on shutdown")
	}
}

// positional writes inputs one after another
func (s *Sequencer) positional() {
	for s.cur < len(s.streams) {
		st := s.streams[s.cur]
		s.drain(st)
		if !st.done() {
			return
		}
		s.cur++
	}
}

func (st *stream) done() bool {
	return st.total >= 0 && st.next >= st.total && st.head == nil
}

// take returns the next chunk of st in sequence order. After Close it skips
// over missing indices instead of waiting for them.
func (s *Sequencer) take(st *stream) *domain.FormattedChunk {
	if fc, ok := st.pending[st.next]; ok {
		delete(st.pending, st.next)
		st.next++
		return fc
	}
	if !s.closed || len(st.pending) == 0 {
		return nil
	}
	lowest := -1
	for seq := range st.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	s.gaps += lowest - st.next
	st.next = lowest
	return s.take(st)
}

// drain writes the contiguous run of st
func (s *Sequencer) drain(st *stream) {
	for {
		fc := s.take(st)
		if fc == nil {
			return
		}
		s.write(fc.Data)
		s.finish(fc)
	}
}

// finish hands a written chunk back to the pool
func (s *Sequencer) finish(fc *domain.FormattedChunk) {
	if s.opts.Release != nil {
		s.opts.Release(fc.File)
	}
	if s.opts.Recycle != nil && fc.Data != nil {
		s.opts.Recycle(fc.Data)
	}
}

// fill positions the merge cursor of st on its next line. It reports false
// when st has to wait for more chunks.
func (s *Sequencer) fill(st *stream) bool {
	for st.head == nil || st.line >= len(st.head.Lines) {
		if st.head != nil {
			s.finish(st.head)
			st.head = nil
		}
		fc := s.take(st)
		if fc == nil {
			return st.total >= 0 && st.next >= st.total || s.closed
		}
		st.head, st.line, st.start = fc, 0, 0
	}
	return true
}

// key returns the ordering timestamp of the head line. Lines without a
// timestamp inherit the last one seen in their input.
func (st *stream) key() domain.Timestamp {
	ts := st.head.Lines[st.line].Timestamp
	if !ts.Valid {
		return st.lastTS
	}
	return ts
}

// earlier orders timestamps with absent ones first
func earlier(a, b domain.Timestamp) bool {
	switch {
	case !a.Valid:
		return b.Valid
	case !b.Valid:
		return false
	}
	return a.Before(b)
}

// merge writes lines in timestamp order while every unfinished input has a
// line available. Ties go to the earlier input, and within an input lines
// keep source order.
func (s *Sequencer) merge() {
	for {
		best := -1
		var bestKey domain.Timestamp
		for i, st := range s.streams {
			if !s.fill(st) {
				return
			}
			if st.head == nil {
				continue
			}
			if k := st.key(); best < 0 || earlier(k, bestKey) {
				best, bestKey = i, k
			}
		}
		if best < 0 {
			return
		}

		st := s.streams[best]
		ln := st.head.Lines[st.line]
		s.write(st.head.Data[st.start:ln.End])
		st.start = ln.End
		st.line++
		st.lastTS = bestKey
	}
}

func (s *Sequencer) write(b []byte) {
	if s.werr != nil || len(b) == 0 {
		return
	}
	n, err := s.w.Write(b)
	s.written += int64(n)
	if err != nil {
		s.werr = err
	}
}

func (s *Sequencer) flush() {
	if s.werr != nil {
		return
	}
	if err := s.w.Flush(); err != nil {
		s.werr = err
	}
}

// Written returns the number of output bytes produced
func (s *Sequencer) Written() int64 { return s.written }

// Stats returns the per-input outcome, indexed by input position
func (s *Sequencer) Stats() []FileStats {
	out := make([]FileStats, len(s.streams))
	for i, st := range s.streams {
		out[i] = st.stats
	}
	return out
}
