// Package pipeline runs the parallel parse, filter and format stage and
// restores source order behind it.
//
// Data flows planner -> chunk queue -> workers -> output queue -> sequencer.
// Every queue is bounded, and per-input tokens bound how many chunks of one
// input can be in flight, which also bounds the sequencer's reorder buffers.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/filter"
	"github.com/SteelMorgan/logview/internal/format"
	"github.com/SteelMorgan/logview/internal/index"
	"github.com/SteelMorgan/logview/internal/parser"
)

// Options configures a Pool
type Options struct {
	Workers   int
	Mode      Mode
	Files     int
	Parser    *parser.Parser
	Predicate filter.Predicate
	// NewFormatter creates the formatter of one worker
	NewFormatter func() *format.Formatter
}

// Source is what workers and the sequencer need to know about one input
type Source struct {
	R       io.ReaderAt    // for chunks planned without inline data
	Builder *index.Builder // receives per-line timestamps of indexing chunks
}

// Pool owns the queues, workers and sequencer of one run
type Pool struct {
	opts Options

	chunks chan domain.Chunk
	out    chan domain.FormattedChunk
	seq    *Sequencer

	mu      sync.RWMutex
	sources map[int]Source
	tokens  map[int]chan struct{}

	buffers sync.Pool
}

// NewPool creates a pool writing ordered output to w
func NewPool(w io.Writer, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.NewFormatter == nil {
		opts.NewFormatter = func() *format.Formatter { return format.New(format.Options{}) }
	}
	p := &Pool{
		opts:    opts,
		chunks:  make(chan domain.Chunk, 2*opts.Workers),
		out:     make(chan domain.FormattedChunk, 4*opts.Workers),
		sources: make(map[int]Source),
		tokens:  make(map[int]chan struct{}),
	}
	p.seq = NewSequencer(w, SequencerOptions{
		Mode:    opts.Mode,
		Files:   opts.Files,
		OnChunk: p.onChunk,
		Release: p.release,
		Recycle: p.recycle,
	})
	return p
}

// Workers returns the number of workers
func (p *Pool) Workers() int { return p.opts.Workers }

// Register makes an input's reader and index builder known to the pool
func (p *Pool) Register(file int, src Source) {
	p.mu.Lock()
	p.sources[file] = src
	p.mu.Unlock()
}

func (p *Pool) source(file int) Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sources[file]
}

func (p *Pool) tokensFor(file int) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tokens[file]
	if !ok {
		t = make(chan struct{}, 2*p.opts.Workers+2)
		p.tokens[file] = t
	}
	return t
}

// Emit queues a chunk. It blocks while the input already has its share of
// chunks in flight or while the chunk queue is full.
func (p *Pool) Emit(ctx context.Context, c domain.Chunk) error {
	if !c.EOF {
		select {
		case p.tokensFor(c.File) <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case p.chunks <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish marks the end of an input after n chunks
func (p *Pool) Finish(ctx context.Context, file, n int) error {
	return p.Emit(ctx, domain.Chunk{File: file, Seq: n, EOF: true})
}

func (p *Pool) release(file int) {
	select {
	case <-p.tokensFor(file):
	default:
	}
}

func (p *Pool) recycle(buf []byte) {
	if cap(buf) > 4<<20 {
		return
	}
	buf = buf[:0]
	p.buffers.Put(&buf)
}

func (p *Pool) buffer() []byte {
	if b, ok := p.buffers.Get().(*[]byte); ok {
		return *b
	}
	return nil
}

func (p *Pool) onChunk(fc *domain.FormattedChunk) {
	if fc.Timestamps == nil {
		return
	}
	if b := p.source(fc.File).Builder; b != nil {
		b.SetTimestamps(fc.FirstLine, fc.Timestamps)
	}
}

// Run starts the workers and the sequencer, calls produce to plan chunks, and
// returns once every chunk has been written. produce must call Emit and
// Finish; the chunk queue is closed when it returns. Workers stop taking new
// chunks when ctx is cancelled, and whatever reached the sequencer is flushed.
func (p *Pool) Run(ctx context.Context, produce func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(p.chunks)
		return produce(gctx)
	})

	var workers sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		w := NewWorker(p.opts.Parser, p.opts.Predicate, p.opts.NewFormatter())
		go func() {
			defer workers.Done()
			p.work(gctx, w)
		}()
	}
	go func() {
		workers.Wait()
		close(p.out)
	}()

	seqErr := p.seq.Run(p.out)
	err := g.Wait()
	if seqErr != nil {
		return fmt.Errorf("failed to write output: %w", seqErr)
	}
	return err
}

func (p *Pool) work(ctx context.Context, w *Worker) {
	for {
		var (
			c  domain.Chunk
			ok bool
		)
		select {
		case c, ok = <-p.chunks:
		case <-ctx.Done():
			return
		}
		if !ok {
			return
		}

		var fc domain.FormattedChunk
		if c.EOF {
			fc = domain.FormattedChunk{File: c.File, Seq: c.Seq, EOF: true}
		} else {
			fc = w.Process(c, p.source(c.File).R, p.buffer())
		}
		// the sequencer drains the output queue until it is closed
		p.out <- fc
	}
}

// Stats returns the per-input outcome of the last run
func (p *Pool) Stats() []FileStats { return p.seq.Stats() }

// Written returns the number of output bytes
func (p *Pool) Written() int64 { return p.seq.Written() }

// LogStats writes a debug line per input
func (p *Pool) LogStats(paths []string) {
	for i, st := range p.Stats() {
		name := ""
		if i < len(paths) {
			name = paths[i]
		}
		log.Debug().
			Str("file", name).
			Int("chunks", st.Chunks).
			Int64("lines", st.Diagnostics.Lines).
			Int64("malformed", st.Diagnostics.Malformed).
			Msg("Input processed")
	}
}
