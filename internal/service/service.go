// Package service wires inputs, the index cache, the planner and the
// processing pool into one rendering run.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/SteelMorgan/logview/internal/config"
	"github.com/SteelMorgan/logview/internal/follow"
	"github.com/SteelMorgan/logview/internal/format"
	"github.com/SteelMorgan/logview/internal/index"
	"github.com/SteelMorgan/logview/internal/input"
	"github.com/SteelMorgan/logview/internal/observability"
	"github.com/SteelMorgan/logview/internal/parser"
	"github.com/SteelMorgan/logview/internal/pipeline"
	"github.com/SteelMorgan/logview/internal/planner"
	"github.com/SteelMorgan/logview/internal/theme"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

// ErrAllInputsFailed is returned when not a single input could be rendered
var ErrAllInputsFailed = errors.New("no input could be read")

// Service renders the configured inputs to one writer
type Service struct {
	cfg    *config.Config
	out    io.Writer
	engine *timestamp.Engine
	cache  *index.Cache // nil when caching is disabled
	runID  string
}

// New creates a service writing rendered lines to out
func New(cfg *config.Config, out io.Writer) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if out == nil {
		out = os.Stdout
	}
	s := &Service{
		cfg:    cfg,
		out:    out,
		engine: timestamp.NewEngine(),
		runID:  uuid.NewString(),
	}
	if cfg.CacheEnabled {
		s.cache = index.Open(cfg.CacheDir)
	}
	return s, nil
}

// Close releases the index cache
func (s *Service) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

// fileRun is the planning state of one seekable input
type fileRun struct {
	fp      index.Fingerprint
	builder *index.Builder // nil when the input is not being indexed
	res     planner.Result
	err     error
	hit     bool
}

// Run renders every input and returns the run summary. Failing inputs are
// logged and skipped; the error is ErrAllInputsFailed only when every input
// failed. Cancellation is reported as ctx.Err() after the output is flushed.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "service.run",
		attribute.String("run.id", s.runID),
		attribute.Bool("follow", s.cfg.Follow),
		attribute.Bool("merge", s.cfg.Merge),
		attribute.Int("workers", s.cfg.Workers),
	)

	paths, err := input.Expand(s.cfg.Paths)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	if len(paths) == 0 {
		observability.EndSpan(span, ErrAllInputsFailed)
		return nil, ErrAllInputsFailed
	}

	sum := &Summary{Files: make([]FileSummary, len(paths))}
	inputs := make([]*input.Input, len(paths))
	for i, p := range paths {
		sum.Files[i].Name = p
		in, err := input.Open(i, p)
		if err != nil {
			log.Error().Err(err).Str("file", p).Msg("Failed to open input")
			sum.Files[i].Err = err
			continue
		}
		inputs[i] = in
		sum.Files[i].Name = in.Name
		if in.Info != nil {
			sum.Files[i].Size = in.Info.Size()
		}
	}
	defer func() {
		for _, in := range inputs {
			if in != nil {
				in.Close()
			}
		}
	}()

	pool, err := s.newPool(len(inputs))
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}
	pl := planner.New(planner.Config{
		Workers:   pool.Workers(),
		ChunkSize: s.cfg.ChunkSize,
		MinChunk:  s.cfg.MinChunkSize,
		MaxChunk:  s.cfg.MaxChunkSize,
		Since:     s.cfg.Since,
		Until:     s.cfg.Until,
	}, pool.Emit)

	log.Debug().
		Int("inputs", len(inputs)).
		Int("workers", pool.Workers()).
		Str("mode", s.mode().String()).
		Msg("Rendering started")

	runs := make([]*fileRun, len(inputs))
	runErr := pool.Run(ctx, func(ctx context.Context) error {
		if s.cfg.Follow {
			return s.follow(ctx, pool, pl, inputs)
		}
		return s.render(ctx, pool, pl, inputs, runs)
	})

	for i, st := range pool.Stats() {
		if i >= len(sum.Files) {
			break
		}
		f := &sum.Files[i]
		f.Chunks = st.Chunks
		f.Diagnostics = st.Diagnostics
		if f.Err == nil && st.Err != nil {
			f.Err = st.Err
		}
		if run := runs[i]; run != nil {
			f.CacheHit, f.Skipped = run.hit, run.res.Skipped
			if f.Err == nil && run.err != nil {
				f.Err = run.err
			}
		}
	}
	pool.LogStats(paths)

	if runErr == nil {
		s.storeIndexes(ctx, runs, sum)
	}

	sum.Written = pool.Written()
	sum.Duration = time.Since(started)
	if s.cache != nil {
		sum.Cache = s.cache.Stats()
	}

	switch {
	case runErr != nil:
		observability.EndSpan(span, runErr)
		return sum, runErr
	case sum.Failed() == len(sum.Files):
		observability.EndSpan(span, ErrAllInputsFailed)
		return sum, ErrAllInputsFailed
	}
	observability.EndSpan(span, nil)
	return sum, nil
}

func (s *Service) mode() pipeline.Mode {
	switch {
	case s.cfg.Follow:
		return pipeline.Interleaved
	case s.cfg.Merge:
		return pipeline.Merge
	default:
		return pipeline.Positional
	}
}

func (s *Service) newPool(files int) (*pipeline.Pool, error) {
	profile, err := theme.Profile(s.cfg.Color, s.out)
	if err != nil {
		return nil, err
	}
	styles := theme.Compile(s.cfg.Theme, profile)

	fopts := format.Options{
		Styles:   styles,
		Time:     s.cfg.TimeFormat,
		Location: s.cfg.Location,
		Relative: s.cfg.RelativeTime,
		Hide:     s.cfg.HideFields,
	}
	return pipeline.NewPool(s.out, pipeline.Options{
		Workers:      s.cfg.Workers,
		Mode:         s.mode(),
		Files:        files,
		Parser:       parser.New(s.engine),
		Predicate:    s.cfg.Filter,
		NewFormatter: func() *format.Formatter { return format.New(fopts) },
	}), nil
}

// render plans every input once. Merge mode needs all inputs planned at the
// same time since the sequencer waits for a line from each of them.
func (s *Service) render(ctx context.Context, pool *pipeline.Pool, pl *planner.Planner, inputs []*input.Input, runs []*fileRun) error {
	if !s.cfg.Merge {
		for i, in := range inputs {
			if err := s.renderInput(ctx, pool, pl, i, in, runs); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		g.Go(func() error {
			return s.renderInput(gctx, pool, pl, i, in, runs)
		})
	}
	return g.Wait()
}

// renderInput plans one input and marks its end. Only cancellation is
// returned; read failures stay with the input.
func (s *Service) renderInput(ctx context.Context, pool *pipeline.Pool, pl *planner.Planner, i int, in *input.Input, runs []*fileRun) error {
	if in == nil {
		return pool.Finish(ctx, i, 0)
	}

	fctx, span := observability.StartSpan(ctx, "pipeline.file", attribute.String("path", in.Name))
	run := &fileRun{}
	runs[i] = run

	if in.Seekable() {
		run.res, run.err = s.planFile(fctx, pool, pl, in, run)
		span.SetAttributes(
			attribute.Int64("size", in.Info.Size()),
			attribute.Bool("cache_hit", run.hit),
		)
	} else {
		pool.Register(i, pipeline.Source{})
		run.res, run.err = pl.PlanStream(fctx, i, in.Name, in.Stream())
	}
	span.SetAttributes(attribute.Int("chunks", run.res.Chunks))
	observability.EndSpan(span, run.err)

	if run.err != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Error().Err(run.err).Str("file", in.Name).Msg("Failed to read input")
	}
	return pool.Finish(ctx, i, run.res.Seq)
}

// planFile plans a seekable input from its cached index when the fingerprint
// matches and scans it otherwise. Any change to the file, even pure growth,
// is a full rescan here.
func (s *Service) planFile(ctx context.Context, pool *pipeline.Pool, pl *planner.Planner, in *input.Input, run *fileRun) (planner.Result, error) {
	f := planner.File{Index: in.Index, Path: in.Name, R: in.File, Size: in.Info.Size()}
	if s.cache == nil {
		pool.Register(in.Index, pipeline.Source{R: in.File})
		return pl.PlanFile(ctx, f, nil, planner.Range{})
	}

	fp, err := index.ComputeFingerprint(in.Path, in.File, in.Info)
	if err != nil {
		log.Debug().Err(err).Str("file", in.Name).Msg("Fingerprint unavailable, not indexing")
		pool.Register(in.Index, pipeline.Source{R: in.File})
		return pl.PlanFile(ctx, f, nil, planner.Range{})
	}
	run.fp = fp

	if idx, ok := s.cache.Lookup(fp); ok {
		run.hit = true
		pool.Register(in.Index, pipeline.Source{R: in.File})
		return pl.PlanFile(ctx, f, idx, planner.Range{})
	}

	run.builder = index.NewBuilder()
	pool.Register(in.Index, pipeline.Source{R: in.File, Builder: run.builder})
	return pl.PlanFile(ctx, f, nil, planner.Range{Builder: run.builder})
}

// storeIndexes persists the indexes built by complete scans
func (s *Service) storeIndexes(ctx context.Context, runs []*fileRun, sum *Summary) {
	if s.cache == nil {
		return
	}
	ctx, span := observability.StartSpan(ctx, "index.store")
	stored := 0
	for i, run := range runs {
		if run == nil || run.builder == nil || run.err != nil || sum.Files[i].Err != nil {
			continue
		}
		// a file that changed while it was read is indexed on the next run
		if run.res.Next != run.fp.Size {
			continue
		}
		idx := run.builder.Build(run.fp)
		if err := s.cache.Store(ctx, idx); err != nil {
			log.Warn().Err(err).Str("file", sum.Files[i].Name).Msg("Failed to store index")
			continue
		}
		stored++
	}
	span.SetAttributes(attribute.Int("stored", stored))
	observability.EndSpan(span, nil)
}

// follow renders the tail of every file and keeps rendering appended lines
// until ctx is cancelled. Streams are rendered once, as they arrive.
func (s *Service) follow(ctx context.Context, pool *pipeline.Pool, pl *planner.Planner, inputs []*input.Input) error {
	var targets []follow.Target
	for i, in := range inputs {
		if in != nil && in.Seekable() {
			targets = append(targets, follow.Target{Index: i, Name: in.Name, Path: in.Path})
		}
	}

	var fl *follow.Follower
	if len(targets) > 0 {
		backend, err := follow.NewBackend(s.cfg.WatchBackend, s.cfg.PollInterval)
		if err != nil {
			return err
		}
		fl = follow.New(backend, pl, s.cache, follow.Options{
			Debounce:     s.cfg.Debounce,
			PollInterval: s.cfg.PollInterval,
			Tail:         s.cfg.Tail,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		switch {
		case in == nil:
			if err := pool.Finish(ctx, i, 0); err != nil {
				return err
			}
		case !in.Seekable():
			pool.Register(i, pipeline.Source{})
			g.Go(func() error {
				res, err := pl.PlanStream(gctx, i, in.Name, in.Stream())
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Error().Err(err).Str("file", in.Name).Msg("Failed to read input")
				}
				return pool.Finish(gctx, i, res.Seq)
			})
		default:
			// follow chunks carry their bytes, the follower reads through its own handle
			pool.Register(i, pipeline.Source{})
		}
	}

	if fl != nil {
		log.Info().Int("files", len(targets)).Msg("Following files")
		g.Go(func() error {
			return fl.Run(gctx, targets)
		})
	}
	return g.Wait()
}
