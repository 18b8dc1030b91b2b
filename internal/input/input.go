// Package input resolves command line paths into readable inputs.
package input

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logview/internal/domain"
)

// StdinName is the path that selects standard input
const StdinName = "-"

// Kind tells how an input can be read
type Kind uint8

const (
	// KindFile is a regular file read at arbitrary offsets
	KindFile Kind = iota
	// KindStdin is the standard input stream
	KindStdin
	// KindGzip is a gzip-compressed file decoded as a stream
	KindGzip
	// KindPipe is a named pipe, device or process substitution read once in order
	KindPipe
)

// Input is one opened source
type Input struct {
	Index int
	Name  string // as given on the command line
	Path  string // canonical path, empty for stdin
	Kind  Kind

	File *os.File
	Info fs.FileInfo

	stream  io.Reader
	closers []io.Closer
}

// Seekable reports whether the input can be read at arbitrary offsets and indexed
func (in *Input) Seekable() bool { return in.Kind == KindFile }

// Stream returns a sequential reader over the input contents
func (in *Input) Stream() io.Reader {
	if in.stream != nil {
		return in.stream
	}
	return in.File
}

// Close releases the input
func (in *Input) Close() error {
	var first error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	in.closers = nil
	return first
}

// hasMeta reports whether p contains glob syntax
func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// Expand resolves glob patterns (including **) into paths. Plain paths and
// "-" are kept as given, so missing files surface as open errors later.
// No arguments selects stdin.
func Expand(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return []string{StdinName}, nil
	}

	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, pattern := range patterns {
		if pattern == StdinName || !hasMeta(pattern) {
			add(pattern)
			continue
		}
		if !doublestar.ValidatePathPattern(pattern) {
			return nil, &domain.ConfigurationError{
				Field: "input pattern",
				Value: pattern,
				Err:   doublestar.ErrBadPattern,
			}
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			log.Warn().Str("pattern", pattern).Msg("Pattern matched no files")
			continue
		}
		log.Debug().
			Str("pattern", pattern).
			Int("matches", len(matches)).
			Msg("Pattern expanded")
		for _, m := range matches {
			add(m)
		}
	}
	return paths, nil
}

// Open opens the input at position index
func Open(index int, name string) (*Input, error) {
	if name == StdinName {
		return &Input{
			Index:  index,
			Name:   "<stdin>",
			Kind:   KindStdin,
			stream: bufio.NewReaderSize(os.Stdin, 256<<10),
		}, nil
	}

	path, err := Canonical(name)
	if err != nil {
		return nil, &domain.IOError{Path: name, Op: "open", Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.IOError{Path: name, Op: "open", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &domain.IOError{Path: name, Op: "stat", Err: err}
	}
	if info.IsDir() {
		f.Close()
		return nil, &domain.IOError{Path: name, Op: "open", Err: fmt.Errorf("is a directory")}
	}

	in := &Input{
		Index:   index,
		Name:    name,
		Path:    path,
		Kind:    KindFile,
		File:    f,
		Info:    info,
		closers: []io.Closer{f},
	}
	var r io.Reader = f
	if !info.Mode().IsRegular() {
		in.Kind = KindPipe
		in.stream = bufio.NewReaderSize(f, 256<<10)
		r = in.stream
		log.Debug().Str("file", name).Str("mode", info.Mode().String()).Msg("Not a regular file, reading as a stream")
	}
	if strings.EqualFold(filepath.Ext(path), ".gz") {
		if in.Kind == KindFile {
			r = bufio.NewReaderSize(f, 256<<10)
		}
		zr, err := gzip.NewReader(r)
		if err != nil {
			in.Close()
			return nil, &domain.IOError{Path: name, Op: "read", Err: fmt.Errorf("invalid gzip stream: %w", err)}
		}
		in.Kind = KindGzip
		in.stream = zr
		in.closers = append(in.closers, zr)
	}
	return in, nil
}

// Canonical returns the absolute path with symlinks resolved. Cache entries
// and follow state are keyed by it.
func Canonical(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}
