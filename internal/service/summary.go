package service

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/index"
	"github.com/SteelMorgan/logview/internal/theme"
)

// FileSummary is the outcome of one input
type FileSummary struct {
	Name        string
	Size        int64
	Chunks      int
	Skipped     int // chunks dropped by the time bounds
	Diagnostics domain.Diagnostics
	CacheHit    bool
	Err         error
}

// Summary is the outcome of a run
type Summary struct {
	Files    []FileSummary
	Written  int64
	Cache    index.Stats
	Duration time.Duration
}

// Failed returns the number of inputs that could not be rendered
func (s *Summary) Failed() int {
	n := 0
	for _, f := range s.Files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

// Totals sums the diagnostics of all inputs
func (s *Summary) Totals() domain.Diagnostics {
	var d domain.Diagnostics
	for _, f := range s.Files {
		d.Add(f.Diagnostics)
	}
	return d
}

// Print writes the human readable summary to w. mode is a theme color mode;
// auto colors only when w is a terminal.
func (s *Summary) Print(w io.Writer, mode string) {
	var (
		title = color.New(color.Bold)
		name  = color.New(color.FgCyan)
		warn  = color.New(color.FgYellow)
		fail  = color.New(color.FgRed, color.Bold)
		dim   = color.New(color.Faint)
	)
	for _, c := range []*color.Color{title, name, warn, fail, dim} {
		switch mode {
		case theme.ColorAlways:
			c.EnableColor()
		case theme.ColorNever:
			c.DisableColor()
		}
	}

	title.Fprintln(w, "logview summary")
	for _, f := range s.Files {
		name.Fprintf(w, "  %s", f.Name)
		if f.Err != nil {
			fail.Fprintf(w, "  failed: %v\n", f.Err)
			continue
		}
		fmt.Fprintf(w, "  %s, %s lines", humanize.IBytes(uint64(max(f.Size, 0))), humanize.Comma(f.Diagnostics.Lines))
		if f.Diagnostics.Malformed > 0 {
			warn.Fprintf(w, ", %s malformed", humanize.Comma(f.Diagnostics.Malformed))
		}
		if f.Diagnostics.Filtered > 0 {
			fmt.Fprintf(w, ", %s filtered", humanize.Comma(f.Diagnostics.Filtered))
		}
		if f.CacheHit {
			dim.Fprint(w, "  (indexed)")
		}
		if f.Skipped > 0 {
			dim.Fprintf(w, "  %d chunks skipped", f.Skipped)
		}
		fmt.Fprintln(w)
	}

	total := s.Totals()
	fmt.Fprintf(w, "  total: %d files, %s read, %s lines, %s malformed, %s filtered, %s written in %s\n",
		len(s.Files),
		humanize.IBytes(uint64(max(total.Bytes, 0))),
		humanize.Comma(total.Lines),
		humanize.Comma(total.Malformed),
		humanize.Comma(total.Filtered),
		humanize.IBytes(uint64(max(s.Written, 0))),
		s.Duration.Round(time.Millisecond),
	)
	fmt.Fprintf(w, "  cache: %d hits, %d misses, %d resumed, %d stored",
		s.Cache.Hits, s.Cache.Misses, s.Cache.Resumes, s.Cache.Stores)
	if s.Cache.Degraded {
		warn.Fprint(w, " (in memory only)")
	}
	fmt.Fprintln(w)
	if n := s.Failed(); n > 0 {
		fail.Fprintf(w, "  %d of %d inputs failed\n", n, len(s.Files))
	}
}
