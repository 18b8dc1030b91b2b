package follow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/format"
	"github.com/SteelMorgan/logview/internal/index"
	"github.com/SteelMorgan/logview/internal/parser"
	"github.com/SteelMorgan/logview/internal/pipeline"
	"github.com/SteelMorgan/logview/internal/planner"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

// syncBuffer is written by the sequencer goroutine and read by the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *syncBuffer) lines() []string {
	text := strings.TrimSuffix(s.String(), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func appendLines(t *testing.T, path string, from, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for i := from; i < from+n; i++ {
		if _, err := fmt.Fprintf(f, `{"msg":"line","n":%d}`+"\n", i); err != nil {
			t.Fatal(err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startFollowing runs a follower feeding an interleaved pool until the
// returned stop function is called
func startFollowing(t *testing.T, path string, tail int, cache *index.Cache) (*syncBuffer, func()) {
	t.Helper()
	out := &syncBuffer{}
	pool := pipeline.NewPool(out, pipeline.Options{
		Workers: 2,
		Mode:    pipeline.Interleaved,
		Parser:  parser.New(timestamp.NewEngine()),
		NewFormatter: func() *format.Formatter {
			return format.New(format.Options{})
		},
	})
	backend, err := NewBackend(BackendPoll, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	pl := planner.New(planner.Config{Workers: 2, MinChunk: 1, ChunkSize: 256}, pool.Emit)
	follower := New(backend, pl, cache, Options{
		Debounce:     5 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Tail:         tail,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(ctx, func(ctx context.Context) error {
			return follower.Run(ctx, []Target{{Index: 0, Name: "app.log", Path: path}})
		})
	}()
	return out, func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v", err)
		}
	}
}

func TestFollowAppendExactness(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	appendLines(t, path, 0, 20)

	out, stop := startFollowing(t, path, 5, nil)
	waitFor(t, "initial tail", func() bool { return len(out.lines()) == 5 })

	// append in several bursts so debouncing and polling both get exercised
	for burst := 0; burst < 4; burst++ {
		appendLines(t, path, 20+burst*25, 25)
		time.Sleep(15 * time.Millisecond)
	}
	waitFor(t, "appended lines", func() bool { return len(out.lines()) >= 105 })
	time.Sleep(100 * time.Millisecond)
	stop()

	lines := out.lines()
	if len(lines) != 105 {
		t.Fatalf("got %d lines, want 105", len(lines))
	}
	for i, line := range lines {
		want := fmt.Sprintf("line n=%d", 15+i)
		if line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}
}

func TestFollowHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte(`{"msg":"a"}`+"\n"+`{"msg":"b`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, stop := startFollowing(t, path, -1, nil)
	defer stop()

	waitFor(t, "first line", func() bool { return len(out.lines()) == 1 })
	time.Sleep(60 * time.Millisecond)
	if got := out.lines(); len(got) != 1 {
		t.Fatalf("partial line was emitted early: %q", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("\"}\n")
	f.Close()

	waitFor(t, "completed line", func() bool { return len(out.lines()) == 2 })
	if got := out.lines(); got[1] != "b" {
		t.Errorf("completed line = %q, want %q", got[1], "b")
	}
}

// storeIndex records the line starts of the file at path in cache
func storeIndex(t *testing.T, cache *index.Cache, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b := index.NewBuilder()
	for off := 0; off < len(data); {
		b.AddLine(int64(off))
		nl := bytes.IndexByte(data[off:], '\n')
		if nl < 0 {
			break
		}
		off += nl + 1
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	fp, err := index.ComputeFingerprint(path, f, info)
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Store(context.Background(), b.Build(fp)); err != nil {
		t.Fatal(err)
	}
}

func TestFollowWholeFileFromIndex(t *testing.T) {
	tests := []struct {
		name     string
		appended int
		want     int
	}{
		{name: "unchanged file", appended: 0, want: 40},
		{name: "grown file", appended: 10, want: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "app.log")
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				t.Fatal(err)
			}
			appendLines(t, path, 0, 40)
			cache := index.NewCache(filepath.Join(dir, "cache"), nil)
			defer cache.Close()
			storeIndex(t, cache, path)
			appendLines(t, path, 40, tt.appended)

			out, stop := startFollowing(t, path, -1, cache)
			waitFor(t, "whole file", func() bool { return len(out.lines()) >= tt.want })
			appendLines(t, path, tt.want, 5)
			waitFor(t, "appended lines", func() bool { return len(out.lines()) >= tt.want+5 })
			stop()

			lines := out.lines()
			if len(lines) != tt.want+5 {
				t.Fatalf("got %d lines, want %d", len(lines), tt.want+5)
			}
			for i, line := range lines {
				if want := fmt.Sprintf("line n=%d", i); line != want {
					t.Fatalf("line %d = %q, want %q", i, line, want)
				}
			}

			stats := cache.Stats()
			if tt.appended == 0 && stats.Hits != 1 {
				t.Errorf("hits = %d, want 1", stats.Hits)
			}
			if tt.appended > 0 && stats.Resumes != 1 {
				t.Errorf("resumes = %d, want 1", stats.Resumes)
			}
		})
	}
}

func TestFollowTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	appendLines(t, path, 0, 3)
	out, stop := startFollowing(t, path, -1, nil)
	defer stop()
	waitFor(t, "initial lines", func() bool { return len(out.lines()) == 3 })

	if err := os.WriteFile(path, []byte(`{"msg":"fresh"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "line after truncation", func() bool {
		lines := out.lines()
		return len(lines) == 4 && lines[3] == "fresh"
	})
}

func TestPollBackendEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := newPollBackend(5 * time.Millisecond)
	defer b.Close()
	if err := b.Add(path); err != nil {
		t.Fatal(err)
	}

	next := func(want EventKind) {
		t.Helper()
		select {
		case ev := <-b.Events():
			if ev.Kind != want || ev.Path != path {
				t.Fatalf("event = %+v, want %v", ev, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %v event", want)
		}
	}

	appendLines(t, path, 0, 1)
	next(Modified)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	next(Removed)

	if err := os.WriteFile(path, []byte("y\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	next(Renamed)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(BackendAuto, time.Second)
	if err != nil {
		t.Fatalf("NewBackend(auto) error = %v", err)
	}
	b.Close()

	_, err = NewBackend("inotify2", time.Second)
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("NewBackend(unknown) error = %v, want ConfigurationError", err)
	}
}
