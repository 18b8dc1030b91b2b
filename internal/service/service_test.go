package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/SteelMorgan/logview/internal/config"
)

func writeLog(t *testing.T, path string, from, n int, appendTo bool) {
	t.Helper()
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for i := from; i < from+n; i++ {
		level := []string{"debug", "info", "warn", "error"}[i%4]
		fmt.Fprintf(f, `{"time":"2024-01-02T03:%02d:%02dZ","level":"%s","msg":"request %d","status":%d}`+"\n",
			(i/60)%60, i%60, level, i, 200+i%5)
		if i%97 == 0 {
			fmt.Fprintf(f, "plain text line %d\n", i)
		}
	}
}

func testConfig(t *testing.T, paths []string, cacheDir string, values map[string]any) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("paths", paths)
	v.Set("color", "never")
	v.Set("workers", 4)
	v.Set("chunk-size", "4KiB")
	v.Set("min-chunk-size", "1KiB")
	if cacheDir == "" {
		v.Set("no-cache", true)
	} else {
		v.Set("cache-dir", cacheDir)
	}
	for k, val := range values {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func run(t *testing.T, cfg *config.Config) (string, *Summary) {
	t.Helper()
	var out bytes.Buffer
	svc, err := New(cfg, &out)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return out.String(), sum
}

func TestRunUsesIndexOnSecondPass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLog(t, path, 0, 3000, false)
	cacheDir := filepath.Join(dir, "cache")

	want, _ := run(t, testConfig(t, []string{path}, "", nil))
	if n := strings.Count(want, "\n"); n != 3000+31 {
		t.Fatalf("rendered %d lines, want %d", n, 3000+31)
	}

	first, sum := run(t, testConfig(t, []string{path}, cacheDir, nil))
	if first != want {
		t.Fatal("output with an empty cache differs from uncached output")
	}
	if sum.Files[0].CacheHit || sum.Cache.Stores != 1 {
		t.Errorf("first run: hit = %v, stores = %d", sum.Files[0].CacheHit, sum.Cache.Stores)
	}

	second, sum := run(t, testConfig(t, []string{path}, cacheDir, nil))
	if second != want {
		t.Fatal("output from the cached index differs")
	}
	if !sum.Files[0].CacheHit {
		t.Error("second run did not use the cached index")
	}
	if sum.Files[0].Diagnostics.Malformed != 31 {
		t.Errorf("malformed = %d, want 31", sum.Files[0].Diagnostics.Malformed)
	}
}

func TestRunRescansChangedFile(t *testing.T) {
	edge := strings.Repeat(`{"msg":"unchanged edge line"}`+"\n", 200)
	tests := []struct {
		name   string
		before string
		after  string
	}{
		{
			name:   "grown",
			before: edge + strings.Repeat(`{"msg":"xxxxxxxxx"}`+"\n", 100),
			after:  edge + strings.Repeat(`{"msg":"xxxxxxxxx"}`+"\n", 100) + edge,
		},
		{
			// the sampled head and tail bytes survive, the line lengths in between do not
			name:   "same size rewrite",
			before: edge + strings.Repeat(`{"msg":"xxxxxxxxx"}`+"\n", 1150) + edge,
			after:  edge + strings.Repeat(`{"msg":"yyyyyyyyyyyy"}`+"\n", 1000) + edge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "app.log")
			cacheDir := filepath.Join(dir, "cache")
			mtime := time.Now().Add(-time.Hour)
			write := func(content string, mtime time.Time) {
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
				if err := os.Chtimes(path, mtime, mtime); err != nil {
					t.Fatal(err)
				}
			}

			write(tt.before, mtime)
			run(t, testConfig(t, []string{path}, cacheDir, nil))

			write(tt.after, mtime.Add(time.Minute))
			want, _ := run(t, testConfig(t, []string{path}, "", nil))
			got, sum := run(t, testConfig(t, []string{path}, cacheDir, nil))
			if got != want {
				t.Fatalf("output after the change differs from a full scan: %d vs %d lines",
					strings.Count(got, "\n"), strings.Count(want, "\n"))
			}
			if f := sum.Files[0]; f.CacheHit || f.Diagnostics.Malformed != 0 {
				t.Errorf("hit = %v, malformed = %d", f.CacheHit, f.Diagnostics.Malformed)
			}
			if sum.Cache.Resumes != 0 || sum.Cache.Stores != 1 {
				t.Errorf("cache stats = %+v, want one store and no resume", sum.Cache)
			}

			third, sum := run(t, testConfig(t, []string{path}, cacheDir, nil))
			if third != want || !sum.Files[0].CacheHit {
				t.Errorf("rebuilt index not reused: hit = %v", sum.Files[0].CacheHit)
			}
		})
	}
}

func TestRunTimeBoundsWithIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	cacheDir := filepath.Join(dir, "cache")
	writeLog(t, path, 0, 2000, false)
	run(t, testConfig(t, []string{path}, cacheDir, nil))

	bounds := map[string]any{"since": "2024-01-02T03:20:00Z", "until": "2024-01-02T03:21:00Z"}
	want, _ := run(t, testConfig(t, []string{path}, "", bounds))
	got, sum := run(t, testConfig(t, []string{path}, cacheDir, bounds))
	if got != want {
		t.Fatalf("bounded output with index differs:\n%s\nwant:\n%s", got, want)
	}
	if sum.Files[0].Skipped == 0 {
		t.Error("no chunk was skipped by the time bounds")
	}
	if n := strings.Count(got, "|"); n == 0 {
		t.Error("no record rendered inside the bounds")
	}
}

func TestRunPositionalAndMerge(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	os.WriteFile(a, []byte(`{"ts":1700000001,"msg":"a1"}`+"\n"+`{"ts":1700000003,"msg":"a2"}`+"\n"), 0o644)
	os.WriteFile(b, []byte(`{"ts":1700000002,"msg":"b1"}`+"\n"+`{"ts":1700000004,"msg":"b2"}`+"\n"), 0o644)

	tests := []struct {
		name  string
		merge bool
		want  []string
	}{
		{name: "positional", want: []string{"a1", "a2", "b1", "b2"}},
		{name: "merge", merge: true, want: []string{"a1", "b1", "a2", "b2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := run(t, testConfig(t, []string{a, b}, "", map[string]any{
				"merge":       tt.merge,
				"time-format": "%s",
			}))
			lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("output = %q", out)
			}
			for i, line := range lines {
				if !strings.HasSuffix(line, tt.want[i]) {
					t.Errorf("line %d = %q, want message %q", i, line, tt.want[i])
				}
			}
		})
	}
}

func TestRunFilters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLog(t, path, 0, 400, false)

	out, sum := run(t, testConfig(t, []string{path}, "", map[string]any{
		"level":  "error",
		"filter": []string{"status>=203"},
	}))
	for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
		if strings.HasPrefix(line, "plain text") {
			continue
		}
		if !strings.Contains(line, "|ERR|") {
			t.Fatalf("line below the level passed: %q", line)
		}
	}
	if sum.Totals().Filtered == 0 {
		t.Error("no filtered lines counted")
	}
}

func TestRunPartialFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.log")
	writeLog(t, good, 0, 10, false)
	missing := filepath.Join(dir, "missing.log")

	out, sum := run(t, testConfig(t, []string{missing, good}, "", nil))
	if strings.Count(out, "\n") != 11 {
		t.Errorf("output = %q", out)
	}
	if sum.Failed() != 1 || sum.Files[0].Err == nil {
		t.Errorf("failed = %d, first error = %v", sum.Failed(), sum.Files[0].Err)
	}

	var buf bytes.Buffer
	sum.Print(&buf, "never")
	if !strings.Contains(buf.String(), "1 of 2 inputs failed") {
		t.Errorf("summary = %q", buf.String())
	}

	svc, err := New(testConfig(t, []string{missing}, "", nil), &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Run(context.Background()); !errors.Is(err, ErrAllInputsFailed) {
		t.Errorf("Run() error = %v, want ErrAllInputsFailed", err)
	}
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLog(t, path, 0, 100, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc, err := New(testConfig(t, []string{path}, "", nil), &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
