package format

import (
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/parser"
	"github.com/SteelMorgan/logview/internal/theme"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

func render(t *testing.T, f *Formatter, line string) string {
	t.Helper()
	var rec domain.Record
	if err := parser.New(timestamp.NewEngine()).Parse([]byte(line), 0, &rec); err != nil {
		t.Fatalf("Parse(%q) error = %v", line, err)
	}
	return string(f.AppendRecord(nil, &rec))
}

func TestAppendRecord(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		line string
		want string
	}{
		{
			name: "all roles",
			opts: Options{Location: time.UTC},
			line: `{"ts":"2024-01-02T03:04:05.123Z","level":"info","logger":"http","msg":"served","status":200,"ok":true,"caller":"main.go:1"}`,
			want: `2024-01-02 03:04:05.123 |INF| http: served status=200 ok=true @ main.go:1`,
		},
		{
			name: "quoting of string values",
			line: `{"msg":"m","a":"plain","b":"two words","c":"","d":"k=v","e":"say \"hi\""}`,
			want: `m a=plain b="two words" c="" d="k=v" e="say \"hi\""`,
		},
		{
			name: "escapes in message are decoded",
			line: `{"msg":"café \"quoted\""}`,
			want: `café "quoted"`,
		},
		{
			name: "control characters stay escaped",
			line: `{"msg":"line1\nline2"}`,
			want: `line1\nline2`,
		},
		{
			name: "nested values as compact json",
			line: `{"msg":"m","user":{"id":1},"tags":["a","b"],"n":null}`,
			want: `m user={"id":1} tags=["a","b"] n=null`,
		},
		{
			name: "source offset kept without location",
			line: `{"time":"2024-01-02T03:04:05+02:00","msg":"x"}`,
			want: `2024-01-02 03:04:05.000 x`,
		},
		{
			name: "hidden fields",
			opts: Options{Hide: []string{"secret", "caller"}},
			line: `{"msg":"m","secret":"s","keep":1,"caller":"c.go:2"}`,
			want: `m keep=1`,
		},
		{
			name: "custom time format",
			opts: Options{Time: timestamp.MustParseFormat("%H:%M:%S"), Location: time.UTC},
			line: `{"ts":1700000000,"level":"error","msg":"boom"}`,
			want: `22:13:20 |ERR| boom`,
		},
		{
			name: "fields only",
			line: `{"a":1}`,
			want: `a=1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := render(t, New(tt.opts), tt.line)
			if got != tt.want {
				t.Errorf("AppendRecord() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppendRecordRelative(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := New(Options{Relative: true, Now: func() time.Time { return now }})
	got := render(t, f, `{"time":"2024-01-02T03:01:05Z","msg":"x"}`)
	if got != "3m ago x" {
		t.Errorf("AppendRecord() = %q, want %q", got, "3m ago x")
	}
}

func TestAppendRecordStyled(t *testing.T) {
	styles := theme.Compile(theme.Default(), termenv.ANSI256)
	f := New(Options{Styles: styles})
	got := render(t, f, `{"level":"warn","msg":"careful"}`)
	if !strings.Contains(got, "\x1b[") {
		t.Fatalf("AppendRecord() = %q, want escape sequences", got)
	}
	stripped := stripANSI(got)
	if stripped != "|WRN| careful" {
		t.Errorf("stripped output = %q", stripped)
	}
}

func stripANSI(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
