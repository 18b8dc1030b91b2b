package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

func TestParse(t *testing.T) {
	p := New(timestamp.NewEngine())

	tests := []struct {
		name       string
		line       string
		wantTime   time.Time
		wantLevel  domain.Level
		wantMsg    string
		wantLogger string
		wantCaller string
		wantFields []string
	}{
		{
			name:       "zap style",
			line:       `{"level":"info","ts":1700000000.5,"logger":"http","caller":"server.go:42","msg":"request served","status":200,"path":"/api"}`,
			wantTime:   time.Unix(1700000000, 500000000),
			wantLevel:  domain.LevelInfo,
			wantMsg:    "request served",
			wantLogger: "http",
			wantCaller: "server.go:42",
			wantFields: []string{"status", "path"},
		},
		{
			name:       "logrus style with nested object",
			line:       `{"time":"2024-01-02T03:04:05Z","level":"WARN","message":"slow query","db":{"name":"main","ms":1200}}`,
			wantTime:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			wantLevel:  domain.LevelWarning,
			wantMsg:    "slow query",
			wantFields: []string{"db"},
		},
		{
			name:       "pino numeric level",
			line:       `{"level":50,"time":1700000000123,"msg":"boom"}`,
			wantTime:   time.Unix(1700000000, 123000000),
			wantLevel:  domain.LevelError,
			wantMsg:    "boom",
			wantFields: nil,
		},
		{
			name:       "unrecognised time stays a field",
			line:       `{"ts":"yesterday","msg":"x"}`,
			wantMsg:    "x",
			wantFields: []string{"ts"},
		},
		{
			name:       "second time key stays a field",
			line:       `{"ts":"2024-01-02T03:04:05Z","time":"2024-01-02T03:04:06Z"}`,
			wantTime:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			wantFields: []string{"time"},
		},
		{
			name:       "surrounding whitespace and crlf",
			line:       "  {\"msg\":\"hi\",\"n\":null}\r",
			wantMsg:    "hi",
			wantFields: []string{"n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec domain.Record
			if err := p.Parse([]byte(tt.line), 7, &rec); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if rec.Offset != 7 || rec.Length != len(tt.line) {
				t.Errorf("span = %d+%d, want 7+%d", rec.Offset, rec.Length, len(tt.line))
			}
			if tt.wantTime.IsZero() {
				if rec.Timestamp.Valid {
					t.Errorf("unexpected timestamp %+v", rec.Timestamp)
				}
			} else if !rec.Timestamp.Valid || rec.Timestamp.UnixNano() != tt.wantTime.UnixNano() {
				t.Errorf("timestamp = %+v, want %v", rec.Timestamp, tt.wantTime)
			}
			if rec.Level != tt.wantLevel {
				t.Errorf("level = %v, want %v", rec.Level, tt.wantLevel)
			}
			if string(rec.Message) != tt.wantMsg {
				t.Errorf("message = %q, want %q", rec.Message, tt.wantMsg)
			}
			if string(rec.Logger) != tt.wantLogger || string(rec.Caller) != tt.wantCaller {
				t.Errorf("logger/caller = %q/%q", rec.Logger, rec.Caller)
			}
			if len(rec.Fields) != len(tt.wantFields) {
				t.Fatalf("fields = %d, want %d", len(rec.Fields), len(tt.wantFields))
			}
			for i, k := range tt.wantFields {
				if string(rec.Fields[i].Key) != k {
					t.Errorf("field %d = %q, want %q", i, rec.Fields[i].Key, k)
				}
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	p := New(timestamp.NewEngine())
	lines := []string{
		`plain text line`,
		`{"msg":"unterminated`,
		`{"msg":"x"} trailing`,
		`["array"]`,
		`{"a":1,,}`,
		`{"a" 1}`,
	}
	for _, line := range lines {
		var rec domain.Record
		err := p.Parse([]byte(line), 100, &rec)
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			t.Errorf("Parse(%q) error = %v, want ParseError", line, err)
			continue
		}
		if perr.Offset != 100 {
			t.Errorf("ParseError.Offset = %d, want 100", perr.Offset)
		}
	}
}

func TestLookup(t *testing.T) {
	p := New(timestamp.NewEngine())
	var rec domain.Record
	line := `{"msg":"m","user":{"id":42,"name":"ann","tags":["a"]},"k.with.dots":"v","str":"a\"b"}`
	if err := p.Parse([]byte(line), 0, &rec); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path     string
		wantRaw  string
		wantKind domain.ValueKind
		wantOK   bool
	}{
		{path: "msg", wantRaw: "m", wantKind: domain.KindString, wantOK: true},
		{path: "user.id", wantRaw: "42", wantKind: domain.KindNumber, wantOK: true},
		{path: "user.name", wantRaw: "ann", wantKind: domain.KindString, wantOK: true},
		{path: "user.tags", wantRaw: `["a"]`, wantKind: domain.KindArray, wantOK: true},
		{path: "k.with.dots", wantRaw: "v", wantKind: domain.KindString, wantOK: true},
		{path: "user.missing", wantOK: false},
		{path: "nope", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v, ok := Lookup(&rec, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if ok && (string(v.Raw) != tt.wantRaw || v.Kind != tt.wantKind) {
				t.Errorf("Lookup(%q) = %s %q, want %s %q", tt.path, v.Kind, v.Raw, tt.wantKind, tt.wantRaw)
			}
		})
	}

	if got := Unquote(domain.Value{Kind: domain.KindString, Raw: []byte(`a\"b`)}); got != `a"b` {
		t.Errorf("Unquote() = %q", got)
	}
}
