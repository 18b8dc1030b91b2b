package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/parser"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

func parse(t *testing.T, line string) *domain.Record {
	t.Helper()
	var rec domain.Record
	if err := parser.New(timestamp.NewEngine()).Parse([]byte(line), 0, &rec); err != nil {
		t.Fatalf("Parse(%q) error = %v", line, err)
	}
	return &rec
}

func TestParseExpr(t *testing.T) {
	rec := `{"level":"info","msg":"GET done","status":404,"path":"/api/v1/users","user":{"name":"ann \"a\""},"dur":"1.5"}`

	tests := []struct {
		expr string
		want bool
	}{
		{expr: "status=404", want: true},
		{expr: "status=200", want: false},
		{expr: "status!=200", want: true},
		{expr: "missing!=x", want: true},
		{expr: "missing=x", want: false},
		{expr: "msg=GET done", want: true},
		{expr: "user.name=ann \"a\"", want: true},
		{expr: "path~=^/api/v[0-9]+/", want: true},
		{expr: "path~=^/web", want: false},
		{expr: "path*=/api/*", want: true},
		{expr: "path*=/api/?1/users", want: true},
		{expr: "path*=*/admin", want: false},
		{expr: "status>=400", want: true},
		{expr: "status>404", want: false},
		{expr: "status<500", want: true},
		{expr: "status<=403", want: false},
		{expr: "dur>1", want: true},
		{expr: "path>1", want: false},
	}

	r := parse(t, rec)
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := ParseExpr(tt.expr)
			if err != nil {
				t.Fatalf("ParseExpr() error = %v", err)
			}
			if got := p.Match(r); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseExprErrors(t *testing.T) {
	for _, expr := range []string{"nooperator", "=value", "path~=[", "status>=abc"} {
		_, err := ParseExpr(expr)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("ParseExpr(%q) error = %v, want ConfigurationError", expr, err)
		}
	}
}

func TestNew(t *testing.T) {
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	lines := map[string]string{
		"debug":   `{"ts":"2024-01-02T09:00:00Z","level":"debug","msg":"a","svc":"api"}`,
		"error":   `{"ts":"2024-01-02T10:30:00Z","level":"error","msg":"b","svc":"db"}`,
		"nolevel": `{"ts":"2024-01-02T10:30:00Z","msg":"c","svc":"api"}`,
		"notime":  `{"level":"error","msg":"d","svc":"api"}`,
	}

	tests := []struct {
		name string
		opts Options
		want map[string]bool
	}{
		{
			name: "no options matches everything",
			opts: Options{},
			want: map[string]bool{"debug": true, "error": true, "nolevel": true, "notime": true},
		},
		{
			name: "level keeps more severe and unlevelled",
			opts: Options{Level: domain.LevelWarning},
			want: map[string]bool{"debug": false, "error": true, "nolevel": true, "notime": true},
		},
		{
			name: "since drops older and untimed",
			opts: Options{Since: domain.NewTimestamp(base)},
			want: map[string]bool{"debug": false, "error": true, "nolevel": true, "notime": false},
		},
		{
			name: "until",
			opts: Options{Until: domain.NewTimestamp(base)},
			want: map[string]bool{"debug": true, "error": false, "nolevel": false, "notime": false},
		},
		{
			name: "fields and",
			opts: Options{Exprs: []string{"svc=api", "msg=a"}},
			want: map[string]bool{"debug": true, "error": false, "nolevel": false, "notime": false},
		},
		{
			name: "fields any",
			opts: Options{Exprs: []string{"svc=db", "msg=c"}, Any: true},
			want: map[string]bool{"debug": false, "error": true, "nolevel": true, "notime": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			for name, line := range lines {
				if got := p.Match(parse(t, line)); got != tt.want[name] {
					t.Errorf("%s: Match() = %v, want %v", name, got, tt.want[name])
				}
			}
		})
	}
}
