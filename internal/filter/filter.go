// Package filter evaluates record predicates on the worker hot path.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/parser"
)

// Predicate decides whether a record is emitted
type Predicate interface {
	Match(rec *domain.Record) bool
}

// PredicateFunc adapts a function to Predicate
type PredicateFunc func(rec *domain.Record) bool

func (f PredicateFunc) Match(rec *domain.Record) bool { return f(rec) }

// All matches every record
var All Predicate = PredicateFunc(func(*domain.Record) bool { return true })

type and []Predicate

func (a and) Match(rec *domain.Record) bool {
	for _, p := range a {
		if !p.Match(rec) {
			return false
		}
	}
	return true
}

type or []Predicate

func (o or) Match(rec *domain.Record) bool {
	for _, p := range o {
		if p.Match(rec) {
			return true
		}
	}
	return false
}

// And matches when every predicate matches, stopping at the first mismatch
func And(ps ...Predicate) Predicate {
	switch len(ps) {
	case 0:
		return All
	case 1:
		return ps[0]
	}
	return and(ps)
}

// Or matches when any predicate matches, stopping at the first match
func Or(ps ...Predicate) Predicate {
	switch len(ps) {
	case 0:
		return All
	case 1:
		return ps[0]
	}
	return or(ps)
}

// Not inverts p
func Not(p Predicate) Predicate {
	return PredicateFunc(func(rec *domain.Record) bool { return !p.Match(rec) })
}

// Matcher tests a single field value
type Matcher interface {
	MatchValue(v domain.Value) bool
}

// Field applies m to the value at path. Records without the field do not match.
func Field(path string, m Matcher) Predicate {
	return PredicateFunc(func(rec *domain.Record) bool {
		v, ok := parser.Lookup(rec, path)
		return ok && m.MatchValue(v)
	})
}

type exact struct {
	want []byte
}

// Exact matches values whose text equals s
func Exact(s string) Matcher {
	return exact{want: []byte(s)}
}

func (e exact) MatchValue(v domain.Value) bool {
	if v.Kind == domain.KindString && bytes.IndexByte(v.Raw, '\\') >= 0 {
		return parser.Unquote(v) == string(e.want)
	}
	return bytes.Equal(v.Raw, e.want)
}

type regex struct {
	re *regexp.Regexp
}

// Regex matches values whose text contains a match of re
func Regex(re *regexp.Regexp) Matcher {
	return regex{re: re}
}

func (r regex) MatchValue(v domain.Value) bool {
	if v.Kind == domain.KindString && bytes.IndexByte(v.Raw, '\\') >= 0 {
		return r.re.MatchString(parser.Unquote(v))
	}
	return r.re.Match(v.Raw)
}

// Glob matches values against a shell-style wildcard: * any run, ? one character.
// Unlike path globs, * also matches '/'.
func Glob(pattern string) Matcher {
	var b strings.Builder
	b.WriteString(`^(?s:`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`)$`)
	return regex{re: regexp.MustCompile(b.String())}
}

// NumRange matches numeric values (or strings holding numbers) within bounds
type NumRange struct {
	Min, Max         float64
	HasMin, HasMax   bool
	MinExcl, MaxExcl bool
}

func (n NumRange) MatchValue(v domain.Value) bool {
	if v.Kind != domain.KindNumber && v.Kind != domain.KindString {
		return false
	}
	f, err := strconv.ParseFloat(string(v.Raw), 64)
	if err != nil {
		return false
	}
	if n.HasMin && (f < n.Min || (n.MinExcl && f == n.Min)) {
		return false
	}
	if n.HasMax && (f > n.Max || (n.MaxExcl && f == n.Max)) {
		return false
	}
	return true
}

// TimeRange keeps records whose timestamp lies in [since, until].
// A zero bound is open. Records without a timestamp never match.
func TimeRange(since, until domain.Timestamp) Predicate {
	return PredicateFunc(func(rec *domain.Record) bool {
		ts := rec.Timestamp
		if !ts.Valid {
			return false
		}
		if since.Valid && ts.Before(since) {
			return false
		}
		if until.Valid && until.Before(ts) {
			return false
		}
		return true
	})
}

// LevelAtLeast keeps records at least as severe as level. Records without a level pass.
func LevelAtLeast(level domain.Level) Predicate {
	return PredicateFunc(func(rec *domain.Record) bool {
		return rec.Level == domain.LevelNone || rec.Level >= level
	})
}

// operators recognised in field expressions
var operators = []string{"!=", "~=", "*=", ">=", "<=", "=", ">", "<"}

// ParseExpr parses one field expression:
//
//	key=value  key!=value  key~=regex  key*=glob  key>=n  key<=n  key>n  key<n
func ParseExpr(expr string) (Predicate, error) {
	key, op, value, ok := splitExpr(expr)
	if !ok {
		return nil, &domain.ConfigurationError{
			Field: "field filter",
			Value: expr,
			Err:   fmt.Errorf("wrong field filter format, expected key=value, key~=regex, key*=glob or key>=number"),
		}
	}

	switch op {
	case "=":
		return Field(key, Exact(value)), nil
	case "!=":
		return Not(Field(key, Exact(value))), nil
	case "~=":
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, &domain.ConfigurationError{
				Field: "field filter",
				Value: expr,
				Err:   fmt.Errorf("wrong regular expression: %w", err),
			}
		}
		return Field(key, Regex(re)), nil
	case "*=":
		return Field(key, Glob(value)), nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, &domain.ConfigurationError{
			Field: "field filter",
			Value: expr,
			Err:   fmt.Errorf("wrong number %q: %w", value, err),
		}
	}
	var r NumRange
	switch op {
	case ">=":
		r = NumRange{Min: f, HasMin: true}
	case ">":
		r = NumRange{Min: f, HasMin: true, MinExcl: true}
	case "<=":
		r = NumRange{Max: f, HasMax: true}
	case "<":
		r = NumRange{Max: f, HasMax: true, MaxExcl: true}
	}
	return Field(key, r), nil
}

func splitExpr(expr string) (key, op, value string, ok bool) {
	best := -1
	for _, candidate := range operators {
		i := strings.Index(expr, candidate)
		if i <= 0 {
			continue
		}
		// the leftmost operator wins; at equal positions the longer one
		if best < 0 || i < best || (i == best && len(candidate) > len(op)) {
			best, op = i, candidate
		}
	}
	if best <= 0 {
		return "", "", "", false
	}
	key = strings.TrimSpace(expr[:best])
	if key == "" {
		return "", "", "", false
	}
	return key, op, expr[best+len(op):], true
}

// Options describes the filter a run applies
type Options struct {
	Exprs []string // field expressions
	Any   bool     // combine field expressions with OR instead of AND
	Level domain.Level
	Since domain.Timestamp
	Until domain.Timestamp
}

// New builds the predicate for opts
func New(opts Options) (Predicate, error) {
	var fields []Predicate
	for _, expr := range opts.Exprs {
		p, err := ParseExpr(expr)
		if err != nil {
			return nil, err
		}
		fields = append(fields, p)
	}

	var ps []Predicate
	if opts.Level != domain.LevelNone {
		ps = append(ps, LevelAtLeast(opts.Level))
	}
	if opts.Since.Valid || opts.Until.Valid {
		ps = append(ps, TimeRange(opts.Since, opts.Until))
	}
	if len(fields) > 0 {
		if opts.Any {
			ps = append(ps, Or(fields...))
		} else {
			ps = append(ps, And(fields...))
		}
	}
	return And(ps...), nil
}
