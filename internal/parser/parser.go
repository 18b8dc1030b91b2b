// Package parser turns one JSON line into a domain.Record of spans over the
// line bytes. It holds no state between lines, so it can start at any line.
package parser

import (
	"bytes"
	"errors"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

type role uint8

const (
	roleNone role = iota
	roleTime
	roleLevel
	roleMessage
	roleLogger
	roleCaller
)

// roleOf maps well-known keys to record roles
func roleOf(key []byte) role {
	switch string(key) {
	case "ts", "time", "timestamp", "@timestamp", "t":
		return roleTime
	case "level", "lvl", "severity", "loglevel", "@level":
		return roleLevel
	case "msg", "message", "@message":
		return roleMessage
	case "logger", "logger_name":
		return roleLogger
	case "caller":
		return roleCaller
	}
	return roleNone
}

var errNotObject = errors.New("not a JSON object")

// Parser parses lines using a shared timestamp engine.
// It is safe for concurrent use; all per-line state lives in the Record.
type Parser struct {
	engine *timestamp.Engine
}

// New creates a parser
func New(engine *timestamp.Engine) *Parser {
	return &Parser{engine: engine}
}

// Parse fills rec from line. rec is reset first and references line afterwards.
// A line that is not a single JSON object yields a *domain.ParseError.
func (p *Parser) Parse(line []byte, offset int64, rec *domain.Record) error {
	rec.Reset()
	rec.Offset = offset
	rec.Length = len(line)

	body := bytes.TrimSpace(line)
	if len(body) == 0 || body[0] != '{' {
		return &domain.ParseError{Offset: offset, Reason: "not a JSON object", Err: errNotObject}
	}
	_, typ, end, err := jsonparser.Get(body)
	if err != nil {
		return &domain.ParseError{Offset: offset, Reason: "invalid JSON", Err: err}
	}
	if typ != jsonparser.Object {
		return &domain.ParseError{Offset: offset, Reason: "not a JSON object", Err: errNotObject}
	}
	if len(bytes.TrimSpace(body[end:])) != 0 {
		return &domain.ParseError{Offset: offset, Reason: "trailing data after object"}
	}

	var seen [roleCaller + 1]bool
	err = jsonparser.ObjectEach(body, func(key, value []byte, dt jsonparser.ValueType, _ int) error {
		kind := kindOf(dt)
		if r := roleOf(key); r != roleNone && !seen[r] && p.assign(rec, r, value, kind) {
			seen[r] = true
			return nil
		}
		rec.Fields = append(rec.Fields, domain.Field{Key: key, Value: domain.Value{Kind: kind, Raw: value}})
		return nil
	})
	if err != nil {
		return &domain.ParseError{Offset: offset, Reason: "invalid JSON", Err: err}
	}
	return nil
}

// assign stores value under role r; false leaves the pair as a regular field
func (p *Parser) assign(rec *domain.Record, r role, value []byte, kind domain.ValueKind) bool {
	switch r {
	case roleTime:
		if kind != domain.KindString && kind != domain.KindNumber {
			return false
		}
		ts, ok := p.engine.Parse(value)
		if !ok {
			return false
		}
		rec.Timestamp = ts
	case roleLevel:
		var (
			l  domain.Level
			ok bool
		)
		switch kind {
		case domain.KindString:
			l, ok = domain.LevelFromBytes(value)
		case domain.KindNumber:
			if n, err := jsonparser.ParseInt(value); err == nil {
				l, ok = domain.LevelFromNumber(n)
			}
		}
		if !ok {
			return false
		}
		rec.Level = l
	case roleMessage:
		if kind != domain.KindString {
			return false
		}
		rec.Message = value
	case roleLogger:
		if kind != domain.KindString {
			return false
		}
		rec.Logger = value
	case roleCaller:
		if kind != domain.KindString {
			return false
		}
		rec.Caller = value
	default:
		return false
	}
	return true
}

func kindOf(dt jsonparser.ValueType) domain.ValueKind {
	switch dt {
	case jsonparser.String:
		return domain.KindString
	case jsonparser.Number:
		return domain.KindNumber
	case jsonparser.Boolean:
		return domain.KindBool
	case jsonparser.Null:
		return domain.KindNull
	case jsonparser.Object:
		return domain.KindObject
	case jsonparser.Array:
		return domain.KindArray
	}
	return domain.KindNull
}

// Lookup resolves a dotted path against the record. Role names resolve to the
// role values; other paths descend into nested objects.
func Lookup(rec *domain.Record, path string) (domain.Value, bool) {
	switch path {
	case "msg", "message":
		if rec.Message != nil {
			return domain.Value{Kind: domain.KindString, Raw: rec.Message}, true
		}
	case "logger":
		if rec.Logger != nil {
			return domain.Value{Kind: domain.KindString, Raw: rec.Logger}, true
		}
	case "caller":
		if rec.Caller != nil {
			return domain.Value{Kind: domain.KindString, Raw: rec.Caller}, true
		}
	}

	if v, ok := rec.Field(path); ok {
		return v, true
	}
	// try every split point so keys containing dots still match
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		v, ok := rec.Field(path[:i])
		if !ok || v.Kind != domain.KindObject {
			continue
		}
		raw, dt, _, err := jsonparser.Get(v.Raw, strings.Split(path[i+1:], ".")...)
		if err != nil {
			continue
		}
		return domain.Value{Kind: kindOf(dt), Raw: raw}, true
	}
	return domain.Value{}, false
}

// Unquote returns the unescaped text of a string value
func Unquote(v domain.Value) string {
	if v.Kind != domain.KindString {
		return string(v.Raw)
	}
	s, err := jsonparser.ParseString(v.Raw)
	if err != nil {
		return string(v.Raw)
	}
	return s
}
