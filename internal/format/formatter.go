// Package format renders parsed records as styled text lines.
package format

import (
	"bytes"
	"strconv"
	"time"

	"github.com/buger/jsonparser"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/theme"
	"github.com/SteelMorgan/logview/internal/timestamp"
)

// Options configures a Formatter
type Options struct {
	Styles *theme.Styles
	Time   timestamp.Format
	// Location is the output zone. Nil keeps the zone each source line was written in.
	Location *time.Location
	Relative bool
	Now      func() time.Time
	Hide     []string // field keys left out of the output
}

// Formatter appends records as single lines:
//
//	2024-01-02 03:04:05.000 |INF| logger: message key=value key2="two words" @ caller
//
// A Formatter owns scratch space and must not be shared between goroutines.
type Formatter struct {
	styles   *theme.Styles
	time     timestamp.Format
	loc      *time.Location
	relative bool
	now      func() time.Time
	hide     map[string]struct{}

	scratch []byte
}

// New creates a formatter
func New(opts Options) *Formatter {
	f := &Formatter{
		styles:   opts.Styles,
		time:     opts.Time,
		loc:      opts.Location,
		relative: opts.Relative,
		now:      opts.Now,
	}
	if f.styles == nil {
		f.styles = theme.Plain()
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.time.String() == "" {
		f.time = timestamp.MustParseFormat(timestamp.DefaultFormat)
	}
	if len(opts.Hide) > 0 {
		f.hide = make(map[string]struct{}, len(opts.Hide))
		for _, k := range opts.Hide {
			f.hide[k] = struct{}{}
		}
	}
	return f
}

func (f *Formatter) hidden(key string) bool {
	_, ok := f.hide[key]
	return ok
}

// AppendRecord appends rec without a trailing newline
func (f *Formatter) AppendRecord(dst []byte, rec *domain.Record) []byte {
	s := f.styles
	start := len(dst)
	sep := func() {
		if len(dst) > start {
			dst = append(dst, ' ')
		}
	}

	if rec.Timestamp.Valid {
		dst = s.Begin(dst, theme.ElemTime)
		if f.relative {
			dst = timestamp.AppendRelative(dst, rec.Timestamp, f.now())
		} else {
			dst = f.time.Append(dst, rec.Timestamp, f.loc)
		}
		dst = s.End(dst, theme.ElemTime)
	}

	if rec.Level != domain.LevelNone {
		sep()
		dst = s.AppendString(dst, theme.ElemPunct, "|")
		dst = s.AppendString(dst, theme.LevelElement(rec.Level), rec.Level.Short())
		dst = s.AppendString(dst, theme.ElemPunct, "|")
	}

	if rec.Logger != nil && !f.hidden("logger") {
		sep()
		dst = f.appendText(dst, theme.ElemLogger, rec.Logger)
		dst = s.AppendString(dst, theme.ElemPunct, ":")
	}

	if rec.Message != nil {
		sep()
		dst = f.appendText(dst, theme.ElemMessage, rec.Message)
	}

	for i := range rec.Fields {
		fld := &rec.Fields[i]
		if f.hide != nil && f.hidden(string(fld.Key)) {
			continue
		}
		sep()
		dst = s.Append(dst, theme.ElemKey, fld.Key)
		dst = s.AppendString(dst, theme.ElemPunct, "=")
		dst = f.appendValue(dst, fld.Value)
	}

	if rec.Caller != nil && !f.hidden("caller") {
		sep()
		dst = s.AppendString(dst, theme.ElemPunct, "@")
		dst = append(dst, ' ')
		dst = f.appendText(dst, theme.ElemCaller, rec.Caller)
	}
	return dst
}

// appendText writes an escaped JSON string span as readable text
func (f *Formatter) appendText(dst []byte, e theme.Element, raw []byte) []byte {
	text := f.unescape(raw)
	if needsEscaping(text) {
		// keep control characters visible and on one line
		return f.styles.Append(dst, e, raw)
	}
	return f.styles.Append(dst, e, text)
}

func (f *Formatter) appendValue(dst []byte, v domain.Value) []byte {
	s := f.styles
	switch v.Kind {
	case domain.KindString:
		text := f.unescape(v.Raw)
		if needsQuoting(text) {
			dst = s.Begin(dst, theme.ElemString)
			dst = strconv.AppendQuote(dst, string(text))
			return s.End(dst, theme.ElemString)
		}
		return s.Append(dst, theme.ElemString, text)
	case domain.KindNumber:
		return s.Append(dst, theme.ElemNumber, v.Raw)
	case domain.KindBool, domain.KindNull:
		return s.Append(dst, theme.ElemLiteral, v.Raw)
	default:
		// nested objects and arrays are printed as compact JSON
		return s.Append(dst, theme.ElemString, v.Raw)
	}
}

// unescape decodes JSON escapes into the formatter's scratch buffer
func (f *Formatter) unescape(raw []byte) []byte {
	if bytes.IndexByte(raw, '\\') < 0 {
		return raw
	}
	if cap(f.scratch) < len(raw) {
		f.scratch = make([]byte, len(raw)*2)
	}
	out, err := jsonparser.Unescape(raw, f.scratch[:cap(f.scratch)])
	if err != nil {
		return raw
	}
	return out
}

func needsEscaping(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c == 0x7f {
			return true
		}
	}
	return false
}

func needsQuoting(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	for _, c := range b {
		if c <= ' ' || c == '=' || c == '"' || c == 0x7f {
			return true
		}
	}
	return false
}
