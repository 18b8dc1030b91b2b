// Package timestamp parses and formats instants on the per-line hot path.
//
// Parsing runs a fixed-priority list of compiled matchers (ISO 8601 / RFC 3339
// variants, epoch numbers, Common Log Format) and only then, if enabled, a
// slow generic fallback built on time.Parse. Formatting writes digits straight
// into a caller buffer from a precompiled strftime-like spec.
package timestamp

import (
	"bytes"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
)

// maxInputLen bounds the inputs the matchers look at; longer values are never timestamps
const maxInputLen = 64

// matchFunc is one compiled matcher
type matchFunc func(e *Engine, b []byte) (domain.Timestamp, bool)

// matchers are tried in this order; the first success wins
var matchers = []matchFunc{
	matchISO,
	matchEpoch,
	matchCLF,
}

// fallbackLayouts are tried with time.ParseInLocation when no compiled matcher fits
var fallbackLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.RubyDate,
	time.UnixDate,
	time.ANSIC,
	time.StampNano,
	time.StampMicro,
	time.StampMilli,
	time.Stamp,
	"2006/01/02 15:04:05.999999999",
	"2006/01/02 15:04:05",
	"02 Jan 2006 15:04:05",
	"2006-01-02",
}

// Engine parses timestamps. It is immutable and safe for concurrent use.
type Engine struct {
	loc      *time.Location
	fallback bool
}

// Option configures an Engine
type Option func(*Engine)

// WithLocation sets the zone assumed for inputs that carry no offset
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithFallback enables or disables the generic slow-path parser
func WithFallback(enabled bool) Option {
	return func(e *Engine) { e.fallback = enabled }
}

// NewEngine creates an engine. Zone-less inputs default to UTC and the fallback is enabled.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{loc: time.UTC, fallback: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Parse recognises b as an instant. Absence of a timestamp is not an error.
func (e *Engine) Parse(b []byte) (domain.Timestamp, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || len(b) > maxInputLen {
		return domain.Timestamp{}, false
	}
	for _, m := range matchers {
		if ts, ok := m(e, b); ok {
			return ts, true
		}
	}
	if e.fallback {
		return e.parseFallback(b)
	}
	return domain.Timestamp{}, false
}

// ParseString is a convenience wrapper for non hot-path callers
func (e *Engine) ParseString(s string) (domain.Timestamp, bool) {
	return e.Parse([]byte(s))
}

func (e *Engine) parseFallback(b []byte) (domain.Timestamp, bool) {
	s := string(b)
	for _, layout := range fallbackLayouts {
		t, err := time.ParseInLocation(layout, s, e.loc)
		if err != nil {
			continue
		}
		// Stamp layouts carry no year
		if t.Year() == 0 {
			t = t.AddDate(time.Now().In(e.loc).Year(), 0, 0)
		}
		return domain.NewTimestamp(t), true
	}
	return domain.Timestamp{}, false
}

// matchISO handles YYYY-MM-DD[T ]HH:MM:SS[.frac][zone]
func matchISO(e *Engine, b []byte) (domain.Timestamp, bool) {
	if len(b) < 19 || b[4] != '-' || b[7] != '-' || b[13] != ':' || b[16] != ':' {
		return domain.Timestamp{}, false
	}
	switch b[10] {
	case 'T', 't', ' ':
	default:
		return domain.Timestamp{}, false
	}
	year, ok1 := digits(b[0:4])
	month, ok2 := digits(b[5:7])
	day, ok3 := digits(b[8:10])
	hour, ok4 := digits(b[11:13])
	minute, ok5 := digits(b[14:16])
	sec, ok6 := digits(b[17:19])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return domain.Timestamp{}, false
	}
	if month < 1 || month > 12 || day < 1 || day > daysIn(year, month) ||
		hour > 23 || minute > 59 || sec > 60 {
		return domain.Timestamp{}, false
	}

	i := 19
	var nsec int
	if i < len(b) && (b[i] == '.' || b[i] == ',') {
		i++
		start := i
		scale := 100000000
		for i < len(b) && isDigit(b[i]) {
			if scale > 0 {
				nsec += int(b[i]-'0') * scale
				scale /= 10
			}
			i++
		}
		if i == start {
			return domain.Timestamp{}, false
		}
	}

	offset, explicit, ok := parseZone(b[i:])
	if !ok {
		return domain.Timestamp{}, false
	}

	if !explicit && e.loc != time.UTC {
		t := time.Date(year, time.Month(month), day, hour, minute, sec, nsec, e.loc)
		return domain.NewTimestamp(t), true
	}
	days := daysFromCivil(int64(year), month, day)
	secs := days*86400 + int64(hour*3600+minute*60+sec) - int64(offset)
	return domain.Timestamp{Sec: secs, Nsec: int32(nsec), Offset: int32(offset), Valid: true}, true
}

// parseZone parses the trailing zone designator of an ISO timestamp.
// explicit is false when the input carries no zone at all.
func parseZone(b []byte) (offset int, explicit bool, ok bool) {
	if len(b) == 0 {
		return 0, false, true
	}
	if b[0] == ' ' {
		b = b[1:]
		if string(b) == "UTC" || string(b) == "GMT" {
			return 0, true, true
		}
	}
	if len(b) == 1 && (b[0] == 'Z' || b[0] == 'z') {
		return 0, true, true
	}
	if len(b) < 3 || (b[0] != '+' && b[0] != '-') {
		return 0, false, false
	}
	hh, okh := digits(b[1:3])
	if !okh || hh > 23 {
		return 0, false, false
	}
	rest := b[3:]
	mm := 0
	switch len(rest) {
	case 0:
	case 2:
		v, okm := digits(rest)
		if !okm {
			return 0, false, false
		}
		mm = v
	case 3:
		if rest[0] != ':' {
			return 0, false, false
		}
		v, okm := digits(rest[1:])
		if !okm {
			return 0, false, false
		}
		mm = v
	default:
		return 0, false, false
	}
	if mm > 59 {
		return 0, false, false
	}
	offset = hh*3600 + mm*60
	if b[0] == '-' {
		offset = -offset
	}
	return offset, true, true
}

// matchEpoch handles integer or decimal epoch values; the integer digit count selects the unit
func matchEpoch(_ *Engine, b []byte) (domain.Timestamp, bool) {
	intEnd := 0
	for intEnd < len(b) && isDigit(b[intEnd]) {
		intEnd++
	}
	if intEnd == 0 || intEnd > 19 {
		return domain.Timestamp{}, false
	}
	frac := b[intEnd:]
	if len(frac) > 0 {
		if frac[0] != '.' || len(frac) == 1 {
			return domain.Timestamp{}, false
		}
		frac = frac[1:]
		for _, c := range frac {
			if !isDigit(c) {
				return domain.Timestamp{}, false
			}
		}
	}

	var unit int64 // nanoseconds per unit
	switch n := intEnd; {
	case n <= 10:
		unit = 1e9
	case n <= 13:
		unit = 1e6
	case n <= 16:
		unit = 1e3
	default:
		unit = 1
	}

	var v int64
	for _, c := range b[:intEnd] {
		v = v*10 + int64(c-'0')
	}
	if v < 0 {
		return domain.Timestamp{}, false
	}
	perSec := int64(1e9) / unit
	sec := v / perSec
	nsec := (v % perSec) * unit

	if unit > 1 && len(frac) > 0 {
		// fraction of one unit, in units of 1e-9
		var f int64
		scale := int64(1e8)
		for _, c := range frac {
			if scale == 0 {
				break
			}
			f += int64(c-'0') * scale
			scale /= 10
		}
		nsec += f * unit / 1e9
	}
	return domain.Timestamp{Sec: sec, Nsec: int32(nsec), Valid: true}, true
}

// matchCLF handles 02/Jan/2006:15:04:05 -0700
func matchCLF(_ *Engine, b []byte) (domain.Timestamp, bool) {
	if len(b) != 26 || b[2] != '/' || b[6] != '/' || b[11] != ':' ||
		b[14] != ':' || b[17] != ':' || b[20] != ' ' {
		return domain.Timestamp{}, false
	}
	day, ok1 := digits(b[0:2])
	month := monthFromAbbr(b[3:6])
	year, ok2 := digits(b[7:11])
	hour, ok3 := digits(b[12:14])
	minute, ok4 := digits(b[15:17])
	sec, ok5 := digits(b[18:20])
	if !(ok1 && ok2 && ok3 && ok4 && ok5) || month == 0 {
		return domain.Timestamp{}, false
	}
	if day < 1 || day > daysIn(year, month) || hour > 23 || minute > 59 || sec > 60 {
		return domain.Timestamp{}, false
	}
	offset, explicit, ok := parseZone(b[21:])
	if !ok || !explicit {
		return domain.Timestamp{}, false
	}
	days := daysFromCivil(int64(year), month, day)
	secs := days*86400 + int64(hour*3600+minute*60+sec) - int64(offset)
	return domain.Timestamp{Sec: secs, Offset: int32(offset), Valid: true}, true
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

// digits parses a short all-digit slice
func digits(b []byte) (int, bool) {
	n := 0
	for _, c := range b {
		if !isDigit(c) {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

var monthAbbr = [12]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

func monthFromAbbr(b []byte) int {
	for i, m := range monthAbbr {
		if string(b) == m {
			return i + 1
		}
	}
	return 0
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

func daysIn(year, month int) int {
	switch month {
	case 2:
		if isLeap(year) {
			return 29
		}
		return 28
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}

// daysFromCivil returns the number of days since 1970-01-01 for a proleptic Gregorian date
func daysFromCivil(y int64, m, d int) int64 {
	if m <= 2 {
		y--
	}
	era := floorDiv(y, 400)
	yoe := y - era*400
	mp := int64((m + 9) % 12)
	doy := (153*mp+2)/5 + int64(d) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}

// civilFromDays is the inverse of daysFromCivil
func civilFromDays(z int64) (year int64, month, day int) {
	z += 719468
	era := floorDiv(z, 146097)
	doe := z - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	year = yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	day = int(doy - (153*mp+2)/5 + 1)
	if mp < 10 {
		month = int(mp + 3)
	} else {
		month = int(mp - 9)
	}
	if month <= 2 {
		year++
	}
	return year, month, day
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
