package timestamp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
)

// DefaultFormat is used when no time format is configured
const DefaultFormat = "%Y-%m-%d %H:%M:%S.%3N"

type itemKind uint8

const (
	itemLiteral itemKind = iota
	itemYear
	itemYear2
	itemMonth
	itemMonthAbbr
	itemDay
	itemDaySpace
	itemHour
	itemMinute
	itemSecond
	itemFrac
	itemZone
	itemZoneColon
	itemZoneName
	itemEpoch
)

type item struct {
	kind  itemKind
	lit   []byte
	width int
}

// Format is a compiled time format spec
type Format struct {
	spec  string
	items []item
}

// String returns the spec the format was compiled from
func (f Format) String() string { return f.spec }

// ParseFormat compiles a strftime-like spec.
//
// Supported: %Y %y %m %b %d %e %H %M %S %T %F %N %3N %6N %9N %z %:z %Z %s %%.
func ParseFormat(spec string) (Format, error) {
	f := Format{spec: spec}
	var lit []byte
	flush := func() {
		if len(lit) > 0 {
			f.items = append(f.items, item{kind: itemLiteral, lit: lit})
			lit = nil
		}
	}
	add := func(k itemKind, width int) {
		flush()
		f.items = append(f.items, item{kind: k, width: width})
	}

	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c != '%' {
			lit = append(lit, c)
			continue
		}
		i++
		if i >= len(spec) {
			return Format{}, configError(spec, fmt.Errorf("dangling %%"))
		}
		switch d := spec[i]; d {
		case 'Y':
			add(itemYear, 4)
		case 'y':
			add(itemYear2, 2)
		case 'm':
			add(itemMonth, 2)
		case 'b':
			add(itemMonthAbbr, 3)
		case 'd':
			add(itemDay, 2)
		case 'e':
			add(itemDaySpace, 2)
		case 'H':
			add(itemHour, 2)
		case 'M':
			add(itemMinute, 2)
		case 'S':
			add(itemSecond, 2)
		case 'T':
			add(itemHour, 2)
			lit = append(lit, ':')
			add(itemMinute, 2)
			lit = append(lit, ':')
			add(itemSecond, 2)
		case 'F':
			add(itemYear, 4)
			lit = append(lit, '-')
			add(itemMonth, 2)
			lit = append(lit, '-')
			add(itemDay, 2)
		case 'N':
			add(itemFrac, 9)
		case '3', '6', '9':
			if i+1 >= len(spec) || spec[i+1] != 'N' {
				return Format{}, configError(spec, fmt.Errorf("unknown directive %%%c", d))
			}
			i++
			add(itemFrac, int(d-'0'))
		case 'z':
			add(itemZone, 5)
		case ':':
			if i+1 >= len(spec) || spec[i+1] != 'z' {
				return Format{}, configError(spec, fmt.Errorf("unknown directive %%:"))
			}
			i++
			add(itemZoneColon, 6)
		case 'Z':
			add(itemZoneName, 0)
		case 's':
			add(itemEpoch, 0)
		case '%':
			lit = append(lit, '%')
		default:
			return Format{}, configError(spec, fmt.Errorf("unknown directive %%%c", d))
		}
	}
	flush()
	return f, nil
}

// MustParseFormat panics on an invalid spec
func MustParseFormat(spec string) Format {
	f, err := ParseFormat(spec)
	if err != nil {
		panic(err)
	}
	return f
}

func configError(spec string, err error) error {
	return &domain.ConfigurationError{Field: "time format", Value: spec, Err: err}
}

// Append writes ts formatted in loc to dst. A nil loc keeps the source offset.
func (f Format) Append(dst []byte, ts domain.Timestamp, loc *time.Location) []byte {
	offset, zoneName := zoneOf(ts, loc)
	local := ts.Sec + int64(offset)
	days := floorDiv(local, 86400)
	secOfDay := int(local - days*86400)
	year, month, day := civilFromDays(days)
	hour, minute, sec := secOfDay/3600, secOfDay/60%60, secOfDay%60

	for _, it := range f.items {
		switch it.kind {
		case itemLiteral:
			dst = append(dst, it.lit...)
		case itemYear:
			dst = appendInt(dst, int(year), 4, '0')
		case itemYear2:
			dst = appendInt(dst, int(year%100), 2, '0')
		case itemMonth:
			dst = appendInt(dst, month, 2, '0')
		case itemMonthAbbr:
			dst = append(dst, monthAbbr[month-1]...)
		case itemDay:
			dst = appendInt(dst, day, 2, '0')
		case itemDaySpace:
			dst = appendInt(dst, day, 2, ' ')
		case itemHour:
			dst = appendInt(dst, hour, 2, '0')
		case itemMinute:
			dst = appendInt(dst, minute, 2, '0')
		case itemSecond:
			dst = appendInt(dst, sec, 2, '0')
		case itemFrac:
			dst = appendFrac(dst, int(ts.Nsec), it.width)
		case itemZone, itemZoneColon:
			dst = appendOffset(dst, offset, it.kind == itemZoneColon)
		case itemZoneName:
			dst = append(dst, zoneName...)
		case itemEpoch:
			dst = strconv.AppendInt(dst, ts.Sec, 10)
		}
	}
	return dst
}

// zoneOf resolves the UTC offset and zone name used for formatting
func zoneOf(ts domain.Timestamp, loc *time.Location) (int, string) {
	switch {
	case loc == nil:
		if ts.Offset == 0 {
			return 0, "UTC"
		}
		return int(ts.Offset), string(appendOffset(nil, int(ts.Offset), false))
	case loc == time.UTC:
		return 0, "UTC"
	default:
		name, off := time.Unix(ts.Sec, 0).In(loc).Zone()
		return off, name
	}
}

// appendInt writes a non-negative integer padded to width
func appendInt(dst []byte, v, width int, pad byte) []byte {
	if v < 0 {
		dst = append(dst, '-')
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v >= 10 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	i--
	buf[i] = byte('0' + v)
	for n := len(buf) - i; n < width; n++ {
		dst = append(dst, pad)
	}
	return append(dst, buf[i:]...)
}

// appendFrac writes the leading width digits of a nanosecond value
func appendFrac(dst []byte, nsec, width int) []byte {
	var buf [9]byte
	for i := 8; i >= 0; i-- {
		buf[i] = byte('0' + nsec%10)
		nsec /= 10
	}
	return append(dst, buf[:width]...)
}

func appendOffset(dst []byte, offset int, colon bool) []byte {
	sign := byte('+')
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	dst = append(dst, sign)
	dst = appendInt(dst, offset/3600, 2, '0')
	if colon {
		dst = append(dst, ':')
	}
	return appendInt(dst, offset/60%60, 2, '0')
}

// AppendRelative writes a short "N units ago" form of ts relative to now
func AppendRelative(dst []byte, ts domain.Timestamp, now time.Time) []byte {
	diff := now.Unix() - ts.Sec
	if int32(now.Nanosecond()) < ts.Nsec {
		diff--
	}
	future := diff < 0
	if future {
		diff = -diff
	}
	if diff < 1 {
		return append(dst, "now"...)
	}

	var unit byte
	switch {
	case diff < 60:
		unit = 's'
	case diff < 3600:
		diff /= 60
		unit = 'm'
	case diff < 86400:
		diff /= 3600
		unit = 'h'
	default:
		diff /= 86400
		unit = 'd'
	}
	if future {
		dst = append(dst, "in "...)
	}
	dst = strconv.AppendInt(dst, diff, 10)
	dst = append(dst, unit)
	if !future {
		dst = append(dst, " ago"...)
	}
	return dst
}
