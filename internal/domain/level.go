package domain

import (
	"fmt"
	"strings"
)

// Level is a record severity. Higher values are more severe.
type Level uint8

const (
	LevelNone Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

// Levels lists every concrete level from least to most severe
var Levels = []Level{LevelDebug, LevelInfo, LevelWarning, LevelError}

// String returns the canonical level name
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "none"
	}
}

// Short returns the three-letter tag used in formatted output
func (l Level) Short() string {
	switch l {
	case LevelDebug:
		return "DBG"
	case LevelInfo:
		return "INF"
	case LevelWarning:
		return "WRN"
	case LevelError:
		return "ERR"
	default:
		return "???"
	}
}

// ParseLevel parses a level name or one of its aliases (case-insensitive)
func ParseLevel(s string) (Level, error) {
	if l, ok := LevelFromBytes([]byte(strings.TrimSpace(s))); ok {
		return l, nil
	}
	valid := make([]string, 0, len(Levels))
	for _, l := range Levels {
		valid = append(valid, l.String())
	}
	return LevelNone, fmt.Errorf("invalid level %q, use any of %v", s, valid)
}

// LevelFromBytes recognises level values found inside log records.
// It avoids allocation for the common spellings.
func LevelFromBytes(b []byte) (Level, bool) {
	if len(b) == 0 || len(b) > 11 {
		return LevelNone, false
	}
	var buf [11]byte
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf[i] = c
	}
	switch string(buf[:len(b)]) {
	case "error", "err", "e", "fatal", "critical", "crit", "panic", "alert", "emergency":
		return LevelError, true
	case "warning", "warn", "wrn", "w":
		return LevelWarning, true
	case "info", "inf", "i", "information", "notice":
		return LevelInfo, true
	case "debug", "dbg", "d", "trace", "trc":
		return LevelDebug, true
	}
	return LevelNone, false
}

// LevelFromNumber maps numeric severities (bunyan/pino style) to levels
func LevelFromNumber(n int64) (Level, bool) {
	switch {
	case n <= 0:
		return LevelNone, false
	case n < 30:
		return LevelDebug, true
	case n < 40:
		return LevelInfo, true
	case n < 50:
		return LevelWarning, true
	default:
		return LevelError, true
	}
}
