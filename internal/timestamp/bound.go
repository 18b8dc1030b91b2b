package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/logview/internal/domain"
)

// ParseBound parses a --since/--until value.
// Accepted forms are any instant the engine recognises, or a duration
// ("90s", "1h30m", "-2h", "3d") meaning that long before now.
func ParseBound(e *Engine, s string, now time.Time) (domain.Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Timestamp{}, nil
	}
	if ts, ok := e.ParseString(s); ok {
		return ts, nil
	}
	if d, ok := parseAgo(s); ok {
		return domain.NewTimestamp(now.Add(-d)), nil
	}
	return domain.Timestamp{}, &domain.ConfigurationError{
		Field: "time bound",
		Value: s,
		Err:   fmt.Errorf("cannot recognize time %q", s),
	}
}

// parseAgo accepts Go durations plus a whole-day "Nd" suffix; the sign is ignored
func parseAgo(s string) (time.Duration, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n < 0 {
			return 0, false
		}
		return time.Duration(n) * 24 * time.Hour, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
