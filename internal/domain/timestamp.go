package domain

import "time"

// Timestamp is the canonical instant produced by the timestamp engine.
// Offset is the UTC offset (seconds) the source wrote the instant in, which
// lets a formatter reproduce the original zone.
type Timestamp struct {
	Sec    int64
	Nsec   int32
	Offset int32
	Valid  bool
}

// NewTimestamp builds a valid timestamp from a time.Time
func NewTimestamp(t time.Time) Timestamp {
	_, off := t.Zone()
	return Timestamp{
		Sec:    t.Unix(),
		Nsec:   int32(t.Nanosecond()),
		Offset: int32(off),
		Valid:  true,
	}
}

// Time converts the timestamp back into a time.Time in its source zone
func (t Timestamp) Time() time.Time {
	if !t.Valid {
		return time.Time{}
	}
	if t.Offset == 0 {
		return time.Unix(t.Sec, int64(t.Nsec)).UTC()
	}
	return time.Unix(t.Sec, int64(t.Nsec)).In(time.FixedZone("", int(t.Offset)))
}

// Compare orders two timestamps by instant, ignoring the source offset
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Sec < o.Sec:
		return -1
	case t.Sec > o.Sec:
		return 1
	case t.Nsec < o.Nsec:
		return -1
	case t.Nsec > o.Nsec:
		return 1
	}
	return 0
}

// Before reports whether t is strictly earlier than o
func (t Timestamp) Before(o Timestamp) bool {
	return t.Compare(o) < 0
}

// UnixNano returns the instant as nanoseconds since the epoch
func (t Timestamp) UnixNano() int64 {
	return t.Sec*int64(time.Second) + int64(t.Nsec)
}
