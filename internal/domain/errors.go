package domain

import (
	"errors"
	"fmt"
)

// ErrInconsistentIndex is returned when a decoded index violates its invariants
var ErrInconsistentIndex = errors.New("inconsistent index")

// IOError is a read or write failure scoped to one file
type IOError struct {
	Path string
	Op   string // "open", "read", "stat", "write"
	Err  error
}

func (e *IOError) Error() string {
	switch e.Op {
	case "open":
		return fmt.Sprintf("failed to open file '%s' for reading: %v", e.Path, e.Err)
	case "stat":
		return fmt.Sprintf("failed to get metadata of file '%s': %v", e.Path, e.Err)
	case "write":
		return fmt.Sprintf("failed to open file '%s' for writing: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("failed to %s '%s': %v", e.Op, e.Path, e.Err)
	}
}

func (e *IOError) Unwrap() error { return e.Err }

// ParseError describes a malformed line. It is counted, never fatal.
type ParseError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed line at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed line at offset %d: %s", e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CacheError is an index cache failure. Callers fall back to uncached operation.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("index cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("index cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ConfigurationError is a misuse detected before processing starts
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// WatchError reports an unavailable file notification backend
type WatchError struct {
	Backend string
	Err     error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *WatchError) Unwrap() error { return e.Err }
