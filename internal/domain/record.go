package domain

// ValueKind is the JSON type of a field value
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
	KindNull
	KindObject
	KindArray
)

// String returns the kind name used in diagnostics
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a typed span over the original line bytes.
// For strings Raw holds the escaped content between the quotes.
type Value struct {
	Kind ValueKind
	Raw  []byte
}

// Field is a single key/value pair of a record in source order
type Field struct {
	Key   []byte
	Value Value
}

// Record is the parsed view of one log line.
// All byte slices reference the line buffer owned by the worker, so a Record
// must not outlive the chunk it was parsed from.
type Record struct {
	Offset int64 // byte offset of the line in the source
	Length int   // line length without the terminator

	Timestamp Timestamp
	Level     Level

	Message []byte // escaped message span, nil if absent
	Logger  []byte
	Caller  []byte

	// Fields holds every pair that is not one of the predefined roles above
	Fields []Field
}

// Reset clears the record so it can be reused for the next line
func (r *Record) Reset() {
	r.Offset = 0
	r.Length = 0
	r.Timestamp = Timestamp{}
	r.Level = LevelNone
	r.Message = nil
	r.Logger = nil
	r.Caller = nil
	r.Fields = r.Fields[:0]
}

// Field returns the first field with the given key
func (r *Record) Field(key string) (Value, bool) {
	for i := range r.Fields {
		if string(r.Fields[i].Key) == key {
			return r.Fields[i].Value, true
		}
	}
	return Value{}, false
}
