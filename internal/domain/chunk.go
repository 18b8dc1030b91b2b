package domain

// Chunk is a line-aligned byte range of one input handed to one worker
type Chunk struct {
	File  int    // position of the input in the command line
	Path  string // display name of the input
	Start int64  // offset of the first byte
	End   int64  // offset one past the last byte
	Seq   int    // dense per-file sequence index

	// FirstLine is the zero-based number of the chunk's first line in the file
	FirstLine int

	// Data holds the chunk bytes for stream inputs (stdin, gzip) that cannot be re-read
	Data []byte

	// Indexing asks the worker to report a timestamp for every line
	Indexing bool

	// EOF marks the end of a file's chunk stream. Seq then carries the chunk count.
	EOF bool
}

// Len returns the byte length of the chunk
func (c Chunk) Len() int64 {
	if c.Data != nil {
		return int64(len(c.Data))
	}
	return c.End - c.Start
}

// FormattedLine locates one emitted line inside FormattedChunk.Data
type FormattedLine struct {
	Offset    int64     // source offset of the line
	Timestamp Timestamp // ordering key for merge mode
	End       int       // end of the line's bytes in Data (start is the previous End)
}

// FormattedChunk is the worker's output for one chunk
type FormattedChunk struct {
	File int
	Seq  int
	Data []byte
	// Lines has one entry per emitted line in source order
	Lines []FormattedLine
	// Timestamps has one entry per source line when the chunk was indexing
	Timestamps []Timestamp
	FirstLine  int

	Diagnostics Diagnostics

	EOF bool
	Err error // IOError when the chunk bytes could not be read
}

// Diagnostics counts per-chunk conditions surfaced outside the styled output
type Diagnostics struct {
	Lines     int64
	Malformed int64
	Filtered  int64
	Bytes     int64
}

// Add accumulates another chunk's diagnostics
func (d *Diagnostics) Add(o Diagnostics) {
	d.Lines += o.Lines
	d.Malformed += o.Malformed
	d.Filtered += o.Filtered
	d.Bytes += o.Bytes
}

// IndexEntry records the start offset of a line and its timestamp if one was found
type IndexEntry struct {
	Offset    int64
	Timestamp Timestamp
}
