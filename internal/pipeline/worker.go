package pipeline

import (
	"bytes"
	"io"

	"github.com/SteelMorgan/logview/internal/domain"
	"github.com/SteelMorgan/logview/internal/filter"
	"github.com/SteelMorgan/logview/internal/format"
	"github.com/SteelMorgan/logview/internal/parser"
)

// Worker turns chunks into formatted output. Each worker owns its scratch
// buffers and record, so workers share nothing but the queues.
type Worker struct {
	parser    *parser.Parser
	predicate filter.Predicate
	formatter *format.Formatter

	buf []byte // read scratch for chunks without inline data
	rec domain.Record
}

// NewWorker creates a worker. A nil predicate keeps every record.
func NewWorker(p *parser.Parser, predicate filter.Predicate, f *format.Formatter) *Worker {
	if predicate == nil {
		predicate = filter.All
	}
	return &Worker{parser: p, predicate: predicate, formatter: f}
}

// Process parses, filters and formats every line of c. src is used when the
// chunk carries no inline data. Malformed lines are copied through unchanged
// and counted. out is reused as the output buffer when it has capacity.
func (w *Worker) Process(c domain.Chunk, src io.ReaderAt, out []byte) domain.FormattedChunk {
	fc := domain.FormattedChunk{File: c.File, Seq: c.Seq, FirstLine: c.FirstLine}

	data := c.Data
	if data == nil && c.Len() > 0 {
		if src == nil {
			fc.Err = &domain.IOError{Path: c.Path, Op: "read", Err: io.ErrClosedPipe}
			return fc
		}
		if int64(cap(w.buf)) < c.Len() {
			w.buf = make([]byte, c.Len())
		}
		data = w.buf[:c.Len()]
		n, err := src.ReadAt(data, c.Start)
		if err != nil && !(err == io.EOF && n == len(data)) {
			fc.Err = &domain.IOError{Path: c.Path, Op: "read", Err: err}
			return fc
		}
	}

	fc.Data = out[:0]
	if cap(fc.Data) == 0 {
		fc.Data = make([]byte, 0, len(data)+len(data)/2)
	}
	fc.Diagnostics.Bytes = int64(len(data))

	for pos := 0; pos < len(data); {
		end := bytes.IndexByte(data[pos:], '\n')
		next := len(data)
		if end >= 0 {
			end += pos
			next = end + 1
		} else {
			end = len(data)
		}
		line := data[pos:end]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		offset := c.Start + int64(pos)
		pos = next

		fc.Diagnostics.Lines++
		blank := len(bytes.TrimSpace(line)) == 0
		malformed := !blank && w.parser.Parse(line, offset, &w.rec) != nil
		if blank || malformed {
			// blank lines keep their place but are not counted as malformed
			if malformed {
				fc.Diagnostics.Malformed++
			}
			if c.Indexing {
				fc.Timestamps = append(fc.Timestamps, domain.Timestamp{})
			}
			fc.Data = append(fc.Data, line...)
			fc.Data = append(fc.Data, '\n')
			fc.Lines = append(fc.Lines, domain.FormattedLine{Offset: offset, End: len(fc.Data)})
			continue
		}
		if c.Indexing {
			fc.Timestamps = append(fc.Timestamps, w.rec.Timestamp)
		}

		if !w.predicate.Match(&w.rec) {
			fc.Diagnostics.Filtered++
			continue
		}
		fc.Data = w.formatter.AppendRecord(fc.Data, &w.rec)
		fc.Data = append(fc.Data, '\n')
		fc.Lines = append(fc.Lines, domain.FormattedLine{
			Offset:    offset,
			Timestamp: w.rec.Timestamp,
			End:       len(fc.Data),
		})
	}
	return fc
}
