package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/go-faster/city"
	"github.com/klauspost/compress/zstd"

	"github.com/SteelMorgan/logview/internal/domain"
)

// On-disk layout (little endian):
//
//	magic "LVIX" | u16 version | u16 flags | u32 payload length | u32 crc32(payload) | payload
//
// The payload holds the fingerprint, generation time and the entries as
// (uvarint offset delta, flags, [varint seconds delta, uvarint nanos, [varint zone offset]]).
const (
	headerSize = 16

	// CompressThreshold is the raw payload size above which payloads are zstd compressed
	CompressThreshold = 64 << 10

	flagZstd uint16 = 1 << 0

	entryHasTime byte = 1 << 0
	entryHasZone byte = 1 << 1

	maxDecodedSize = 1 << 30
)

var magic = [4]byte{'L', 'V', 'I', 'X'}

var (
	// ErrInvalidHeader is returned for data that is not an index file
	ErrInvalidHeader = errors.New("invalid index header")
	// ErrVersionMismatch is returned for index files written by another schema version
	ErrVersionMismatch = errors.New("index version mismatch")
	// ErrChecksum is returned when the payload checksum does not match
	ErrChecksum = errors.New("index checksum mismatch")
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// only fails on invalid options
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return decoder
}

// Encode serializes idx into the versioned binary schema
func Encode(idx *FileIndex) []byte {
	payload := encodePayload(idx)
	var flags uint16
	if len(payload) > CompressThreshold {
		payload = zstdEncoder().EncodeAll(payload, make([]byte, 0, len(payload)/4))
		flags |= flagZstd
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], Version)
	binary.LittleEndian.PutUint16(out[6:8], flags)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[12:16], crc32.ChecksumIEEE(payload))
	return append(out, payload...)
}

func encodePayload(idx *FileIndex) []byte {
	fp := idx.Fingerprint
	buf := make([]byte, 0, 64+len(fp.Path)+len(idx.Entries)*6)
	buf = binary.AppendUvarint(buf, uint64(len(fp.Path)))
	buf = append(buf, fp.Path...)
	buf = binary.AppendVarint(buf, fp.Size)
	buf = binary.AppendVarint(buf, fp.ModTime)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Head.Low)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Head.High)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Tail.Low)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Tail.High)
	buf = binary.AppendVarint(buf, idx.Generated.UnixNano())
	buf = binary.AppendUvarint(buf, uint64(len(idx.Entries)))

	var prevOff, prevSec int64
	for _, e := range idx.Entries {
		buf = binary.AppendUvarint(buf, uint64(e.Offset-prevOff))
		prevOff = e.Offset

		var flags byte
		if e.Timestamp.Valid {
			flags |= entryHasTime
			if e.Timestamp.Offset != 0 {
				flags |= entryHasZone
			}
		}
		buf = append(buf, flags)
		if flags&entryHasTime == 0 {
			continue
		}
		buf = binary.AppendVarint(buf, e.Timestamp.Sec-prevSec)
		prevSec = e.Timestamp.Sec
		buf = binary.AppendUvarint(buf, uint64(e.Timestamp.Nsec))
		if flags&entryHasZone != 0 {
			buf = binary.AppendVarint(buf, int64(e.Timestamp.Offset))
		}
	}
	return buf
}

// Decode parses data produced by Encode and validates the result
func Decode(data []byte) (*FileIndex, error) {
	if len(data) < headerSize || [4]byte(data[0:4]) != magic {
		return nil, ErrInvalidHeader
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, Version)
	}
	flags := binary.LittleEndian.Uint16(data[6:8])
	length := binary.LittleEndian.Uint32(data[8:12])
	sum := binary.LittleEndian.Uint32(data[12:16])

	payload := data[headerSize:]
	if uint64(len(payload)) != uint64(length) {
		return nil, fmt.Errorf("%w: payload length %d, header says %d", ErrInvalidHeader, len(payload), length)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, ErrChecksum
	}
	if flags&flagZstd != 0 {
		raw, err := zstdDecoder().DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress index payload: %w", err)
		}
		payload = raw
	}

	idx, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	idx.Version = version
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// payloadReader decodes varints and fixed-width fields, remembering the first error
type payloadReader struct {
	buf []byte
	err error
}

func (r *payloadReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("%w: truncated payload", domain.ErrInconsistentIndex)
	}
}

func (r *payloadReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *payloadReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *payloadReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *payloadReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.fail()
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *payloadReader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func decodePayload(payload []byte) (*FileIndex, error) {
	r := &payloadReader{buf: payload}
	idx := &FileIndex{}
	fp := &idx.Fingerprint

	fp.Path = string(r.bytes(r.uvarint()))
	fp.Size = r.varint()
	fp.ModTime = r.varint()
	fp.Head = city.U128{Low: r.u64(), High: r.u64()}
	fp.Tail = city.U128{Low: r.u64(), High: r.u64()}
	idx.Generated = time.Unix(0, r.varint())

	count := r.uvarint()
	if r.err != nil {
		return nil, r.err
	}
	// every entry takes at least two bytes
	if count > uint64(len(r.buf))/2 {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", domain.ErrInconsistentIndex, count)
	}

	idx.Entries = make([]domain.IndexEntry, count)
	var off, sec int64
	for i := range idx.Entries {
		off += int64(r.uvarint())
		e := &idx.Entries[i]
		e.Offset = off

		flags := r.u8()
		if flags&entryHasTime == 0 {
			continue
		}
		sec += r.varint()
		nsec := r.uvarint()
		if nsec >= 1e9 {
			return nil, fmt.Errorf("%w: entry %d nanoseconds out of range", domain.ErrInconsistentIndex, i)
		}
		e.Timestamp = domain.Timestamp{Sec: sec, Nsec: int32(nsec), Valid: true}
		if flags&entryHasZone != 0 {
			e.Timestamp.Offset = int32(r.varint())
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", domain.ErrInconsistentIndex, len(r.buf))
	}
	return idx, nil
}
