package index

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"

	"github.com/go-faster/city"
)

// SampleSize is the number of leading and trailing bytes hashed into a fingerprint
const SampleSize = 4096

// Fingerprint is a cheap signature of a file's state.
// Two fingerprints are equal only if path, size, modification time and both
// byte samples match, so any append, truncation or touch changes it.
type Fingerprint struct {
	Path    string // canonical path
	Size    int64
	ModTime int64 // unix nanoseconds
	Head    city.U128
	Tail    city.U128
}

// ComputeFingerprint reads the head and tail samples of r and combines them with info
func ComputeFingerprint(path string, r io.ReaderAt, info fs.FileInfo) (Fingerprint, error) {
	fp := Fingerprint{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}
	var err error
	if fp.Head, err = HeadSum(r, fp.Size); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to hash head of %s: %w", path, err)
	}
	if fp.Tail, err = TailSum(r, fp.Size); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to hash tail of %s: %w", path, err)
	}
	return fp, nil
}

// HeadSum hashes the first SampleSize bytes of r, or fewer if limit is smaller
func HeadSum(r io.ReaderAt, limit int64) (city.U128, error) {
	n := min(limit, SampleSize)
	return sampleSum(r, 0, n)
}

// TailSum hashes the SampleSize bytes that end at end
func TailSum(r io.ReaderAt, end int64) (city.U128, error) {
	start := max(end-SampleSize, 0)
	return sampleSum(r, start, end-start)
}

func sampleSum(r io.ReaderAt, off, n int64) (city.U128, error) {
	if n <= 0 {
		return city.CH128(nil), nil
	}
	var buf [SampleSize]byte
	read, err := r.ReadAt(buf[:n], off)
	if err != nil && err != io.EOF {
		return city.U128{}, err
	}
	if int64(read) < n {
		// shrank between stat and read
		return city.U128{}, io.ErrUnexpectedEOF
	}
	return city.CH128(buf[:n]), nil
}

// Sum combines every fingerprint field into one 128-bit hash
func (fp Fingerprint) Sum() city.U128 {
	buf := make([]byte, 0, len(fp.Path)+56)
	buf = append(buf, fp.Path...)
	buf = append(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(fp.Size))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(fp.ModTime))
	buf = binary.LittleEndian.AppendUint64(buf, fp.Head.Low)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Head.High)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Tail.Low)
	buf = binary.LittleEndian.AppendUint64(buf, fp.Tail.High)
	return city.CH128(buf)
}

// Key returns the 32-character hex name the cache stores the index under
func (fp Fingerprint) Key() string {
	sum := fp.Sum()
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], sum.High)
	binary.BigEndian.PutUint64(b[8:], sum.Low)
	return hex.EncodeToString(b[:])
}

// Equal reports whether two fingerprints describe the same file state
func (fp Fingerprint) Equal(o Fingerprint) bool {
	return fp == o
}
