// Package rawlog records opaque payloads to a file with a capture
// timestamp and reads them back in order. The relay uses it to record
// CBOR-encoded body frames for later replay.
//
// File layout: an 8-byte magic, then records of
// [int64 unix nanos LE][uint32 length LE][payload].
package rawlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Magic identifies a body frame recording.
const Magic = "KINRAW01"

// ErrBadMagic is returned when a file is not a rawlog recording.
var ErrBadMagic = errors.New("not a rawlog file")

// Record is one captured payload.
type Record struct {
	Time    time.Time
	Payload []byte
}

// Writer appends records to a recording. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	now func() time.Time
}

// Create truncates or creates the recording at path and writes the
// header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create rawlog %s: %w", path, err)
	}
	w := bufio.NewWriterSize(f, 256*1024)
	if _, err := w.WriteString(Magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w, now: time.Now}, nil
}

// Record appends payload stamped with the current time and flushes it
// so a crash loses at most the record being written.
func (r *Writer) Record(payload []byte) error {
	return r.RecordAt(r.now(), payload)
}

// RecordAt appends payload with an explicit capture time.
func (r *Writer) RecordAt(ts time.Time, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("rawlog writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

// Close flushes and closes the file. Calling Close twice is a no-op.
func (r *Writer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Flush()
	r.w = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader iterates over the records of a recording.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

// Open opens a recording and verifies its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)
	header := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read rawlog header: %w", err)
	}
	if string(header) != Magic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, header)
	}
	return &Reader{f: f, r: r}, nil
}

// Next returns the next record, or io.EOF after the last complete one.
// A truncated trailing record is treated as the end of the recording.
func (r *Reader) Next() (Record, error) {
	var meta [12]byte
	if _, err := io.ReadFull(r.r, meta[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	return Record{Time: time.Unix(0, ts), Payload: payload}, nil
}

// Rewind seeks back to the first record.
func (r *Reader) Rewind() error {
	if _, err := r.f.Seek(int64(len(Magic)), io.SeekStart); err != nil {
		return err
	}
	r.r.Reset(r.f)
	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
