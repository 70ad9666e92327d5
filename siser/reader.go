package siser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Reader reads blocks written by Writer
//
//	r := siser.NewReader(bufio.NewReader(f))
//	for r.ReadNext() {
//	    use(r.Name, r.Timestamp, r.Data)
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	r *bufio.Reader

	// valid after ReadNext(), over-written by the next ReadNext()
	Data      []byte
	Name      string
	Timestamp time.Time

	// position of the current block within the reader
	CurrRecordPos int64
	// position of the next block within the reader
	NextRecordPos int64

	err  error
	done bool
}

// NewReader creates a new reader
func NewReader(r *bufio.Reader) *Reader {
	return &Reader{
		r: r,
	}
}

// Done returns true if we're finished reading
func (r *Reader) Done() bool {
	return r.err != nil || r.done
}

// Err returns the error that stopped reading. io.EOF is not an error.
func (r *Reader) Err() error {
	return r.err
}

// parseHeader parses "<size> [<timestamp>] [<name>]"
func parseHeader(hdr []byte) (size int64, ts time.Time, name string, err error) {
	rest := hdr
	sizeStr := rest
	if idx := bytes.IndexByte(rest, ' '); idx >= 0 {
		sizeStr = rest[:idx]
		rest = rest[idx+1:]
	} else {
		rest = nil
	}
	size, err = strconv.ParseInt(string(sizeStr), 10, 64)
	if err != nil || size < 0 {
		return 0, ts, "", fmt.Errorf("unexpected header '%s'", string(hdr))
	}
	if len(rest) == 0 {
		return size, ts, "", nil
	}
	tsStr := rest
	var nameBytes []byte
	if idx := bytes.IndexByte(rest, ' '); idx >= 0 {
		tsStr = rest[:idx]
		nameBytes = rest[idx+1:]
	}
	if ms, err2 := strconv.ParseInt(string(tsStr), 10, 64); err2 == nil {
		return size, TimeFromUnixMillisecond(ms), string(nameBytes), nil
	}
	// no timestamp, everything after size is a name
	return size, ts, string(rest), nil
}

// ReadNext reads the next block. Returns false when there are no more
// blocks or on error. Check Err() to distinguish the two.
func (r *Reader) ReadNext() bool {
	if r.Done() {
		return false
	}
	r.CurrRecordPos = r.NextRecordPos

	hdr, err := r.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			r.done = true
		} else if err == io.EOF {
			r.err = fmt.Errorf("truncated header '%s'", string(hdr))
		} else {
			r.err = err
		}
		return false
	}
	recSize := int64(len(hdr))
	hdr = bytes.TrimPrefix(hdr, hdrPrefix)
	hdr = hdr[:len(hdr)-1]

	size, ts, name, err := parseHeader(hdr)
	if err != nil {
		r.err = err
		return false
	}
	r.Timestamp = ts
	r.Name = name

	// re-use r.Data as long as it doesn't grow too much
	if cap(r.Data) > 1024*1024 || size > int64(cap(r.Data)) {
		r.Data = make([]byte, size)
	} else {
		r.Data = r.Data[:size]
	}
	if _, err = io.ReadFull(r.r, r.Data); err != nil {
		r.err = fmt.Errorf("reading %d bytes of block '%s': %w", size, name, err)
		return false
	}
	recSize += size

	// skip newline added for readability
	if size > 0 && r.Data[size-1] != '\n' {
		b, err := r.r.ReadByte()
		if err == nil && b != '\n' {
			err = fmt.Errorf("expected newline after block '%s', got 0x%x", name, b)
		}
		if err != nil {
			r.err = err
			return false
		}
		recSize++
	}
	r.NextRecordPos += recSize
	return true
}
