// Package siser reads and writes streams of size-prefixed binary blocks.
//
// Each block is preceded by a header line:
//
//	--- <size> [<timestamp_unix_ms>] [<name>]\n
//
// followed by <size> bytes of data. If the data doesn't end with a
// newline, one is added for readability and skipped when reading.
// Headers written by older versions don't have the "--- " prefix and
// are accepted when reading.
package siser

import (
	"bytes"
	"strconv"
	"time"
)

var hdrPrefix = []byte("--- ")

// TimeToUnixMillisecond converts t into Unix epoch time in milliseconds.
func TimeToUnixMillisecond(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeFromUnixMillisecond returns time from Unix epoch time in milliseconds.
func TimeFromUnixMillisecond(unixMs int64) time.Time {
	return time.UnixMilli(unixMs).UTC()
}

// MarshalLine serializes a block with a header
// if t is time.Zero(), it's not marshalled
// wb is optional and re-used to avoid allocations
func MarshalLine(name string, t time.Time, d []byte, wb *bytes.Buffer) []byte {
	if wb == nil {
		wb = &bytes.Buffer{}
	} else {
		wb.Reset()
	}
	// it's ok to estimate more, estimating less will require an alloc
	wb.Grow(len(hdrPrefix) + len(name) + len(d) + 48)

	wb.Write(hdrPrefix)
	dataLen := len(d)
	wb.WriteString(strconv.Itoa(dataLen))
	if !t.IsZero() {
		wb.WriteByte(' ')
		wb.WriteString(strconv.FormatInt(TimeToUnixMillisecond(t), 10))
	}
	if name != "" {
		wb.WriteByte(' ')
		wb.WriteString(name)
	}
	wb.WriteByte('\n')
	if dataLen > 0 {
		wb.Write(d)
		if d[dataLen-1] != '\n' {
			wb.WriteByte('\n')
		}
	}
	return wb.Bytes()
}
