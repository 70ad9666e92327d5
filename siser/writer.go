package siser

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Writer writes blocks to an io.Writer. It's safe for concurrent use.
type Writer struct {
	w io.Writer

	writeBuf bytes.Buffer
	mu       sync.Mutex
}

// NewWriter creates a writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
	}
}

// Write writes a block of data with optional timestamp and name.
// Returns number of bytes written, including the header.
func (w *Writer) Write(d []byte, t time.Time, name string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// most writes should be small. if buffer gets big, don't keep it
	// around (unbounded cache is a mem leak)
	if w.writeBuf.Cap() > 100*1024 && len(d) < 50*1024 {
		w.writeBuf = bytes.Buffer{}
	}
	d2 := MarshalLine(name, t, d, &w.writeBuf)
	return w.w.Write(d2)
}
