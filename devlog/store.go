package devlog

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
)

// DataStore is an append-only file of records.
//
// Append writes at the current extent, syncs the file and only then
// advances the extent. Reads are limited to the extent so a record
// whose bytes didn't make it to disk is never visible.
// Reads can run concurrently with Append.
type DataStore struct {
	path string
	file atomic.Pointer[os.File]

	// serializes appends
	mu     sync.Mutex
	extent atomic.Uint64
}

// OpenDataStore opens or creates a data file. The extent is the current
// size of the file.
func OpenDataStore(path string) (*DataStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &DataStore{
		path: path,
	}
	s.file.Store(f)
	s.extent.Store(uint64(st.Size()))
	return s, nil
}

// Path returns path of the data file
func (s *DataStore) Path() string {
	return s.path
}

// Len returns the durable extent of the store
func (s *DataStore) Len() uint64 {
	return s.extent.Load()
}

// Append writes d at the end of the store and returns its offset and length.
// On error the extent is not advanced and the written bytes (if any)
// will be over-written by the next Append.
func (s *DataStore) Append(d []byte) (uint64, uint32, error) {
	if len(d) > math.MaxUint32 {
		return 0, 0, fmt.Errorf("record of %d bytes is too large", len(d))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file.Load()
	if f == nil {
		return 0, 0, ErrClosed
	}

	off := s.extent.Load()
	if _, err := f.WriteAt(d, int64(off)); err != nil {
		return 0, 0, fmt.Errorf("writing %d bytes at %d to %s: %w", len(d), off, s.path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, 0, fmt.Errorf("syncing %s: %w", s.path, err)
	}
	s.extent.Store(off + uint64(len(d)))
	return off, uint32(len(d)), nil
}

// Read returns length bytes at offset. Returns ErrOutOfRange if the range
// is not within the durable extent and ErrSizeMismatch if the file has
// fewer bytes than expected.
func (s *DataStore) Read(offset uint64, length uint32) ([]byte, error) {
	extent := s.extent.Load()
	end := offset + uint64(length)
	if end < offset || end > extent {
		return nil, fmt.Errorf("%w: reading %d bytes at %d, extent is %d", ErrOutOfRange, length, offset, extent)
	}
	f := s.file.Load()
	if f == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if n < int(length) {
		if err == nil || err == io.EOF {
			return nil, fmt.Errorf("%w: read %d bytes at %d, expected %d", ErrSizeMismatch, n, offset, length)
		}
		return nil, fmt.Errorf("reading %d bytes at %d from %s: %w", length, offset, s.path, err)
	}
	return buf, nil
}

// Close closes the data file. It's safe to call multiple times.
func (s *DataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file.Swap(nil)
	if f == nil {
		return nil
	}
	return f.Close()
}
