package devlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/oceanlog/telemlog/log"
)

// Entry locates one record in the data store
type Entry struct {
	// 1-based position in the log, in append order
	Ordinal uint64
	// packet time in milliseconds since epoch
	TimeKey    int64
	Offset     uint64
	Length     uint32
	SequenceNo int64
}

// index file layout (big endian):
//
//	header (64 bytes):
//	  0  magic "DLX1"
//	  4  version u32
//	  8  number of entries u64
//	  16 last accessed ordinal u64 (cursor for Log.NextPacket)
//	  24 min key i64
//	  32 max key i64
//	  40 last sequence number i64
//	  48 last metadata reference i64
//	  56 reserved
//	entries (32 bytes each):
//	  0  ordinal u32
//	  4  length u32
//	  8  offset u64
//	  16 key i64
//	  24 sequence number i64
const (
	indexHeaderSize = 64
	indexEntrySize  = 32
	indexVersion    = 1
)

var indexMagic = []byte("DLX1")

type journal struct {
	count           uint64
	lastAccessed    uint64
	minKey          int64
	maxKey          int64
	lastSeq         int64
	lastMetadataRef int64
}

func (j *journal) marshal(buf []byte) {
	copy(buf[0:4], indexMagic)
	binary.BigEndian.PutUint32(buf[4:], indexVersion)
	binary.BigEndian.PutUint64(buf[8:], j.count)
	binary.BigEndian.PutUint64(buf[16:], j.lastAccessed)
	binary.BigEndian.PutUint64(buf[24:], uint64(j.minKey))
	binary.BigEndian.PutUint64(buf[32:], uint64(j.maxKey))
	binary.BigEndian.PutUint64(buf[40:], uint64(j.lastSeq))
	binary.BigEndian.PutUint64(buf[48:], uint64(j.lastMetadataRef))
}

func (j *journal) unmarshal(buf []byte) error {
	if !bytes.Equal(buf[0:4], indexMagic) {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptIndex, buf[0:4])
	}
	if v := binary.BigEndian.Uint32(buf[4:]); v != indexVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, v)
	}
	j.count = binary.BigEndian.Uint64(buf[8:])
	j.lastAccessed = binary.BigEndian.Uint64(buf[16:])
	j.minKey = int64(binary.BigEndian.Uint64(buf[24:]))
	j.maxKey = int64(binary.BigEndian.Uint64(buf[32:]))
	j.lastSeq = int64(binary.BigEndian.Uint64(buf[40:]))
	j.lastMetadataRef = int64(binary.BigEndian.Uint64(buf[48:]))
	return nil
}

func marshalEntry(e *Entry, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:], uint32(e.Ordinal))
	binary.BigEndian.PutUint32(buf[4:], e.Length)
	binary.BigEndian.PutUint64(buf[8:], e.Offset)
	binary.BigEndian.PutUint64(buf[16:], uint64(e.TimeKey))
	binary.BigEndian.PutUint64(buf[24:], uint64(e.SequenceNo))
}

func unmarshalEntry(buf []byte) Entry {
	return Entry{
		Ordinal:    uint64(binary.BigEndian.Uint32(buf[0:])),
		Length:     binary.BigEndian.Uint32(buf[4:]),
		Offset:     binary.BigEndian.Uint64(buf[8:]),
		TimeKey:    int64(binary.BigEndian.Uint64(buf[16:])),
		SequenceNo: int64(binary.BigEndian.Uint64(buf[24:])),
	}
}

// Index is a time-ordered list of entries persisted in an index file.
// All entries are kept in memory for binary search.
type Index struct {
	path string
	file *os.File

	mu      sync.RWMutex
	entries []Entry
	hdr     journal
	// scratch buffer for writes, protected by mu
	buf [indexHeaderSize]byte
}

// OpenIndex opens or creates an index file.
// A partially written trailing entry is discarded.
func OpenIndex(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	x := &Index{
		path: path,
		file: f,
	}
	if err = x.load(); err != nil {
		f.Close()
		return nil, fmt.Errorf("loading index %s: %w", path, err)
	}
	return x, nil
}

func (x *Index) load() error {
	st, err := x.file.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size == 0 {
		// new index
		if err = x.writeHeader(); err != nil {
			return err
		}
		return x.file.Sync()
	}
	d := make([]byte, size)
	if _, err = io.ReadFull(io.NewSectionReader(x.file, 0, size), d); err != nil {
		return err
	}
	hdr, entries, partial, err := parseIndex(d)
	if err != nil {
		return err
	}
	if partial > 0 {
		log.Warnf("index %s: discarding %d bytes of partial entry\n", x.path, partial)
		if err = x.file.Truncate(size - partial); err != nil {
			return err
		}
	}
	x.hdr = hdr
	x.entries = entries
	return nil
}

// parseIndex parses content of an index file. Counters in the journal
// are recomputed from entries. partial is the size of a trailing
// partially written entry.
func parseIndex(d []byte) (j journal, entries []Entry, partial int64, err error) {
	size := int64(len(d))
	if size < indexHeaderSize {
		return j, nil, 0, fmt.Errorf("%w: file is only %d bytes", ErrCorruptIndex, size)
	}
	var stored journal
	if err = stored.unmarshal(d[:indexHeaderSize]); err != nil {
		return j, nil, 0, err
	}
	n := (size - indexHeaderSize) / indexEntrySize
	partial = (size - indexHeaderSize) % indexEntrySize
	if uint64(n) != stored.count {
		log.Warnf("index header says %d entries, file has %d\n", stored.count, n)
	}

	entries = make([]Entry, 0, n)
	j.lastMetadataRef = stored.lastMetadataRef
	for i := int64(0); i < n; i++ {
		off := indexHeaderSize + i*indexEntrySize
		e := unmarshalEntry(d[off : off+indexEntrySize])
		if e.Ordinal != uint64(i+1) {
			return j, nil, 0, fmt.Errorf("%w: entry %d has ordinal %d", ErrCorruptIndex, i+1, e.Ordinal)
		}
		j.add(&e)
		entries = append(entries, e)
	}
	j.lastAccessed = min(stored.lastAccessed, j.count)
	return j, entries, partial, nil
}

// ReadIndexFile reads entries of an index file without opening it for writing
func ReadIndexFile(path string) ([]Entry, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_, entries, _, err := parseIndex(d)
	return entries, err
}

// writeIndexFile writes a complete index file to w
func writeIndexFile(w io.Writer, entries []Entry, lastMetadataRef int64) error {
	var j journal
	for i := range entries {
		j.add(&entries[i])
	}
	j.lastMetadataRef = lastMetadataRef
	buf := make([]byte, indexHeaderSize)
	j.marshal(buf)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	buf = buf[:indexEntrySize]
	for i := range entries {
		marshalEntry(&entries[i], buf)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// add updates the journal with a new entry
func (j *journal) add(e *Entry) {
	if j.count == 0 || e.TimeKey < j.minKey {
		j.minKey = e.TimeKey
	}
	if j.count == 0 || e.TimeKey > j.maxKey {
		j.maxKey = e.TimeKey
	}
	j.lastSeq = max(j.lastSeq, e.SequenceNo)
	j.count++
}

// must be called with mu held for writing
func (x *Index) writeHeader() error {
	buf := x.buf[:]
	clear(buf)
	x.hdr.marshal(buf)
	_, err := x.file.WriteAt(buf, 0)
	return err
}

// Path returns path of the index file
func (x *Index) Path() string {
	return x.path
}

// Append adds an entry for a record already written to the data store.
// e.Ordinal is ignored; the next ordinal is assigned and the completed
// entry is returned. The entry is synced to disk before it becomes
// visible to readers.
func (x *Index) Append(e Entry) (Entry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.file == nil {
		return Entry{}, ErrClosed
	}
	n := uint64(len(x.entries))
	if n >= math.MaxUint32 {
		return Entry{}, fmt.Errorf("index %s is full", x.path)
	}
	e.Ordinal = n + 1

	buf := x.buf[:indexEntrySize]
	marshalEntry(&e, buf)
	if _, err := x.file.WriteAt(buf, int64(indexHeaderSize+n*indexEntrySize)); err != nil {
		return Entry{}, err
	}
	prev := x.hdr
	x.hdr.add(&e)
	if err := x.writeHeader(); err != nil {
		x.hdr = prev
		return Entry{}, err
	}
	if err := x.file.Sync(); err != nil {
		x.hdr = prev
		return Entry{}, fmt.Errorf("syncing %s: %w", x.path, err)
	}
	x.entries = append(x.entries, e)
	return e, nil
}

// Count returns number of entries
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// TimeBounds returns the smallest and largest time key.
// ok is false if the index is empty.
func (x *Index) TimeBounds() (minKey, maxKey int64, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.entries) == 0 {
		return 0, 0, false
	}
	return x.hdr.minKey, x.hdr.maxKey, true
}

// LastSequenceNo returns the largest sequence number in the index
func (x *Index) LastSequenceNo() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.hdr.lastSeq
}

// LastMetadataRef returns sequence number of the last metadata packet
func (x *Index) LastMetadataRef() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.hdr.lastMetadataRef
}

// SetLastMetadataRef records sequence number of the last metadata packet.
// It's persisted with the next Append.
func (x *Index) SetLastMetadataRef(ref int64) {
	x.mu.Lock()
	x.hdr.lastMetadataRef = ref
	x.mu.Unlock()
}

// LastAccessed returns the ordinal of the last entry read with
// the sequential cursor (0 if none)
func (x *Index) LastAccessed() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.hdr.lastAccessed
}

// SetLastAccessed moves the sequential cursor and persists it
func (x *Index) SetLastAccessed(ordinal uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ordinal > uint64(len(x.entries)) {
		return fmt.Errorf("%w: ordinal %d, have %d entries", ErrOutOfRange, ordinal, len(x.entries))
	}
	if x.file == nil {
		return ErrClosed
	}
	x.hdr.lastAccessed = ordinal
	return x.writeHeader()
}

// lowerBound returns position of the first entry with key >= t
// must be called with mu held
func (x *Index) lowerBound(t int64) int {
	return sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].TimeKey >= t
	})
}

// upperBound returns position of the first entry with key > t
// must be called with mu held
func (x *Index) upperBound(t int64) int {
	return sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].TimeKey > t
	})
}

// EntriesInRange returns number of entries with start <= key <= end.
// Entries sharing a key at either end of the range are all included.
func (x *Index) EntriesInRange(start, end int64) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.entries) == 0 || start > end || start > x.hdr.maxKey || end < x.hdr.minKey {
		return 0
	}
	first := x.lowerBound(start)
	last := x.upperBound(end)
	if last <= first {
		return 0
	}
	return last - first
}

// EntriesFrom returns up to max entries starting with the first entry
// with key >= start. When several entries share that key, the one with
// the lowest ordinal is first. The following entries are in ordinal
// order, regardless of their keys.
func (x *Index) EntriesFrom(start int64, max int) ([]Entry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	first := x.lowerBound(start)
	if first >= len(x.entries) {
		return nil, fmt.Errorf("%w: no entries at or after %d", ErrNoData, start)
	}
	return x.copyEntries(first, max), nil
}

// EntriesFromOrdinal returns up to max entries starting at ordinal
func (x *Index) EntriesFromOrdinal(ordinal uint64, max int) ([]Entry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if ordinal < 1 || ordinal > uint64(len(x.entries)) {
		return nil, fmt.Errorf("%w: no entry with ordinal %d", ErrNoData, ordinal)
	}
	return x.copyEntries(int(ordinal-1), max), nil
}

// must be called with mu held
func (x *Index) copyEntries(first int, max int) []Entry {
	end := len(x.entries)
	if max >= 0 && first+max < end {
		end = first + max
	}
	res := make([]Entry, end-first)
	copy(res, x.entries[first:end])
	return res
}

// EntryByOrdinal returns entry with a given ordinal
func (x *Index) EntryByOrdinal(ordinal uint64) (Entry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if ordinal < 1 || ordinal > uint64(len(x.entries)) {
		return Entry{}, fmt.Errorf("%w: no entry with ordinal %d, have %d entries", ErrOutOfRange, ordinal, len(x.entries))
	}
	return x.entries[ordinal-1], nil
}

// Close closes the index file. It's safe to call multiple times.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.file == nil {
		return nil
	}
	err := x.file.Sync()
	err2 := x.file.Close()
	x.file = nil
	if err == nil {
		err = err2
	}
	return err
}
