// Package devlog implements a durable, append-only, time-ordered log of
// instrument packets.
//
// A log of one device segment consists of a data file with framed
// records (<deviceId>_<segment><suffix>.dat) and an index file
// (<deviceId>_<segment><suffix>.idx) used to find records by time.
//
// There's a single writer. Reads can run concurrently with appends.
package devlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/packet"
)

// Config describes which log to open
type Config struct {
	// directory with log files, created if doesn't exist
	Dir      string
	DeviceID int64
	Segment  int
	Suffix   string
	// if nil, packet.CBOR is used
	Codec packet.Codec
}

// Log couples a data store with its index
type Log struct {
	deviceID int64
	segment  Segment
	codec    packet.Codec
	data     *DataStore
	index    *Index

	// serializes appends
	appendMu sync.Mutex
	lastTime int64

	// serializes NextPacket()
	cursorMu sync.Mutex
}

// Open opens a log, creating files if they don't exist
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("directory is not set. For current directory, use '.'")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	seg := Segment{DeviceID: cfg.DeviceID, Segment: cfg.Segment, Suffix: cfg.Suffix}
	dataPath, indexPath := SegmentPaths(cfg.Dir, seg)

	data, err := OpenDataStore(dataPath)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(indexPath)
	if err != nil {
		data.Close()
		return nil, err
	}
	l := &Log{
		deviceID: cfg.DeviceID,
		segment:  seg,
		codec:    cfg.Codec,
		data:     data,
		index:    index,
	}
	if l.codec == nil {
		l.codec = packet.CBOR
	}
	if n := index.Count(); n > 0 {
		e, _ := index.EntryByOrdinal(uint64(n))
		l.lastTime = e.TimeKey
		if end := e.Offset + uint64(e.Length); end > data.Len() {
			log.Errorf("log %s: index references %d bytes, data file has %d\n", seg, end, data.Len())
		}
	}
	log.Verbosef("opened log %s in %s with %d packets\n", seg, filepath.Clean(cfg.Dir), index.Count())
	return l, nil
}

// DeviceID returns id of the device this log belongs to
func (l *Log) DeviceID() int64 {
	return l.deviceID
}

// Segment returns which segment this log is
func (l *Log) Segment() Segment {
	return l.segment
}

// Index returns the index of this log
func (l *Log) Index() *Index {
	return l.index
}

// Data returns the data store of this log
func (l *Log) Data() *DataStore {
	return l.data
}

// AppendPacket appends a packet, assigning it the next sequence number
// and the current metadata reference. A metadata packet becomes the
// metadata reference for packets appended after it.
func (l *Log) AppendPacket(p *packet.Packet) (Entry, error) {
	return l.appendPacket(p, true)
}

// AppendPacketAsIs appends a packet without changing its sequence number
// and metadata reference. Used when importing packets from other logs.
func (l *Log) AppendPacketAsIs(p *packet.Packet) (Entry, error) {
	return l.appendPacket(p, false)
}

func (l *Log) appendPacket(p *packet.Packet, setSequenceNos bool) (Entry, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	mdRef := l.index.LastMetadataRef()
	if setSequenceNos {
		p.SequenceNo = l.index.LastSequenceNo() + 1
		p.MetadataRef = mdRef
	}
	if p.Kind() == packet.KindMetadata {
		mdRef = p.SequenceNo
	}

	d, err := l.codec.Encode(p)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding packet %d: %w", p.SequenceNo, err)
	}
	off, n, err := l.data.Append(Frame(d))
	if err != nil {
		log.Errorf("log %s: append of packet %d failed: %s\n", l.segment, p.SequenceNo, err)
		return Entry{}, err
	}
	if mdRef != l.index.LastMetadataRef() {
		l.index.SetLastMetadataRef(mdRef)
	}
	e, err := l.index.Append(Entry{
		TimeKey:    p.SystemTime,
		Offset:     off,
		Length:     n,
		SequenceNo: p.SequenceNo,
	})
	if err != nil {
		// the record is in the data file but not in the index
		// Check() with Rebuild can recover it
		log.Errorf("log %s: index append of packet %d at offset %d failed: %s\n", l.segment, p.SequenceNo, off, err)
		return Entry{}, err
	}
	if e.Ordinal > 1 && p.SystemTime < l.lastTime {
		log.Warnf("log %s: time rollback in packet %d, %d < %d\n", l.segment, p.SequenceNo, p.SystemTime, l.lastTime)
	}
	l.lastTime = p.SystemTime
	return e, nil
}

// Decode reads and decodes the packet of an index entry.
// Records without a sync marker are decoded in legacy mode.
func (l *Log) Decode(e Entry) (*packet.Packet, error) {
	d, err := l.data.Read(e.Offset, e.Length)
	if err != nil {
		log.Errorf("log %s: reading entry %d: %s\n", l.segment, e.Ordinal, err)
		return nil, err
	}
	payload, framing := Unframe(d)
	if framing == Legacy {
		log.Warnf("log %s: no sync marker in entry %d at offset %d, decoding as legacy record\n", l.segment, e.Ordinal, e.Offset)
	}
	p, err := l.codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding entry %d (%s): %w", e.Ordinal, framing, err)
	}
	return p, nil
}

// PacketByOrdinal returns a packet by its position in the log
func (l *Log) PacketByOrdinal(ordinal uint64) (*packet.Packet, error) {
	e, err := l.index.EntryByOrdinal(ordinal)
	if err != nil {
		return nil, err
	}
	return l.Decode(e)
}

// Count returns number of packets in the log
func (l *Log) Count() int {
	return l.index.Count()
}

// TimeBounds returns the smallest and largest packet time
func (l *Log) TimeBounds() (minTime, maxTime int64, ok bool) {
	return l.index.TimeBounds()
}

// LastPacket returns the most recently appended packet
func (l *Log) LastPacket() (*packet.Packet, error) {
	n := l.index.Count()
	if n == 0 {
		return nil, fmt.Errorf("%w: log %s is empty", ErrNoData, l.segment)
	}
	return l.PacketByOrdinal(uint64(n))
}

// GetPackets returns up to max packets with start <= time <= end,
// without filtering or staleness checks. If there are more than max
// packets, Complete is false.
func (l *Log) GetPackets(start, end int64, max int) (*packet.Set, error) {
	if max < 1 {
		return nil, ErrInvalidCount
	}
	n := l.index.EntriesInRange(start, end)
	if n == 0 {
		return nil, fmt.Errorf("%w: no packets in [%d, %d] for device %d", ErrNoData, start, end, l.deviceID)
	}
	res := &packet.Set{Complete: true}
	if n > max {
		n = max
		res.Complete = false
	}
	entries, err := l.index.EntriesFrom(start, n)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		p, err := l.Decode(e)
		if err != nil {
			// unreadable records are skipped
			continue
		}
		res.Packets = append(res.Packets, p)
	}
	if len(res.Packets) == 0 {
		return nil, fmt.Errorf("%w: no readable packets in [%d, %d] for device %d", ErrNoData, start, end, l.deviceID)
	}
	return res, nil
}

// UnreadCount returns number of packets not yet returned by NextPacket()
func (l *Log) UnreadCount() int {
	return l.index.Count() - int(l.index.LastAccessed())
}

// NextPacket returns the oldest packet not yet returned by NextPacket().
// The position is persisted in the index so it survives restarts.
// Returns ErrNoData if all packets have been read.
func (l *Log) NextPacket() (*packet.Packet, error) {
	l.cursorMu.Lock()
	defer l.cursorMu.Unlock()

	next := l.index.LastAccessed() + 1
	if next > uint64(l.index.Count()) {
		return nil, fmt.Errorf("%w: no unread packets", ErrNoData)
	}
	p, err := l.PacketByOrdinal(next)
	if err != nil {
		return nil, err
	}
	if err = l.index.SetLastAccessed(next); err != nil {
		return nil, err
	}
	return p, nil
}

// ResetUnread makes NextPacket() start from the first packet
func (l *Log) ResetUnread() error {
	l.cursorMu.Lock()
	defer l.cursorMu.Unlock()
	return l.index.SetLastAccessed(0)
}

// Close closes data and index files
func (l *Log) Close() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return errors.Join(l.data.Close(), l.index.Close())
}
