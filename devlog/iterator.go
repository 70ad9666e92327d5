package devlog

import (
	"fmt"
	"iter"

	"github.com/oceanlog/telemlog/packet"
)

// Iterator walks packets of a log in append order.
//
// The number of packets is captured when the iterator is created;
// packets appended later are not visited.
// An Iterator must not be used from multiple goroutines.
type Iterator struct {
	log         *Log
	nextOrdinal uint64
	packetCount uint64
}

// NewIterator returns an iterator over all packets in the log
func NewIterator(l *Log) *Iterator {
	return &Iterator{
		log:         l,
		nextOrdinal: 1,
		packetCount: uint64(l.Count()),
	}
}

// NewIteratorFrom returns an iterator starting at the first packet with
// time >= start. If there's no such packet, the iterator is empty.
func NewIteratorFrom(l *Log, start int64) *Iterator {
	it := NewIterator(l)
	entries, err := l.index.EntriesFrom(start, 1)
	if err != nil || len(entries) == 0 {
		it.nextOrdinal = it.packetCount + 1
		return it
	}
	it.nextOrdinal = entries[0].Ordinal
	return it
}

// HasNext returns true if Next() will return a packet
func (it *Iterator) HasNext() bool {
	return it.nextOrdinal <= it.packetCount
}

// Next returns the next packet. Returns an error wrapping ErrNoSuchElement
// if there are no more packets or if the packet can't be read. In the
// latter case the iterator advances past the bad packet.
func (it *Iterator) Next() (*packet.Packet, error) {
	if !it.HasNext() {
		return nil, ErrNoSuchElement
	}
	ordinal := it.nextOrdinal
	it.nextOrdinal++
	p, err := it.log.PacketByOrdinal(ordinal)
	if err != nil {
		return nil, fmt.Errorf("%w: packet %d: %w", ErrNoSuchElement, ordinal, err)
	}
	return p, nil
}

// All returns the remaining packets as a sequence. Iteration stops after
// the first error.
func (it *Iterator) All() iter.Seq2[*packet.Packet, error] {
	return func(yield func(*packet.Packet, error) bool) {
		for it.HasNext() {
			p, err := it.Next()
			if !yield(p, err) || err != nil {
				return
			}
		}
	}
}
