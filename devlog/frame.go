package devlog

import "bytes"

// SyncMarker starts every record in the data store. It marks record
// boundaries and lets Check() find records without an index.
var SyncMarker = []byte{0x0B, 0x0B, 0x0B, 0x0B}

// Framing tells how a record was framed
type Framing int

const (
	// Framed records start with SyncMarker
	Framed Framing = iota
	// Legacy records have no marker, the whole record is the encoded packet
	Legacy
)

func (f Framing) String() string {
	if f == Framed {
		return "framed"
	}
	return "legacy"
}

// Frame returns SyncMarker followed by payload
func Frame(payload []byte) []byte {
	res := make([]byte, 0, len(SyncMarker)+len(payload))
	res = append(res, SyncMarker...)
	return append(res, payload...)
}

// Unframe strips SyncMarker from a record. A record without the marker
// is returned unchanged as Legacy.
func Unframe(record []byte) ([]byte, Framing) {
	if bytes.HasPrefix(record, SyncMarker) {
		return record[len(SyncMarker):], Framed
	}
	return record, Legacy
}

// nextSync returns position of the next SyncMarker in d at or after pos, -1 if none
func nextSync(d []byte, pos int) int {
	if pos >= len(d) {
		return -1
	}
	idx := bytes.Index(d[pos:], SyncMarker)
	if idx < 0 {
		return -1
	}
	return pos + idx
}
