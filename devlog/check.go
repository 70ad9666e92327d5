package devlog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oceanlog/telemlog/atomicfile"
	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/packet"
)

// how many following sync markers we try to merge into a record that
// doesn't decode. A payload can contain bytes equal to SyncMarker.
const maxSyncMerge = 8

// CheckConfig describes which segment to check
type CheckConfig struct {
	Dir      string
	DeviceID int64
	Segment  int
	Suffix   string
	// if nil, packet.CBOR is used
	Codec packet.Codec
	// if true, write an index rebuilt from the data file
	Rebuild bool
}

// Report is the result of Check()
type Report struct {
	DataPath  string
	IndexPath string
	DataSize  int64

	SyncMarkers int
	Records     int
	ByKind      map[packet.Kind]int
	ParentIDs   map[int64]int

	MinTime int64
	MaxTime int64
	// number of times a packet's time was smaller than the previous one
	TimeRollbacks int

	LastSequenceNo  int64
	LastMetadataRef int64
	// metadata references that don't point to a metadata packet in this segment
	MissingMetadataRefs []int64
	// number of packets with a missing metadata reference
	MissingMetadataErrors int

	DecodeErrors int
	// bytes before the first sync marker or in records that didn't decode
	UnframedBytes int64

	IndexEntries int
	// index entries that don't match a record in the data file
	IndexMismatches int
	IndexError      error

	RebuiltIndexPath string
	RebuiltEntries   int
}

// OK returns true if no problems were found
func (r *Report) OK() bool {
	return r.DecodeErrors == 0 && r.UnframedBytes == 0 && r.IndexMismatches == 0 &&
		r.IndexError == nil && r.IndexEntries == r.Records && r.MissingMetadataErrors == 0
}

func (r *Report) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) {
		sb.WriteString(fmt.Sprintf(format, args...))
	}
	w("data file: %s (%d bytes)\n", r.DataPath, r.DataSize)
	w("sync markers: %d\n", r.SyncMarkers)
	w("records: %d\n", r.Records)
	var kinds []packet.Kind
	for k := range r.ByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		w("  %s: %d\n", k, r.ByKind[k])
	}
	if r.Records > 0 {
		w("time: %d - %d\n", r.MinTime, r.MaxTime)
	}
	if r.TimeRollbacks > 0 {
		w("time rollbacks: %d\n", r.TimeRollbacks)
	}
	w("last sequence number: %d\n", r.LastSequenceNo)
	w("last metadata reference: %d\n", r.LastMetadataRef)
	if len(r.MissingMetadataRefs) > 0 {
		w("missing metadata references: %v (%d packets)\n", r.MissingMetadataRefs, r.MissingMetadataErrors)
	}
	if r.DecodeErrors > 0 {
		w("decode errors: %d\n", r.DecodeErrors)
	}
	if r.UnframedBytes > 0 {
		w("unframed bytes: %d\n", r.UnframedBytes)
	}
	if r.IndexError != nil {
		w("index %s: %s\n", r.IndexPath, r.IndexError)
	} else {
		w("index entries: %d\n", r.IndexEntries)
	}
	if r.IndexMismatches > 0 {
		w("index mismatches: %d\n", r.IndexMismatches)
	}
	if r.RebuiltIndexPath != "" {
		w("rebuilt index: %s (%d entries)\n", r.RebuiltIndexPath, r.RebuiltEntries)
	}
	return sb.String()
}

// Check scans the data file of a segment for records without using
// the index, decodes them and compares the result with the index.
// With cfg.Rebuild, an index built from the scan is written next to
// the data file as <deviceId>_<segment><suffix>.rebuilt.idx.
func Check(cfg CheckConfig) (*Report, error) {
	codec := cfg.Codec
	if codec == nil {
		codec = packet.CBOR
	}
	seg := Segment{DeviceID: cfg.DeviceID, Segment: cfg.Segment, Suffix: cfg.Suffix}
	dataPath, indexPath := SegmentPaths(cfg.Dir, seg)
	d, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, err
	}
	r := &Report{
		DataPath:  dataPath,
		IndexPath: indexPath,
		DataSize:  int64(len(d)),
		ByKind:    map[packet.Kind]int{},
		ParentIDs: map[int64]int{},
	}

	var syncs []int
	for pos := nextSync(d, 0); pos >= 0; pos = nextSync(d, pos+len(SyncMarker)) {
		syncs = append(syncs, pos)
	}
	r.SyncMarkers = len(syncs)
	if len(syncs) == 0 {
		r.UnframedBytes = int64(len(d))
	} else {
		r.UnframedBytes = int64(syncs[0])
	}

	var rebuilt []Entry
	metadataSeqs := map[int64]bool{}
	missing := map[int64]bool{}
	var refs []int64
	var prevTime int64
	syncAt := func(i int) int {
		if i < len(syncs) {
			return syncs[i]
		}
		return len(d)
	}

	for i := 0; i < len(syncs); {
		start := syncs[i]
		var p *packet.Packet
		next := i + 1
		for ; next <= len(syncs) && next-i <= maxSyncMerge; next++ {
			payload, _ := Unframe(d[start:syncAt(next)])
			p, err = codec.Decode(payload)
			if err == nil {
				break
			}
		}
		if p == nil {
			log.Verbosef("check %s: record at offset %d doesn't decode: %s\n", seg, start, err)
			r.DecodeErrors++
			r.UnframedBytes += int64(syncAt(i+1) - start)
			i++
			continue
		}
		end := syncAt(next)
		i = next

		if r.Records == 0 || p.SystemTime < r.MinTime {
			r.MinTime = p.SystemTime
		}
		if r.Records == 0 || p.SystemTime > r.MaxTime {
			r.MaxTime = p.SystemTime
		}
		if r.Records > 0 && p.SystemTime < prevTime {
			r.TimeRollbacks++
		}
		prevTime = p.SystemTime
		r.Records++
		r.ByKind[p.Kind()]++
		r.ParentIDs[p.ParentID]++
		r.LastSequenceNo = max(r.LastSequenceNo, p.SequenceNo)
		if p.Kind() == packet.KindMetadata {
			metadataSeqs[p.SequenceNo] = true
			r.LastMetadataRef = p.SequenceNo
		}
		// 0 means the packet was logged before any metadata
		if p.MetadataRef != 0 {
			refs = append(refs, p.MetadataRef)
		}
		if len(rebuilt) >= math.MaxUint32 {
			return nil, fmt.Errorf("%s has too many records", dataPath)
		}
		rebuilt = append(rebuilt, Entry{
			Ordinal:    uint64(len(rebuilt) + 1),
			TimeKey:    p.SystemTime,
			Offset:     uint64(start),
			Length:     uint32(end - start),
			SequenceNo: p.SequenceNo,
		})
	}

	// a metadata packet can be referenced before it's seen only
	// if the log was imported out of order, so check after the scan
	for _, ref := range refs {
		if metadataSeqs[ref] {
			continue
		}
		r.MissingMetadataErrors++
		if !missing[ref] {
			missing[ref] = true
			r.MissingMetadataRefs = append(r.MissingMetadataRefs, ref)
		}
	}
	sort.Slice(r.MissingMetadataRefs, func(i, j int) bool {
		return r.MissingMetadataRefs[i] < r.MissingMetadataRefs[j]
	})

	entries, err := ReadIndexFile(indexPath)
	if err != nil {
		r.IndexError = err
	} else {
		r.IndexEntries = len(entries)
		r.IndexMismatches = countMismatches(entries, rebuilt)
	}

	if cfg.Rebuild {
		path := filepath.Join(cfg.Dir, RebuiltIndexFileName(seg.DeviceID, seg.Segment, seg.Suffix))
		if err = writeRebuiltIndex(path, rebuilt, r.LastMetadataRef); err != nil {
			return r, fmt.Errorf("writing %s: %w", path, err)
		}
		r.RebuiltIndexPath = path
		r.RebuiltEntries = len(rebuilt)
		log.Logf("check %s: wrote %s with %d entries\n", seg, path, len(rebuilt))
	}
	return r, nil
}

// countMismatches compares index entries with entries found by scanning.
// Entries are matched by offset, an index entry without a scanned record
// at its offset or with a different length or key is a mismatch.
func countMismatches(indexed, scanned []Entry) int {
	byOffset := make(map[uint64]Entry, len(scanned))
	for _, e := range scanned {
		byOffset[e.Offset] = e
	}
	n := 0
	for _, e := range indexed {
		s, ok := byOffset[e.Offset]
		if !ok || s.Length != e.Length || s.TimeKey != e.TimeKey {
			n++
		}
	}
	return n
}

func writeRebuiltIndex(path string, entries []Entry, lastMetadataRef int64) error {
	f, err := atomicfile.New(path)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	if err = writeIndexFile(f, entries, lastMetadataRef); err != nil {
		return err
	}
	return f.Close()
}
