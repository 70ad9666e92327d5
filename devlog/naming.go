package devlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	dataExt         = ".dat"
	indexExt        = ".idx"
	rebuiltIndexExt = ".rebuilt.idx"
)

func baseName(deviceID int64, segment int, suffix string) string {
	return fmt.Sprintf("%d_%d%s", deviceID, segment, suffix)
}

// DataFileName returns name of the data file: <deviceId>_<segment><suffix>.dat
func DataFileName(deviceID int64, segment int, suffix string) string {
	return baseName(deviceID, segment, suffix) + dataExt
}

// IndexFileName returns name of the index file: <deviceId>_<segment><suffix>.idx
func IndexFileName(deviceID int64, segment int, suffix string) string {
	return baseName(deviceID, segment, suffix) + indexExt
}

// RebuiltIndexFileName returns name of the index written by Check() with Rebuild
func RebuiltIndexFileName(deviceID int64, segment int, suffix string) string {
	return baseName(deviceID, segment, suffix) + rebuiltIndexExt
}

// Segment identifies log files of one device
type Segment struct {
	DeviceID int64
	Segment  int
	Suffix   string
}

func (s Segment) DataFileName() string {
	return DataFileName(s.DeviceID, s.Segment, s.Suffix)
}

func (s Segment) IndexFileName() string {
	return IndexFileName(s.DeviceID, s.Segment, s.Suffix)
}

func (s Segment) String() string {
	return baseName(s.DeviceID, s.Segment, s.Suffix)
}

// ParseDataFileName parses "<deviceId>_<segment><suffix>.dat"
// suffix can't start with a digit
func ParseDataFileName(name string) (Segment, bool) {
	var seg Segment
	base, ok := strings.CutSuffix(name, dataExt)
	if !ok {
		return seg, false
	}
	devStr, rest, ok := strings.Cut(base, "_")
	if !ok {
		return seg, false
	}
	id, err := strconv.ParseInt(devStr, 10, 64)
	if err != nil {
		return seg, false
	}
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n == 0 {
		return seg, false
	}
	segNo, err := strconv.Atoi(rest[:n])
	if err != nil {
		return seg, false
	}
	seg.DeviceID = id
	seg.Segment = segNo
	seg.Suffix = rest[n:]
	return seg, true
}

// ListSegments returns segments found in dir, sorted by device, segment
// and suffix. If deviceID is not 0, only segments of that device are returned.
func ListSegments(dir string, deviceID int64) ([]Segment, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var res []Segment
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		seg, ok := ParseDataFileName(f.Name())
		if !ok {
			continue
		}
		if deviceID != 0 && seg.DeviceID != deviceID {
			continue
		}
		res = append(res, seg)
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.Segment != b.Segment {
			return a.Segment < b.Segment
		}
		return a.Suffix < b.Suffix
	})
	return res, nil
}

// SegmentPaths returns paths of data and index files of a segment in dir
func SegmentPaths(dir string, s Segment) (dataPath, indexPath string) {
	return filepath.Join(dir, s.DataFileName()), filepath.Join(dir, s.IndexFileName())
}
