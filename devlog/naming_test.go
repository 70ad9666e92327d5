package devlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oceanlog/telemlog/assert"
	"github.com/oceanlog/telemlog/require"
)

func TestFileNames(t *testing.T) {
	assert.Equal(t, "1001_0.dat", DataFileName(1001, 0, ""))
	assert.Equal(t, "1001_2.idx", IndexFileName(1001, 2, ""))
	assert.Equal(t, "1001_2a.rebuilt.idx", RebuiltIndexFileName(1001, 2, "a"))
	seg := Segment{DeviceID: 7, Segment: 3, Suffix: ".bak"}
	assert.Equal(t, "7_3.bak.dat", seg.DataFileName())
	assert.Equal(t, "7_3.bak.idx", seg.IndexFileName())
}

func TestParseDataFileName(t *testing.T) {
	tests := []struct {
		name string
		exp  Segment
		ok   bool
	}{
		{"1001_0.dat", Segment{DeviceID: 1001}, true},
		{"1001_12x.dat", Segment{DeviceID: 1001, Segment: 12, Suffix: "x"}, true},
		{"-5_1.dat", Segment{DeviceID: -5, Segment: 1}, true},
		{"1001_0.idx", Segment{}, false},
		{"1001.dat", Segment{}, false},
		{"abc_0.dat", Segment{}, false},
		{"1001_x.dat", Segment{}, false},
	}
	for _, tc := range tests {
		got, ok := ParseDataFileName(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.exp, got, tc.name)
	}
}

func TestListSegments(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"20_1.dat", "20_0.dat", "20_0.idx", "3_0b.dat", "3_0a.dat", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "5_0.dat"), 0755))

	segs, err := ListSegments(dir, 0)
	require.NoError(t, err)
	var names []string
	for _, s := range segs {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"3_0a", "3_0b", "20_0", "20_1"}, names)

	segs, err = ListSegments(dir, 20)
	require.NoError(t, err)
	assert.Len(t, segs, 2)

	data, index := SegmentPaths(dir, segs[1])
	assert.Equal(t, filepath.Join(dir, "20_1.dat"), data)
	assert.Equal(t, filepath.Join(dir, "20_1.idx"), index)

	_, err = ListSegments(filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}
