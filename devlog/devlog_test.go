package devlog

import (
	"path/filepath"
	"testing"

	"github.com/oceanlog/telemlog/assert"
	"github.com/oceanlog/telemlog/packet"
	"github.com/oceanlog/telemlog/require"
)

func TestOpenCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l := openTestLog(t, dir)
	assert.Equal(t, int64(testDeviceID), l.DeviceID())
	assert.Equal(t, "1001_0", l.Segment().String())
	assert.Equal(t, filepath.Join(dir, "1001_0.dat"), l.Data().Path())
	assert.Equal(t, filepath.Join(dir, "1001_0.idx"), l.Index().Path())
	assert.Equal(t, 0, l.Count())

	_, err := l.LastPacket()
	assert.ErrorIs(t, err, ErrNoData)

	_, err = Open(Config{DeviceID: 1})
	assert.Error(t, err)
}

func TestAppendAndRead(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	p := sensorPacket(1000, "t=12.5")
	e, err := l.AppendPacket(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Ordinal)
	assert.Equal(t, int64(1000), e.TimeKey)
	assert.Equal(t, uint64(0), e.Offset)
	assert.Equal(t, int64(1), p.SequenceNo)

	_, err = l.AppendPacket(messagePacket(1001, "hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, l.Count())

	// records are framed with a sync marker
	d, err := l.Data().Read(e.Offset, e.Length)
	require.NoError(t, err)
	payload, framing := Unframe(d)
	assert.Equal(t, Framed, framing)
	enc, err := packet.CBOR.Encode(p)
	require.NoError(t, err)
	assert.Equal(t, enc, payload)

	got, err := l.PacketByOrdinal(1)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	last, err := l.LastPacket()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(last.Payload()))

	minTime, maxTime, ok := l.TimeBounds()
	assert.True(t, ok)
	assert.Equal(t, int64(1000), minTime)
	assert.Equal(t, int64(1001), maxTime)

	_, err = l.PacketByOrdinal(3)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSequenceAndMetadataRef(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	p1 := sensorPacket(1, "a")
	md := metadataPacket(2, "startup")
	p2 := sensorPacket(3, "b")
	md2 := metadataPacket(4, "config change")
	p3 := sensorPacket(5, "c")
	for _, p := range []*packet.Packet{p1, md, p2, md2, p3} {
		_, err := l.AppendPacket(p)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, packetSeqs([]*packet.Packet{p1, md, p2, md2, p3}))
	assert.Equal(t, int64(0), p1.MetadataRef)
	assert.Equal(t, int64(0), md.MetadataRef)
	assert.Equal(t, int64(2), p2.MetadataRef)
	assert.Equal(t, int64(2), md2.MetadataRef)
	assert.Equal(t, int64(4), p3.MetadataRef)
	require.NoError(t, l.Close())

	// counters survive re-opening
	l = openTestLog(t, dir)
	p4 := sensorPacket(6, "d")
	_, err := l.AppendPacket(p4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p4.SequenceNo)
	assert.Equal(t, int64(4), p4.MetadataRef)

	// imported packets keep their numbers
	imported := sensorPacket(7, "e")
	imported.SequenceNo = 100
	imported.MetadataRef = 50
	_, err = l.AppendPacketAsIs(imported)
	require.NoError(t, err)
	got, err := l.LastPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.SequenceNo)
	assert.Equal(t, int64(50), got.MetadataRef)

	next := sensorPacket(8, "f")
	_, err = l.AppendPacket(next)
	require.NoError(t, err)
	assert.Equal(t, int64(101), next.SequenceNo)
	assert.Equal(t, int64(4), next.MetadataRef)
}

func TestLegacyRecord(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendTimes(t, l, 10)

	// a record written without a sync marker
	p := messagePacket(20, "legacy")
	p.SequenceNo = 2
	d, err := packet.CBOR.Encode(p)
	require.NoError(t, err)
	off, n, err := l.Data().Append(d)
	require.NoError(t, err)
	_, err = l.Index().Append(Entry{TimeKey: 20, Offset: off, Length: n, SequenceNo: 2})
	require.NoError(t, err)

	got, err := l.PacketByOrdinal(2)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	set, err := l.GetPackets(0, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, packetTimes(set.Packets))
}

func TestGetPacketsUnfiltered(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendTimes(t, l, 1, 2, 3, 4, 5)

	set, err := l.GetPackets(2, 4, 10)
	require.NoError(t, err)
	assert.True(t, set.Complete)
	assert.Equal(t, []int64{2, 3, 4}, packetTimes(set.Packets))

	set, err = l.GetPackets(0, 100, 2)
	require.NoError(t, err)
	assert.False(t, set.Complete)
	assert.Equal(t, []int64{1, 2}, packetTimes(set.Packets))

	_, err = l.GetPackets(6, 10, 10)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = l.GetPackets(0, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestTimeRollbackIsKept(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendTimes(t, l, 100, 50)
	assert.Equal(t, 2, l.Count())
	minTime, maxTime, _ := l.TimeBounds()
	assert.Equal(t, int64(50), minTime)
	assert.Equal(t, int64(100), maxTime)
}

func TestNextPacket(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	appendTimes(t, l, 1, 2, 3)
	assert.Equal(t, 3, l.UnreadCount())

	p, err := l.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.SystemTime)
	p, err = l.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.SystemTime)
	assert.Equal(t, 1, l.UnreadCount())
	require.NoError(t, l.Close())

	l = openTestLog(t, dir)
	p, err = l.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.SystemTime)
	_, err = l.NextPacket()
	assert.ErrorIs(t, err, ErrNoData)

	appendTimes(t, l, 4)
	p, err = l.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.SystemTime)

	require.NoError(t, l.ResetUnread())
	assert.Equal(t, 4, l.UnreadCount())
	p, err = l.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.SystemTime)
}
