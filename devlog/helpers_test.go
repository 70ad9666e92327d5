package devlog

import (
	"testing"

	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/packet"
	"github.com/oceanlog/telemlog/require"
)

const testDeviceID = 1001

func init() {
	log.Quiet = true
}

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(Config{Dir: dir, DeviceID: testDeviceID, Segment: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sensorPacket(tm int64, data string) *packet.Packet {
	return &packet.Packet{
		SourceID:   testDeviceID,
		SystemTime: tm,
		Body:       &packet.SensorData{Data: []byte(data)},
	}
}

func metadataPacket(tm int64, cause string) *packet.Packet {
	return &packet.Packet{
		SourceID:   testDeviceID,
		SystemTime: tm,
		Body:       &packet.Metadata{Cause: []byte(cause), Bytes: []byte("model=CTD")},
	}
}

func messagePacket(tm int64, msg string) *packet.Packet {
	return &packet.Packet{
		SourceID:   testDeviceID,
		SystemTime: tm,
		Body:       &packet.Message{Message: []byte(msg)},
	}
}

// appendTimes appends one sensor packet per time
func appendTimes(t *testing.T, l *Log, times ...int64) {
	t.Helper()
	for _, tm := range times {
		_, err := l.AppendPacket(sensorPacket(tm, "x"))
		require.NoError(t, err)
	}
}

func packetTimes(ps []*packet.Packet) []int64 {
	var res []int64
	for _, p := range ps {
		res = append(res, p.SystemTime)
	}
	return res
}

func packetSeqs(ps []*packet.Packet) []int64 {
	var res []int64
	for _, p := range ps {
		res = append(res, p.SequenceNo)
	}
	return res
}
