package packet

import (
	"strings"
	"testing"

	"github.com/oceanlog/telemlog/assert"
	"github.com/oceanlog/telemlog/require"
)

func TestCodecRoundTrip(t *testing.T) {
	packets := []*Packet{
		{SourceID: 1001, SystemTime: 1700000000000, SequenceNo: 1, Body: &SensorData{Data: []byte("t=12.5 c=3.3")}},
		{SourceID: 1001, SystemTime: 1700000000001, SequenceNo: 2, Body: &Metadata{Cause: []byte("startup"), Bytes: []byte("model=CTD")}},
		{SourceID: 1001, SystemTime: 1700000000002, SequenceNo: 3, MetadataRef: 2, Body: &Message{Message: []byte("low battery")}},
		{SourceID: 7, SystemTime: -5, ParentID: 3, Body: &Summary{Data: []byte{0, 1, 2, 255}}},
	}
	for _, p := range packets {
		d, err := CBOR.Encode(p)
		require.NoError(t, err)
		got, err := CBOR.Decode(d)
		require.NoError(t, err)
		assert.Equal(t, p, got)
		assert.Equal(t, p.Kind(), got.Kind())
	}
}

func TestCodecDeterministic(t *testing.T) {
	p := &Packet{SourceID: 1, SystemTime: 2, Body: &SensorData{Data: []byte("abc")}}
	d1, err := CBOR.Encode(p)
	require.NoError(t, err)
	d2, err := CBOR.Encode(p)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCodecErrors(t *testing.T) {
	_, err := CBOR.Encode(&Packet{SourceID: 1})
	assert.ErrorIs(t, err, ErrNoBody)

	_, err = CBOR.Decode([]byte{0xff, 0x00})
	assert.Error(t, err)

	d, err := encMode.Marshal(&wirePacket{Kind: 64, SourceID: 1})
	require.NoError(t, err)
	_, err = CBOR.Decode(d)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseKinds(t *testing.T) {
	k, err := ParseKinds("sensor, metadata")
	require.NoError(t, err)
	assert.Equal(t, KindSensorData|KindMetadata, k)
	assert.True(t, k.Has(KindMetadata))
	assert.False(t, k.Has(KindMessage))

	k, err = ParseKinds("all")
	require.NoError(t, err)
	assert.Equal(t, KindAll, k)
	assert.Equal(t, "all", k.String())

	k, err = ParseKinds("sensordata")
	require.NoError(t, err)
	assert.Equal(t, KindSensorData, k)

	_, err = ParseKinds("bogus")
	assert.Error(t, err)
	_, err = ParseKinds(" , ")
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	var s *Set
	assert.Equal(t, 0, s.Len())
	s = &Set{}
	assert.Nil(t, s.Last())
	p := &Packet{SystemTime: 5, Body: &Message{}}
	s.Packets = append(s.Packets, &Packet{SystemTime: 1, Body: &Message{}}, p)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Last() == p)
}

func TestText(t *testing.T) {
	p := &Packet{SourceID: 42, SystemTime: 1000, Body: &SensorData{Data: []byte{0x01, 0xfe}}}
	s, err := Text(p)
	require.NoError(t, err)
	assert.True(t, strings.Contains(s, "hex:01fe"), "got: %s", s)

	v := View(&Packet{Body: &Metadata{Cause: []byte("reset"), Bytes: []byte("cfg")}})
	assert.Equal(t, "reset", v["cause"])
	assert.Equal(t, "cfg", v["payload"])
	assert.Equal(t, "metadata", v["kind"])
}
