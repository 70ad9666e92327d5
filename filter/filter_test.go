package filter

import (
	"testing"

	"github.com/oceanlog/telemlog/assert"
	"github.com/oceanlog/telemlog/packet"
	"github.com/oceanlog/telemlog/require"
)

func sensor(t int64) *packet.Packet {
	return &packet.Packet{SystemTime: t, Body: &packet.SensorData{Data: []byte("x")}}
}

func message(t int64) *packet.Packet {
	return &packet.Packet{SystemTime: t, Body: &packet.Message{Message: []byte("m")}}
}

func TestTypeFilter(t *testing.T) {
	f := NewTypeFilter(packet.KindSensorData)
	assert.True(t, f.Pass(sensor(1)))
	assert.False(t, f.Pass(message(1)))
	assert.Equal(t, "types=sensor", f.String())
}

func TestSubsampler(t *testing.T) {
	tests := []struct {
		skip int
		exp  []bool
	}{
		{0, []bool{true, true, true, true, true}},
		{1, []bool{true, false, true, false, true}},
		{2, []bool{true, false, false, true, false}},
		{-1, []bool{false, false, false, false, false}},
	}
	for _, tc := range tests {
		s := NewSubsampler(tc.skip, packet.KindSensorData)
		for i, exp := range tc.exp {
			got := s.Pass(sensor(int64(i)))
			assert.Equal(t, exp, got, "skip: %d, packet: %d", tc.skip, i)
		}
		// other kinds are not affected
		assert.True(t, s.Pass(message(100)))
	}

	s := NewSubsampler(3, packet.KindAll)
	assert.True(t, s.Pass(sensor(1)))
	assert.False(t, s.Pass(message(2)))
	s.Reset()
	assert.True(t, s.Pass(sensor(3)))
}

func TestApplyOrder(t *testing.T) {
	var calls []string
	record := func(name string, pass bool) Filter {
		return Func(func(p *packet.Packet) bool {
			calls = append(calls, name)
			return pass
		})
	}

	filters := []Filter{record("a", true), record("b", false), record("c", true)}
	assert.False(t, Apply(filters, sensor(1)))
	assert.Equal(t, []string{"a", "b"}, calls)

	calls = nil
	assert.True(t, Apply([]Filter{record("a", true), record("c", true)}, sensor(1)))
	assert.Equal(t, []string{"a", "c"}, calls)

	assert.True(t, Apply(nil, sensor(1)))
}

func TestComposition(t *testing.T) {
	// type filter followed by subsampler: rejected by either means rejected
	chain := []Filter{
		NewTypeFilter(packet.KindSensorData | packet.KindMessage),
		NewSubsampler(1, packet.KindSensorData),
	}
	summary := &packet.Packet{Body: &packet.Summary{}}
	assert.False(t, Apply(chain, summary))
	assert.True(t, Apply(chain, sensor(1)))
	assert.False(t, Apply(chain, sensor(2)))
	assert.True(t, Apply(chain, sensor(3)))
	assert.True(t, Apply(chain, message(4)))
}

func TestParse(t *testing.T) {
	f, err := Parse("types=sensor,message")
	require.NoError(t, err)
	tf, ok := f.(*TypeFilter)
	require.True(t, ok)
	assert.Equal(t, packet.KindSensorData|packet.KindMessage, tf.Mask)

	f, err = Parse("subsample=4:metadata")
	require.NoError(t, err)
	ss, ok := f.(*Subsampler)
	require.True(t, ok)
	assert.Equal(t, 4, ss.skip)
	assert.Equal(t, packet.KindMetadata, ss.mask)

	f, err = Parse("subsample=0")
	require.NoError(t, err)
	assert.Equal(t, "subsample=0:all", f.(*Subsampler).String())

	for _, s := range []string{"types", "types=foo", "subsample=x", "bogus=1", "subsample=1:nope"} {
		_, err = Parse(s)
		assert.Error(t, err, "filter: %s", s)
	}

	filters, err := ParseAll([]string{"types=all", "subsample=2"})
	require.NoError(t, err)
	assert.Len(t, filters, 2)
}
