// Package packet defines instrument packets stored in a device log
// and the codec used to serialize them.
package packet

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of packet body. Values are bit flags so
// that a set of kinds can be expressed as a mask.
type Kind uint8

const (
	KindSensorData Kind = 1 << iota
	KindMetadata
	KindMessage
	KindSummary

	// KindAll matches every kind
	KindAll = KindSensorData | KindMetadata | KindMessage | KindSummary
)

var kindNames = []struct {
	kind Kind
	name string
}{
	{KindSensorData, "sensor"},
	{KindMetadata, "metadata"},
	{KindMessage, "message"},
	{KindSummary, "summary"},
}

// Has returns true if any kind in o is also in k
func (k Kind) Has(o Kind) bool {
	return k&o != 0
}

func (k Kind) String() string {
	if k == KindAll {
		return "all"
	}
	var parts []string
	for _, kn := range kindNames {
		if k&kn.kind != 0 {
			parts = append(parts, kn.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return strings.Join(parts, ",")
}

// ParseKinds parses comma-separated kind names ("sensor,metadata", "all")
// into a mask
func ParseKinds(s string) (Kind, error) {
	var res Kind
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "all" {
			res |= KindAll
			continue
		}
		found := false
		for _, kn := range kindNames {
			if kn.name == part || kn.name+"data" == part {
				res |= kn.kind
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown packet kind '%s'", part)
		}
	}
	if res == 0 {
		return 0, fmt.Errorf("no packet kinds in '%s'", s)
	}
	return res, nil
}

// Body is the kind-specific part of a packet.
// Implemented by *SensorData, *Metadata, *Message and *Summary.
type Body interface {
	Kind() Kind
	isBody()
}

// SensorData is raw instrument output
type SensorData struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
}

// Metadata describes instrument state. Packets logged after it refer
// to it through MetadataRef.
type Metadata struct {
	Cause []byte `cbor:"1,keyasint,omitempty"`
	Bytes []byte `cbor:"2,keyasint,omitempty"`
}

// Message is a free-form device message
type Message struct {
	Message []byte `cbor:"1,keyasint,omitempty"`
}

// Summary is a digest computed from a series of sensor packets
type Summary struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
}

func (*SensorData) Kind() Kind { return KindSensorData }
func (*Metadata) Kind() Kind   { return KindMetadata }
func (*Message) Kind() Kind    { return KindMessage }
func (*Summary) Kind() Kind    { return KindSummary }

func (*SensorData) isBody() {}
func (*Metadata) isBody()   {}
func (*Message) isBody()    {}
func (*Summary) isBody()    {}

// Packet is a timestamped record produced by an instrument
type Packet struct {
	SourceID int64
	// milliseconds since epoch
	SystemTime int64
	// assigned by the log on append
	SequenceNo int64
	// sequence number of the most recent metadata packet, assigned on append
	MetadataRef int64
	ParentID    int64
	Body        Body
}

// Kind returns kind of the packet body, 0 if there's no body
func (p *Packet) Kind() Kind {
	if p == nil || p.Body == nil {
		return 0
	}
	return p.Body.Kind()
}

// Time returns SystemTime as time.Time
func (p *Packet) Time() time.Time {
	return time.UnixMilli(p.SystemTime).UTC()
}

// Payload returns the main byte payload of the body
func (p *Packet) Payload() []byte {
	switch b := p.Body.(type) {
	case *SensorData:
		return b.Data
	case *Metadata:
		return b.Bytes
	case *Message:
		return b.Message
	case *Summary:
		return b.Data
	}
	return nil
}

// Set is a result of retrieving packets from a log
type Set struct {
	Packets []*Packet
	// true if all packets matching the query were returned
	// false means the caller should re-query starting at the time
	// of the last packet
	Complete bool
}

// Len returns number of packets in the set
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Packets)
}

// Last returns the last packet in the set or nil if empty
func (s *Set) Last() *Packet {
	if s.Len() == 0 {
		return nil
	}
	return s.Packets[len(s.Packets)-1]
}
