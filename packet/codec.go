package packet

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts packets to and from bytes
type Codec interface {
	Encode(p *Packet) ([]byte, error)
	Decode(d []byte) (*Packet, error)
}

var (
	ErrNoBody      = errors.New("packet has no body")
	ErrUnknownKind = errors.New("unknown packet kind")
)

// deterministic encoding: the same packet always serializes to the same bytes
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("packet: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("packet: CBOR decoder initialization failed: " + err.Error())
	}
}

type wirePacket struct {
	Kind        Kind            `cbor:"1,keyasint"`
	SourceID    int64           `cbor:"2,keyasint"`
	SystemTime  int64           `cbor:"3,keyasint"`
	SequenceNo  int64           `cbor:"4,keyasint,omitempty"`
	MetadataRef int64           `cbor:"5,keyasint,omitempty"`
	ParentID    int64           `cbor:"6,keyasint,omitempty"`
	Body        cbor.RawMessage `cbor:"7,keyasint"`
}

type cborCodec struct{}

// CBOR is the default codec
var CBOR Codec = cborCodec{}

func (cborCodec) Encode(p *Packet) ([]byte, error) {
	if p.Body == nil {
		return nil, ErrNoBody
	}
	body, err := encMode.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", p.Kind(), err)
	}
	w := wirePacket{
		Kind:        p.Kind(),
		SourceID:    p.SourceID,
		SystemTime:  p.SystemTime,
		SequenceNo:  p.SequenceNo,
		MetadataRef: p.MetadataRef,
		ParentID:    p.ParentID,
		Body:        body,
	}
	return encMode.Marshal(&w)
}

func newBody(k Kind) (Body, error) {
	switch k {
	case KindSensorData:
		return &SensorData{}, nil
	case KindMetadata:
		return &Metadata{}, nil
	case KindMessage:
		return &Message{}, nil
	case KindSummary:
		return &Summary{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
}

func (cborCodec) Decode(d []byte) (*Packet, error) {
	var w wirePacket
	if err := decMode.Unmarshal(d, &w); err != nil {
		return nil, fmt.Errorf("decoding packet: %w", err)
	}
	body, err := newBody(w.Kind)
	if err != nil {
		return nil, err
	}
	if len(w.Body) > 0 {
		if err = decMode.Unmarshal(w.Body, body); err != nil {
			return nil, fmt.Errorf("decoding %s body: %w", w.Kind, err)
		}
	}
	return &Packet{
		SourceID:    w.SourceID,
		SystemTime:  w.SystemTime,
		SequenceNo:  w.SequenceNo,
		MetadataRef: w.MetadataRef,
		ParentID:    w.ParentID,
		Body:        body,
	}, nil
}
