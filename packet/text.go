package packet

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/toon-format/toon-go"
)

func printable(d []byte) bool {
	if !utf8.Valid(d) {
		return false
	}
	for _, b := range d {
		if b < 32 && b != '\n' && b != '\t' && b != '\r' {
			return false
		}
	}
	return true
}

func bytesToView(d []byte) string {
	if printable(d) {
		return string(d)
	}
	return "hex:" + hex.EncodeToString(d)
}

// View returns a map representation of a packet suitable for
// toon or json encoding
func View(p *Packet) map[string]any {
	m := map[string]any{
		"source": p.SourceID,
		"time":   p.SystemTime,
		"seq":    p.SequenceNo,
		"mdref":  p.MetadataRef,
		"kind":   p.Kind().String(),
	}
	if p.ParentID != 0 {
		m["parent"] = p.ParentID
	}
	if md, ok := p.Body.(*Metadata); ok && len(md.Cause) > 0 {
		m["cause"] = bytesToView(md.Cause)
	}
	if d := p.Payload(); len(d) > 0 {
		m["payload"] = bytesToView(d)
	}
	return m
}

// Text renders a packet in toon format
func Text(p *Packet) (string, error) {
	d, err := toon.Marshal(View(p))
	if err != nil {
		return "", err
	}
	return string(d), nil
}
