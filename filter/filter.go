// Package filter implements per-packet filters applied during retrieval
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/oceanlog/telemlog/packet"
)

// Filter decides if a packet should be returned
type Filter interface {
	Pass(p *packet.Packet) bool
}

// Func adapts a function to Filter
type Func func(p *packet.Packet) bool

func (f Func) Pass(p *packet.Packet) bool {
	return f(p)
}

// Apply runs filters in order and stops at the first one that rejects p
func Apply(filters []Filter, p *packet.Packet) bool {
	for _, f := range filters {
		if !f.Pass(p) {
			return false
		}
	}
	return true
}

// TypeFilter passes only packets whose kind is in the mask
type TypeFilter struct {
	Mask packet.Kind
}

func NewTypeFilter(mask packet.Kind) *TypeFilter {
	return &TypeFilter{Mask: mask}
}

func (f *TypeFilter) Pass(p *packet.Packet) bool {
	return f.Mask.Has(p.Kind())
}

func (f *TypeFilter) String() string {
	return "types=" + f.Mask.String()
}

// Subsampler passes every (skip+1)th packet of the kinds in mask.
// skip of 0 passes all of them, negative skip rejects all of them.
// Packets of other kinds are passed through.
type Subsampler struct {
	skip int
	mask packet.Kind

	mu sync.Mutex
	// number of matching packets skipped since the last one passed
	skipped int
	started bool
}

func NewSubsampler(skip int, mask packet.Kind) *Subsampler {
	return &Subsampler{
		skip: skip,
		mask: mask,
	}
}

func (s *Subsampler) Pass(p *packet.Packet) bool {
	if !s.mask.Has(p.Kind()) {
		return true
	}
	if s.skip < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// the first matching packet always passes
	if !s.started || s.skipped >= s.skip {
		s.started = true
		s.skipped = 0
		return true
	}
	s.skipped++
	return false
}

// Reset makes the next matching packet pass
func (s *Subsampler) Reset() {
	s.mu.Lock()
	s.started = false
	s.skipped = 0
	s.mu.Unlock()
}

func (s *Subsampler) String() string {
	return fmt.Sprintf("subsample=%d:%s", s.skip, s.mask)
}

// Parse creates a filter from a textual description:
//
//	types=sensor,metadata
//	subsample=4:sensor
//	subsample=-1:message
//	subsample=0
func Parse(s string) (Filter, error) {
	name, val, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return nil, fmt.Errorf("invalid filter '%s', expected <name>=<value>", s)
	}
	switch name {
	case "types":
		mask, err := packet.ParseKinds(val)
		if err != nil {
			return nil, err
		}
		return NewTypeFilter(mask), nil
	case "subsample":
		skipStr, kinds, hasKinds := strings.Cut(val, ":")
		skip, err := strconv.Atoi(skipStr)
		if err != nil {
			return nil, fmt.Errorf("invalid subsample interval in '%s': %w", s, err)
		}
		mask := packet.KindAll
		if hasKinds {
			if mask, err = packet.ParseKinds(kinds); err != nil {
				return nil, err
			}
		}
		return NewSubsampler(skip, mask), nil
	}
	return nil, fmt.Errorf("unknown filter '%s'", name)
}

// ParseAll parses a list of filter descriptions
func ParseAll(specs []string) ([]Filter, error) {
	var res []Filter
	for _, s := range specs {
		f, err := Parse(s)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, nil
}
