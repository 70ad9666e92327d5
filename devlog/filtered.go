package devlog

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oceanlog/telemlog/filter"
	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/packet"
)

// number of index entries read at a time by QueryPackets
const chunkSize = 256

// InfiniteShelfLife disables staleness checks
const InfiniteShelfLife time.Duration = -1

type FilteredOptions struct {
	// packets older than ShelfLife are excluded from retrieval
	// 0 or negative means packets never become stale
	ShelfLife time.Duration
	// filters used by GetPackets. If nil, a filter passing all
	// packets is used
	DefaultFilters []filter.Filter
	// if nil, RealClock() is used
	Clock Clock
}

// FilteredLog retrieves packets from a log applying filters,
// a staleness cutoff and a limit on number of packets
type FilteredLog struct {
	*Log

	clock Clock

	// protects defaults, defaultsEnabled and shelfLife
	mu              sync.Mutex
	defaults        []filter.Filter
	defaultsEnabled bool
	shelfLife       time.Duration

	// serializes retrievals
	queryMu sync.Mutex
	scratch []*packet.Packet
}

// NewFilteredLog wraps l
func NewFilteredLog(l *Log, opts FilteredOptions) *FilteredLog {
	fl := &FilteredLog{
		Log:             l,
		clock:           opts.Clock,
		defaultsEnabled: true,
		shelfLife:       opts.ShelfLife,
	}
	if fl.clock == nil {
		fl.clock = RealClock()
	}
	if fl.shelfLife <= 0 {
		fl.shelfLife = InfiniteShelfLife
	}
	fl.defaults = opts.DefaultFilters
	if fl.defaults == nil {
		fl.defaults = []filter.Filter{filter.NewSubsampler(0, packet.KindAll)}
	}
	return fl
}

// ShelfLife returns the staleness cutoff, InfiniteShelfLife if disabled
func (fl *FilteredLog) ShelfLife() time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.shelfLife
}

// SetShelfLife sets the staleness cutoff. 0 or negative disables it.
func (fl *FilteredLog) SetShelfLife(d time.Duration) {
	if d <= 0 {
		d = InfiniteShelfLife
	}
	fl.mu.Lock()
	fl.shelfLife = d
	fl.mu.Unlock()
}

// SetDefaultFilters replaces default filters
func (fl *FilteredLog) SetDefaultFilters(filters ...filter.Filter) {
	fl.mu.Lock()
	fl.defaults = slices.Clone(filters)
	fl.mu.Unlock()
}

// AddDefaultFilters appends to default filters
func (fl *FilteredLog) AddDefaultFilters(filters ...filter.Filter) {
	fl.mu.Lock()
	fl.defaults = append(slices.Clone(fl.defaults), filters...)
	fl.mu.Unlock()
}

// ClearDefaultFilters removes all default filters. GetPackets will
// return packets without filtering or staleness checks.
func (fl *FilteredLog) ClearDefaultFilters() {
	fl.mu.Lock()
	fl.defaults = nil
	fl.mu.Unlock()
}

// DefaultFilters returns a copy of default filters
func (fl *FilteredLog) DefaultFilters() []filter.Filter {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return slices.Clone(fl.defaults)
}

func (fl *FilteredLog) EnableDefaultFilters() {
	fl.mu.Lock()
	fl.defaultsEnabled = true
	fl.mu.Unlock()
}

func (fl *FilteredLog) DisableDefaultFilters() {
	fl.mu.Lock()
	fl.defaultsEnabled = false
	fl.mu.Unlock()
}

func (fl *FilteredLog) DefaultFiltersEnabled() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.defaultsEnabled
}

// GetPackets returns packets using default filters and excluding stale
// packets. If default filters are disabled or there are none, packets
// are returned from the log directly, without staleness checks.
func (fl *FilteredLog) GetPackets(start, end int64, max int) (*packet.Set, error) {
	fl.mu.Lock()
	enabled := fl.defaultsEnabled
	filters := fl.defaults
	fl.mu.Unlock()

	if !enabled || len(filters) == 0 {
		return fl.Log.GetPackets(start, end, max)
	}
	return fl.QueryPackets(start, end, max, filters, true)
}

// GetFilteredPackets returns packets that pass filters, excluding stale packets
func (fl *FilteredLog) GetFilteredPackets(start, end int64, max int, filters []filter.Filter) (*packet.Set, error) {
	return fl.QueryPackets(start, end, max, filters, true)
}

// QueryPackets returns packets with start <= time <= end that pass all
// filters. Filters are applied in order and the first rejection wins.
//
// At most max packets are returned, except that a group of packets with
// the same time is never split: once max is exceeded, packets are added
// while their time is the same as the previous one. If not all matching
// packets were returned, Complete is false and the caller should query
// again starting at the time of the last returned packet.
//
// If excludeStale is true, packets older than now minus shelf life are
// skipped.
//
// Returns ErrNoData if no packets match.
func (fl *FilteredLog) QueryPackets(start, end int64, max int, filters []filter.Filter, excludeStale bool) (*packet.Set, error) {
	if max < 1 {
		return nil, ErrInvalidCount
	}
	if excludeStale {
		shelfLife := fl.ShelfLife()
		if shelfLife != InfiniteShelfLife {
			staleTime := fl.clock.Now().UnixMilli() - shelfLife.Milliseconds()
			if end < staleTime {
				return nil, fmt.Errorf("%w: no fresh data in [%d, %d] for device %d", ErrNoData, start, end, fl.deviceID)
			}
			if start < staleTime {
				log.Verbosef("device %d: moving start from %d to freshness time %d\n", fl.deviceID, start, staleTime)
				start = staleTime
			}
		}
	}

	fl.queryMu.Lock()
	defer fl.queryMu.Unlock()

	entriesLeft := fl.index.EntriesInRange(start, end)
	if entriesLeft == 0 {
		return nil, fmt.Errorf("%w: no data in [%d, %d] for device %d", ErrNoData, start, end, fl.deviceID)
	}

	out := fl.scratch[:0]
	complete := false
	gotMax := false
	done := false
	var lastTimestamp int64
	var nextOrdinal uint64

	for !done {
		var entries []Entry
		var err error
		n := min(chunkSize, entriesLeft)
		if nextOrdinal == 0 {
			entries, err = fl.index.EntriesFrom(start, n)
		} else {
			// resume after the last examined entry so that entries with
			// the same time spanning two chunks are examined only once
			entries, err = fl.index.EntriesFromOrdinal(nextOrdinal, n)
		}
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			if gotMax && e.TimeKey != lastTimestamp {
				// time changed after getting enough packets
				done = true
				break
			}
			lastTimestamp = e.TimeKey
			nextOrdinal = e.Ordinal + 1
			entriesLeft--

			p, err := fl.Decode(e)
			if err != nil {
				// unreadable records are skipped
				continue
			}
			if !filter.Apply(filters, p) {
				continue
			}
			out = append(out, p)
			if len(out) > max {
				gotMax = true
			}
		}

		if !done && entriesLeft <= 0 {
			done = true
			complete = true
		}
	}

	if len(out) == 0 {
		fl.scratch = out
		return nil, fmt.Errorf("%w: no packets in [%d, %d] for device %d after filtering", ErrNoData, start, end, fl.deviceID)
	}
	res := &packet.Set{
		Packets:  slices.Clone(out),
		Complete: complete,
	}
	clear(out)
	fl.scratch = out[:0]
	return res, nil
}
