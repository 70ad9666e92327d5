package devlog

import "errors"

var (
	// ErrNoData is returned when a query matches no packets
	ErrNoData = errors.New("no data")
	// ErrOutOfRange is returned when reading past the durable end of
	// the data store or for an unknown ordinal
	ErrOutOfRange = errors.New("out of range")
	// ErrSizeMismatch is returned when fewer bytes than expected
	// could be read from the data store
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrNoSuchElement is returned by Iterator.Next() when there are
	// no more packets or a packet can't be decoded
	ErrNoSuchElement = errors.New("no such element")
	// ErrInvalidCount is returned for retrieval requests with max < 1
	ErrInvalidCount = errors.New("max count must be at least 1")
	// ErrCorruptIndex is returned when an index file can't be parsed
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrClosed is returned when using a closed log
	ErrClosed = errors.New("log is closed")
)
