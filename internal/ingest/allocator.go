package ingest

import (
	"strconv"
	"sync/atomic"
)

// DefaultIDPrefix is prepended to every sequence number
const DefaultIDPrefix = "data_"

// Allocator hands out identifiers of the form "<prefix><n>", n starting
// at 1. It is safe for concurrent use, but ids only match store order
// when Next is called inside the store's write lock.
type Allocator struct {
	prefix string
	issued atomic.Uint64
}

// NewAllocator creates an allocator using prefix, or DefaultIDPrefix if empty
func NewAllocator(prefix string) *Allocator {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return &Allocator{prefix: prefix}
}

// Next returns the next identifier
func (a *Allocator) Next() string {
	n := a.issued.Add(1)
	return a.prefix + strconv.FormatUint(n, 10)
}

