// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package backlog implements a bounded buffer of sent messages awaiting
// acknowledgement, used to retransmit them after a connection is resumed.
package backlog

import (
	"sync"

	"github.com/creachadair/fedpro/seqnum"
)

// A Buffer retains values in sequence order until they are acknowledged.
// A Buffer is safe for concurrent use by multiple goroutines.
type Buffer[T any] struct {
	μ     sync.Mutex
	max   int
	items []entry[T]
	lost  bool // an unacknowledged value was discarded
}

type entry[T any] struct {
	seq seqnum.Value
	v   T
}

// New constructs an empty buffer holding at most max values.
// If max ≤ 0, the buffer is unbounded.
func New[T any](max int) *Buffer[T] { return &Buffer[T]{max: max} }

// Add records v with sequence number seq. Values must be added in sequence
// order. If the buffer is full, the oldest value is discarded and Add
// reports false; after that the buffer is no longer [Buffer.Complete].
func (b *Buffer[T]) Add(seq seqnum.Value, v T) bool {
	b.μ.Lock()
	defer b.μ.Unlock()
	ok := true
	if b.max > 0 && len(b.items) >= b.max {
		b.items[0] = entry[T]{} // release for GC
		b.items = b.items[1:]
		b.lost = true
		ok = false
	}
	b.items = append(b.items, entry[T]{seq: seq, v: v})
	return ok
}

// Ack discards all values whose sequence numbers are at or before seq, and
// returns the number of values discarded. If seq is not valid, Ack does
// nothing.
func (b *Buffer[T]) Ack(seq seqnum.Value) int {
	if !seq.Valid() {
		return 0
	}
	b.μ.Lock()
	defer b.μ.Unlock()
	var n int
	for n < len(b.items) && !b.items[n].seq.After(seq) {
		b.items[n] = entry[T]{}
		n++
	}
	b.items = b.items[n:]
	return n
}

// After returns the values whose sequence numbers follow seq, in order.
// If seq is not valid, all values are returned.
func (b *Buffer[T]) After(seq seqnum.Value) []T {
	b.μ.Lock()
	defer b.μ.Unlock()
	var out []T
	for _, e := range b.items {
		if e.seq.After(seq) {
			out = append(out, e.v)
		}
	}
	return out
}

// Len reports the number of values in b.
func (b *Buffer[T]) Len() int {
	b.μ.Lock()
	defer b.μ.Unlock()
	return len(b.items)
}

// Complete reports whether b still holds every unacknowledged value, that
// is, whether no value was discarded by overflow.
func (b *Buffer[T]) Complete() bool {
	b.μ.Lock()
	defer b.μ.Unlock()
	return !b.lost
}
