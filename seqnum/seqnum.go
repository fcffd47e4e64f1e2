// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package seqnum implements the 31-bit wrapping sequence numbers used to
// number the messages of a session.
//
// A sequence number is a non-negative 32-bit signed integer. Arithmetic is
// performed modulo 2^31, so it never produces a negative result.  The most
// negative 32-bit value is reserved as [None], which means that no sequence
// number has been assigned or observed.
package seqnum

import (
	"math"
	"strconv"
	"sync/atomic"
)

// A Value is a sequence number. Valid values are in the closed range [0, Max].
type Value int32

const (
	// Initial is the first sequence number of a stream.
	Initial Value = 0

	// Max is the largest valid sequence number.
	Max Value = math.MaxInt32

	// None is the sentinel value denoting "no sequence number".
	None Value = math.MinInt32

	mask   = int64(Max)
	window = int64(1) << 30 // half the sequence space
)

// Valid reports whether v is in the valid range of sequence numbers.
func (v Value) Valid() bool { return v >= 0 }

// Next returns the successor of v. If v is negative (including [None]), the
// result is [Initial]. The successor of [Max] is 0.
func (v Value) Next() Value {
	if v < 0 || v == Max {
		return Initial
	}
	return v + 1
}

// After reports whether v follows o within half of the sequence space,
// allowing for wraparound. If o is not valid, every valid v follows it.
func (v Value) After(o Value) bool {
	if !v.Valid() {
		return false
	} else if !o.Valid() {
		return true
	}
	d := Distance(o, v)
	return d > 0 && int64(d) < window
}

func (v Value) String() string {
	if v == None {
		return "none"
	}
	return strconv.Itoa(int(v))
}

// Sum returns (a + b) mod 2^31.
func Sum(a, b Value) Value { return Value((int64(a) + int64(b)) & mask) }

// Distance returns the number of steps from "from" forward to "to",
// modulo 2^31.
func Distance(from, to Value) Value { return Value((int64(to) - int64(from)) & mask) }

// A Counter is a sequence number that is safe for concurrent use.
// The zero value holds [Initial]; use [NewCounter] to start from another
// value such as [None].
type Counter struct{ v atomic.Int32 }

// NewCounter constructs a counter holding v.
func NewCounter(v Value) *Counter {
	c := new(Counter)
	c.Set(v)
	return c
}

// Get returns the current value of c.
func (c *Counter) Get() Value { return Value(c.v.Load()) }

// Set sets the value of c to v.
func (c *Counter) Set(v Value) { c.v.Store(int32(v)) }

// Increment advances c to the successor of its current value, as defined by
// [Value.Next], and returns the new value.
func (c *Counter) Increment() Value {
	for {
		old := c.v.Load()
		next := Value(old).Next()
		if c.v.CompareAndSwap(old, int32(next)) {
			return next
		}
	}
}

// GetAndSet sets the value of c to v and returns the previous value.
func (c *Counter) GetAndSet(v Value) Value { return Value(c.v.Swap(int32(v))) }

// CompareAndSet sets c to v if it currently holds old, and reports whether
// it did so.
func (c *Counter) CompareAndSet(old, v Value) bool {
	return c.v.CompareAndSwap(int32(old), int32(v))
}

func (c *Counter) String() string { return c.Get().String() }
