// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package seqnum_test

import (
	"math"
	"testing"

	"github.com/creachadair/fedpro/seqnum"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func TestSum(t *testing.T) {
	tests := []struct {
		a, b, want seqnum.Value
	}{
		{0, 0, 0},
		{1, 2, 3},
		{seqnum.Max, 1, 0},
		{seqnum.Max, seqnum.Max, seqnum.Max - 1},
		{seqnum.Max - 1, 10, 8},
		{1 << 30, 1 << 30, 0},
	}
	for _, test := range tests {
		if got := seqnum.Sum(test.a, test.b); got != test.want {
			t.Errorf("Sum(%d, %d): got %d, want %d", test.a, test.b, got, test.want)
		}
		want := seqnum.Value((int64(test.a) + int64(test.b)) % (1 << 31))
		if got := seqnum.Sum(test.a, test.b); got != want {
			t.Errorf("Sum(%d, %d): got %d, want %d (mod 2^31)", test.a, test.b, got, want)
		}
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		in, want seqnum.Value
	}{
		{0, 1},
		{25, 26},
		{seqnum.Max, 0},
		{seqnum.None, seqnum.Initial},
		{-1, seqnum.Initial},
		{math.MinInt32 + 5, seqnum.Initial},
	}
	for _, test := range tests {
		if got := test.in.Next(); got != test.want {
			t.Errorf("Next(%v): got %v, want %v", test.in, got, test.want)
		}
	}

	// Wraparound resumes counting.
	if got := seqnum.Max.Next().Next(); got != 1 {
		t.Errorf("Next(Next(Max)): got %v, want 1", got)
	}
}

func TestAfter(t *testing.T) {
	tests := []struct {
		v, o seqnum.Value
		want bool
	}{
		{1, 0, true},
		{0, 1, false},
		{5, 5, false},
		{0, seqnum.Max, true},
		{seqnum.Max, 0, false},
		{3, seqnum.None, true},
		{seqnum.None, 3, false},
		{1 << 30, 0, false}, // exactly half the space away is ambiguous
		{1<<30 - 1, 0, true},
	}
	for _, test := range tests {
		if got := test.v.After(test.o); got != test.want {
			t.Errorf("%v.After(%v): got %v, want %v", test.v, test.o, got, test.want)
		}
	}
}

func TestCounter(t *testing.T) {
	c := seqnum.NewCounter(seqnum.None)
	if got := c.Get(); got != seqnum.None {
		t.Errorf("Get: got %v, want %v", got, seqnum.None)
	}
	if got := c.Increment(); got != seqnum.Initial {
		t.Errorf("Increment from None: got %v, want %v", got, seqnum.Initial)
	}
	c.Set(seqnum.Max)
	if got := c.Increment(); got != 0 {
		t.Errorf("Increment from Max: got %v, want 0", got)
	}
	if got := c.Increment(); got != 1 {
		t.Errorf("Increment: got %v, want 1", got)
	}
	if old := c.GetAndSet(100); old != 1 {
		t.Errorf("GetAndSet: got %v, want 1", old)
	}
	if got := c.Get(); got != 100 {
		t.Errorf("Get after GetAndSet: got %v, want 100", got)
	}
	if c.CompareAndSet(99, 5) {
		t.Error("CompareAndSet(99, 5) succeeded unexpectedly")
	}
	if !c.CompareAndSet(100, 5) {
		t.Error("CompareAndSet(100, 5) failed unexpectedly")
	}
	if got := c.String(); got != "5" {
		t.Errorf("String: got %q, want 5", got)
	}

	var z seqnum.Counter
	if got := z.Get(); got != seqnum.Initial {
		t.Errorf("Zero counter: got %v, want %v", got, seqnum.Initial)
	}
}

func TestCounterConcurrent(t *testing.T) {
	const workers, perWorker = 8, 500

	c := seqnum.NewCounter(seqnum.None)
	got := make([][]seqnum.Value, workers)

	g := taskgroup.New(nil)
	for i := range workers {
		g.Go(func() error {
			for range perWorker {
				got[i] = append(got[i], c.Increment())
			}
			return nil
		})
	}
	g.Wait()

	// Every value in [0, workers*perWorker) must have been produced exactly once.
	seen := make(map[seqnum.Value]int)
	for _, vs := range got {
		for i, v := range vs {
			seen[v]++
			if i > 0 && v <= vs[i-1] {
				t.Errorf("Values not increasing within a worker: %v then %v", vs[i-1], v)
			}
		}
	}
	if diff := cmp.Diff(workers*perWorker, len(seen)); diff != "" {
		t.Errorf("Distinct values (-want, +got):\n%s", diff)
	}
	for v, n := range seen {
		if n != 1 || !v.Valid() || int(v) >= workers*perWorker {
			t.Errorf("Value %v seen %d times", v, n)
		}
	}
}

func TestGetAndSetConcurrent(t *testing.T) {
	const workers = 16

	// Each worker swaps in its own distinct value. Collectively the previous
	// values observed must be exactly the initial value plus all but one of
	// the values swapped in, and the final value is the one not observed.
	c := seqnum.NewCounter(seqnum.None)
	prev := make([]seqnum.Value, workers)

	g := taskgroup.New(nil)
	for i := range workers {
		g.Go(func() error {
			prev[i] = c.GetAndSet(seqnum.Value(i + 1))
			return nil
		})
	}
	g.Wait()

	seen := map[seqnum.Value]bool{c.Get(): true}
	for _, p := range prev {
		if seen[p] {
			t.Errorf("Value %v observed twice", p)
		}
		seen[p] = true
	}
	if !seen[seqnum.None] {
		t.Error("Initial value was never observed")
	}
	if len(seen) != workers+1 {
		t.Errorf("Got %d distinct values, want %d", len(seen), workers+1)
	}
}
