// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package backlog_test

import (
	"testing"

	"github.com/creachadair/fedpro/internal/backlog"
	"github.com/creachadair/fedpro/seqnum"
	"github.com/google/go-cmp/cmp"
)

func TestBuffer(t *testing.T) {
	b := backlog.New[string](0)
	for i, s := range []string{"a", "b", "c", "d"} {
		if !b.Add(seqnum.Value(i), s) {
			t.Errorf("Add %q: reported overflow", s)
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, b.After(seqnum.None)); diff != "" {
		t.Errorf("After(None) (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c", "d"}, b.After(1)); diff != "" {
		t.Errorf("After(1) (-want, +got):\n%s", diff)
	}

	if n := b.Ack(seqnum.None); n != 0 {
		t.Errorf("Ack(None): discarded %d, want 0", n)
	}
	if n := b.Ack(2); n != 3 {
		t.Errorf("Ack(2): discarded %d, want 3", n)
	}
	if diff := cmp.Diff([]string{"d"}, b.After(seqnum.None)); diff != "" {
		t.Errorf("After ack (-want, +got):\n%s", diff)
	}
	if b.Len() != 1 || !b.Complete() {
		t.Errorf("Len=%d Complete=%v, want 1, true", b.Len(), b.Complete())
	}
}

func TestBufferWrap(t *testing.T) {
	b := backlog.New[int](0)
	seq := seqnum.Max - 1
	for i := range 4 {
		b.Add(seq, i)
		seq = seq.Next()
	}
	// Values were numbered Max-1, Max, 0, 1.
	if diff := cmp.Diff([]int{2, 3}, b.After(seqnum.Max)); diff != "" {
		t.Errorf("After(Max) (-want, +got):\n%s", diff)
	}
	if n := b.Ack(0); n != 3 {
		t.Errorf("Ack(0): discarded %d, want 3", n)
	}
	if diff := cmp.Diff([]int{3}, b.After(seqnum.None)); diff != "" {
		t.Errorf("After ack (-want, +got):\n%s", diff)
	}
}

func TestBufferOverflow(t *testing.T) {
	b := backlog.New[int](2)
	b.Add(0, 0)
	b.Add(1, 1)
	if b.Add(2, 2) {
		t.Error("Add beyond capacity did not report overflow")
	}
	if b.Complete() {
		t.Error("Buffer is complete after overflow")
	}
	if diff := cmp.Diff([]int{1, 2}, b.After(seqnum.None)); diff != "" {
		t.Errorf("After overflow (-want, +got):\n%s", diff)
	}
}
