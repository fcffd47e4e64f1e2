// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/channel"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := &fedpro.Message{Header: fedpro.Header{Type: fedpro.Heartbeat}}
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != msg {
			t.Errorf("Message: got %v, want %v", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
	if err := s.Send(nil); err == nil {
		t.Error("s.Send after close did not report an error")
	}
	if msg, err := c.Recv(); err == nil {
		t.Errorf("c.Recv after close: got %+v", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if msg, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", msg)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestDirectCloseUnblocks(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := channel.Direct()

	// A receiver blocked on either end is released by closing the other.
	done := taskgroup.Go(func() error {
		_, err := a.Recv()
		return err
	})
	b.Close()
	if err := done.Wait(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after remote close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := channel.IO(ar, aw)
	b := channel.IO(br, bw)

	want := &fedpro.Message{
		Header: fedpro.Header{
			Seq:          5,
			SessionID:    1234567890123,
			LastReceived: 3,
			Type:         fedpro.CallRequest,
		},
		Payload: []byte("hello, world"),
	}
	g := taskgroup.Go(func() error { return a.Send(want) })

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Send: unexpected error: %v", err)
	}
	want.PayloadLen = uint32(len(want.Payload))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Message (-want, +got):\n%s", diff)
	}

	// Closing a also closes its reader, so a pending receive on a ends.
	recv := taskgroup.Go(func() error {
		_, err := a.Recv()
		return err
	})
	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := recv.Wait(); err == nil {
		t.Error("Recv after close: got nil error")
	}
	if _, err := b.Recv(); err == nil {
		t.Error("Remote Recv after close: got nil error")
	}
	b.Close()
}

func TestBroken(t *testing.T) {
	ch := channel.Broken(nil)
	if err := ch.Send(new(fedpro.Message)); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send: got %v, want %v", err, net.ErrClosed)
	}
	if _, err := ch.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv: got %v, want %v", err, net.ErrClosed)
	}
}

func TestBreakFirst(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	var opened int
	tr := channel.BreakFirst(2, fedpro.TransportFunc(func(context.Context) (fedpro.Channel, error) {
		opened++
		a, _ := channel.Direct()
		return a, nil
	}))
	for i := range 2 {
		ch, err := tr.Open(ctx)
		if err != nil {
			t.Fatalf("Open %d: unexpected error: %v", i+1, err)
		}
		if err := ch.Send(new(fedpro.Message)); !errors.Is(err, channel.ErrBroken) {
			t.Errorf("Open %d: Send got %v, want %v", i+1, err, channel.ErrBroken)
		}
	}
	ch, err := tr.Open(ctx)
	if err != nil {
		t.Fatalf("Open 3: unexpected error: %v", err)
	}
	ch.Close()
	if opened != 1 || tr.Opens() != 3 {
		t.Errorf("Opens: got %d underlying, %d total; want 1, 3", opened, tr.Opens())
	}
}

func TestDialer(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lst.Close()

	srv := taskgroup.Go(func() error {
		conn, err := lst.Accept()
		if err != nil {
			return err
		}
		ch := channel.IO(conn, conn)
		defer ch.Close()
		msg, err := ch.Recv()
		if err != nil {
			return err
		}
		return ch.Send(msg)
	})

	d := channel.Dialer{Address: lst.Addr().String()}
	ch, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	if err := ch.Send(&fedpro.Message{Header: fedpro.Header{Type: fedpro.Heartbeat, Seq: 9}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Type != fedpro.Heartbeat || got.Seq != 9 {
		t.Errorf("Echo: got %v, want heartbeat 9", got)
	}
	if err := srv.Wait(); err != nil {
		t.Errorf("Server: %v", err)
	}
}
