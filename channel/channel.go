// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the fedpro.Channel and
// fedpro.Transport interfaces.
package channel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/fedpro"
)

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without encoding into binary. Messages sent to A are received by B
// and vice versa. Closing either channel closes both directions, as with a
// socket.
func Direct() (A, B fedpro.Channel) {
	a2b := make(chan *fedpro.Message)
	b2a := make(chan *fedpro.Message)
	link := &link{done: make(chan struct{})}
	A = direct{send: a2b, recv: b2a, link: link}
	B = direct{send: b2a, recv: a2b, link: link}
	return
}

type link struct {
	once sync.Once
	done chan struct{}
}

func (l *link) close() { l.once.Do(func() { close(l.done) }) }

type direct struct {
	send chan<- *fedpro.Message
	recv <-chan *fedpro.Message
	*link
}

// Send implements a method of the [fedpro.Channel] interface.
func (d direct) Send(msg *fedpro.Message) error {
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case <-d.done:
		return net.ErrClosed
	case d.send <- msg:
		return nil
	}
}

// Recv implements a method of the [fedpro.Channel] interface.
func (d direct) Recv() (*fedpro.Message, error) {
	select {
	case <-d.done:
		return nil, net.ErrClosed
	case msg := <-d.recv:
		return msg, nil
	}
}

// Close implements a method of the [fedpro.Channel] interface.
func (d direct) Close() error { d.close(); return nil }

// IO constructs a channel that receives from r and sends to wc. Closing the
// channel closes wc, and also r if it is an [io.Closer] distinct from wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	c := IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
	if rc, ok := r.(io.Closer); ok && rc != io.Closer(wc) {
		c.rc = rc
	}
	return c
}

// An IOChannel sends and receives messages on a reader and a writer.
type IOChannel struct {
	r  *bufio.Reader
	w  *bufio.Writer
	c  io.Closer
	rc io.Closer
}

// Send implements a method of the [fedpro.Channel] interface.
func (c IOChannel) Send(msg *fedpro.Message) error {
	if _, err := msg.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [fedpro.Channel] interface.
func (c IOChannel) Recv() (*fedpro.Message, error) {
	var msg fedpro.Message
	if _, err := msg.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close implements a method of the [fedpro.Channel] interface.
func (c IOChannel) Close() error {
	err := c.c.Close()
	if c.rc != nil {
		err = errors.Join(err, c.rc.Close())
	}
	return err
}

// A Dialer is a [fedpro.Transport] that opens a socket connection to a fixed
// address for each channel.
type Dialer struct {
	// Address is the address of the runtime infrastructure, in a form
	// accepted by [fedpro.SplitAddress].
	Address string

	// Timeout, if positive, bounds the time allowed to establish each
	// connection.
	Timeout time.Duration
}

// Open implements the [fedpro.Transport] interface.
func (d Dialer) Open(ctx context.Context) (fedpro.Channel, error) {
	network, addr := fedpro.SplitAddress(d.Address)
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}

// Broken returns a channel whose operations all fail immediately with err.
// If err == nil, the channel reports [net.ErrClosed].
func Broken(err error) fedpro.Channel {
	if err == nil {
		err = net.ErrClosed
	}
	return broken{err: err}
}

type broken struct{ err error }

func (b broken) Send(*fedpro.Message) error     { return b.err }
func (b broken) Recv() (*fedpro.Message, error) { return nil, b.err }
func (b broken) Close() error                   { return nil }

// ErrBroken is reported by the channels returned by [BreakFirst].
var ErrBroken = errors.New("broken connection")

// BreakFirst returns a transport whose first n calls to Open succeed but
// return a channel that fails all operations with [ErrBroken]. Subsequent
// calls are delegated to tr.
func BreakFirst(n int, tr fedpro.Transport) *Faulty {
	f := &Faulty{tr: tr}
	f.broken.Store(int64(n))
	return f
}

// Faulty is a transport that injects failures ahead of another transport.
type Faulty struct {
	tr     fedpro.Transport
	broken atomic.Int64
	opens  atomic.Int64
}

// Open implements the [fedpro.Transport] interface.
func (f *Faulty) Open(ctx context.Context) (fedpro.Channel, error) {
	f.opens.Add(1)
	if f.broken.Add(-1) >= 0 {
		return Broken(ErrBroken), nil
	}
	return f.tr.Open(ctx)
}

// Opens reports the number of times Open has been called on f.
func (f *Faulty) Opens() int { return int(f.opens.Load()) }
