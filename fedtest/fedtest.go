// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package fedtest provides a simulated runtime infrastructure (RTI) that
// speaks the server side of the session protocol, for use in tests and
// tools.
package fedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/channel"
	"github.com/creachadair/fedpro/internal/backlog"
	"github.com/creachadair/fedpro/seqnum"
	"github.com/creachadair/taskgroup"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// A Handler computes the response payload for a call request.
type Handler func(ctx context.Context, req []byte) []byte

// Echo is a [Handler] that returns its request unchanged.
func Echo(_ context.Context, req []byte) []byte { return req }

// A Server simulates the runtime infrastructure for any number of client
// sessions. Set its exported fields before the first connection.
type Server struct {
	// Handler answers call requests. Each call is handled in its own
	// goroutine. If nil, [Echo] is used.
	Handler Handler

	// Reject, if not [fedpro.ReasonSuccess], is the reason given to refuse
	// every new session request.
	Reject fedpro.Reason

	// IgnoreHeartbeats, if true, causes heartbeats from clients to go
	// unanswered.
	IgnoreHeartbeats bool

	// Log receives server diagnostics. The zero value discards them.
	Log zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	tasks    *taskgroup.Group
	nextID   atomic.Int64
	sessions *xsync.MapOf[int64, *session]
	pending  *xsync.MapOf[callbackKey, chan []byte]
}

type callbackKey struct {
	id  int64
	seq seqnum.Value
}

// NewServer constructs a server that answers calls with h.
// If h == nil, calls are echoed.
func NewServer(h Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Handler:  h,
		Log:      zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    taskgroup.New(nil),
		sessions: xsync.NewMapOf[int64, *session](),
		pending:  xsync.NewMapOf[callbackKey, chan []byte](),
	}
}

// SetNextID sets the ID that will be assigned to the next new session.
func (s *Server) SetNextID(id int64) { s.nextID.Store(id - 1) }

// Transport returns a transport whose channels connect directly to s.
func (s *Server) Transport() fedpro.Transport {
	return fedpro.TransportFunc(func(ctx context.Context) (fedpro.Channel, error) {
		if err := s.ctx.Err(); err != nil {
			return nil, net.ErrClosed
		}
		a, b := channel.Direct()
		s.tasks.Go(func() error { s.Serve(b); return nil })
		return a, nil
	})
}

// Sessions returns the IDs of the sessions known to s, including those whose
// connection is currently lost.
func (s *Server) Sessions() []int64 {
	var ids []int64
	s.sessions.Range(func(id int64, _ *session) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Close severs all connections to s and waits for its goroutines to exit.
func (s *Server) Close() error {
	s.cancel()
	s.sessions.Range(func(_ int64, ss *session) bool {
		ss.sever()
		return true
	})
	s.tasks.Wait()
	return nil
}

// Sever closes the current connection of session id, if any, leaving the
// session eligible to be resumed. It reports whether a connection was closed.
func (s *Server) Sever(id int64) bool {
	ss, ok := s.sessions.Load(id)
	return ok && ss.sever()
}

// Terminate asks the client of session id to end the session.
func (s *Server) Terminate(id int64) error {
	_, err := s.Send(id, fedpro.TerminateSession, nil)
	return err
}

// Send sends a message of type t with the given payload to the client of
// session id, and returns its sequence number.
func (s *Server) Send(id int64, t fedpro.MessageType, payload []byte) (seqnum.Value, error) {
	ss, ok := s.sessions.Load(id)
	if !ok {
		return seqnum.None, fmt.Errorf("unknown session %d", id)
	}
	return ss.send(t, payload)
}

// Inject sends msg to the client of session id exactly as given, without
// assigning it a sequence number. It is intended to simulate a faulty peer.
func (s *Server) Inject(id int64, msg *fedpro.Message) error {
	ss, ok := s.sessions.Load(id)
	if !ok {
		return fmt.Errorf("unknown session %d", id)
	}
	ss.μ.Lock()
	defer ss.μ.Unlock()
	if ss.ch == nil {
		return net.ErrClosed
	}
	return ss.ch.Send(msg)
}

// Callback sends a callback request with the given payload to the client of
// session id, and waits for its response or for ctx to end.
func (s *Server) Callback(ctx context.Context, id int64, data []byte) ([]byte, error) {
	ss, ok := s.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("unknown session %d", id)
	}
	rsp := make(chan []byte, 1)
	var key callbackKey
	_, err := ss.sendHook(fedpro.CallbackRequest, data, func(seq seqnum.Value) {
		key = callbackKey{id: id, seq: seq}
		s.pending.Store(key, rsp)
	})
	if err != nil {
		s.pending.Delete(key)
		return nil, err
	}
	defer s.pending.Delete(key)
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case data := <-rsp:
		return data, nil
	}
}

// Serve runs the server side of the protocol on ch until the connection
// closes or the session ends. Serve takes ownership of ch.
func (s *Server) Serve(ch fedpro.Channel) error {
	defer ch.Close()
	stop := context.AfterFunc(s.ctx, func() { ch.Close() })
	defer stop()

	msg, err := ch.Recv()
	if err != nil {
		return err
	}
	var ss *session
	switch msg.Type {
	case fedpro.NewSessionRequest:
		ss, err = s.newSession(ch, msg)
	case fedpro.ResumeRequest:
		ss, err = s.resumeSession(ch, msg)
	default:
		err = fmt.Errorf("unexpected %v at start of connection", msg.Type)
	}
	if err != nil || ss == nil {
		return err
	}
	return s.serve(ss, ch)
}

func (s *Server) newSession(ch fedpro.Channel, req *fedpro.Message) (*session, error) {
	if s.Reject != fedpro.ReasonSuccess {
		return nil, ch.Send(&fedpro.Message{
			Header:  fedpro.Header{Seq: seqnum.Initial, LastReceived: req.Seq, Type: fedpro.NewSessionStatus},
			Payload: fedpro.SessionStatus{Reason: s.Reject}.Encode(),
		})
	}
	var sr fedpro.SessionRequest
	if err := sr.UnmarshalBinary(req.Payload); err != nil || sr.Version != fedpro.ProtocolVersion {
		return nil, ch.Send(&fedpro.Message{
			Header:  fedpro.Header{Seq: seqnum.Initial, LastReceived: req.Seq, Type: fedpro.NewSessionStatus},
			Payload: fedpro.SessionStatus{Reason: fedpro.ReasonUnsupportedVersion}.Encode(),
		})
	}

	ss := &session{id: s.nextID.Add(1), ch: ch, backlog: backlog.New[*fedpro.Message](0)}
	ss.seq.Set(seqnum.None)
	ss.lastRecv.Set(req.Seq)
	s.sessions.Store(ss.id, ss)
	if _, err := ss.send(fedpro.NewSessionStatus, fedpro.SessionStatus{Reason: fedpro.ReasonSuccess}.Encode()); err != nil {
		return nil, err
	}
	s.Log.Debug().Int64("session", ss.id).Msg("new session")
	return ss, nil
}

func (s *Server) resumeSession(ch fedpro.Channel, req *fedpro.Message) (*session, error) {
	ss, ok := s.sessions.Load(req.SessionID)
	if !ok {
		return nil, ch.Send(&fedpro.Message{
			Header:  fedpro.Header{Seq: seqnum.Initial, LastReceived: req.LastReceived, Type: fedpro.ResumeStatus},
			Payload: fedpro.ResumeResult{Reason: fedpro.ReasonUnknownSession, LastReceived: seqnum.None}.Encode(),
		})
	}

	ss.μ.Lock()
	if ss.ch != nil {
		ss.ch.Close()
	}
	last := ss.lastRecv.Get()
	ss.backlog.Ack(req.LastReceived)
	if err := ch.Send(&fedpro.Message{
		Header: fedpro.Header{
			Seq:          ss.seq.Get(),
			SessionID:    ss.id,
			LastReceived: last,
			Type:         fedpro.ResumeStatus,
		},
		Payload: fedpro.ResumeResult{Reason: fedpro.ReasonSuccess, LastReceived: last}.Encode(),
	}); err != nil {
		ss.ch = nil
		ss.μ.Unlock()
		return nil, err
	}
	ss.ch = ch

	// The client may be retransmitting to us at the same time, so resend
	// the backlog while the caller starts receiving. The lock is released
	// once the backlog is sent, so that new messages follow it.
	resend := ss.backlog.After(req.LastReceived)
	s.tasks.Go(func() error {
		defer ss.μ.Unlock()
		for _, msg := range resend {
			if err := ch.Send(msg); err != nil {
				ch.Close()
				ss.ch = nil
				return nil
			}
		}
		return nil
	})
	s.Log.Debug().Int64("session", ss.id).Int("resent", len(resend)).Msg("session resumed")
	return ss, nil
}

func (s *Server) serve(ss *session, ch fedpro.Channel) error {
	for {
		msg, err := ch.Recv()
		if err != nil {
			ss.detach(ch)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		// Drop duplicates retransmitted across a resume.
		if !msg.Seq.After(ss.lastRecv.Get()) {
			continue
		}
		ss.lastRecv.Set(msg.Seq)
		ss.backlog.Ack(msg.LastReceived)

		switch msg.Type {
		case fedpro.Heartbeat:
			// Reply off the receive path; a resume may hold the session lock
			// until the client reads its retransmissions.
			if !s.IgnoreHeartbeats {
				s.tasks.Go(func() error {
					ss.send(fedpro.HeartbeatResponse, fedpro.HeartbeatAck{ResponseTo: msg.Seq}.Encode())
					return nil
				})
			}

		case fedpro.TerminateSession:
			ss.send(fedpro.SessionTerminated, nil)
			s.sessions.Delete(ss.id)
			return nil

		case fedpro.SessionTerminated:
			s.sessions.Delete(ss.id)
			return nil

		case fedpro.CallRequest:
			h := s.Handler
			if h == nil {
				h = Echo
			}
			s.tasks.Go(func() error {
				data := h(s.ctx, msg.Payload)
				ss.send(fedpro.CallResponse, fedpro.Reply{ResponseTo: msg.Seq, Data: data}.Encode())
				return nil
			})

		case fedpro.CallbackResponse:
			var rep fedpro.Reply
			if rep.UnmarshalBinary(msg.Payload) == nil {
				if rsp, ok := s.pending.LoadAndDelete(callbackKey{id: ss.id, seq: rep.ResponseTo}); ok {
					rsp <- rep.Data
				}
			}

		default:
			s.Log.Debug().Int64("session", ss.id).Stringer("type", msg.Type).Msg("ignored message")
		}
	}
}

// session is the server-side state of one client session.
type session struct {
	id       int64
	seq      seqnum.Counter
	lastRecv seqnum.Counter
	backlog  *backlog.Buffer[*fedpro.Message]

	μ  sync.Mutex
	ch fedpro.Channel // nil while disconnected
}

func (ss *session) send(t fedpro.MessageType, payload []byte) (seqnum.Value, error) {
	return ss.sendHook(t, payload, nil)
}

// sendHook numbers and sends a message. Messages are retained until the
// client acknowledges them, and sent when it reconnects if no connection is
// available.
func (ss *session) sendHook(t fedpro.MessageType, payload []byte, before func(seqnum.Value)) (seqnum.Value, error) {
	ss.μ.Lock()
	defer ss.μ.Unlock()
	seq := ss.seq.Increment()
	msg := &fedpro.Message{
		Header: fedpro.Header{
			Seq:          seq,
			SessionID:    ss.id,
			LastReceived: ss.lastRecv.Get(),
			Type:         t,
		},
		Payload: payload,
	}
	if before != nil {
		before(seq)
	}
	ss.backlog.Add(seq, msg)
	if ss.ch == nil {
		return seq, nil
	}
	if err := ss.ch.Send(msg); err != nil {
		ss.ch.Close()
		ss.ch = nil
	}
	return seq, nil
}

// detach forgets ch if it is the current connection.
func (ss *session) detach(ch fedpro.Channel) {
	ss.μ.Lock()
	defer ss.μ.Unlock()
	if ss.ch == ch {
		ss.ch = nil
	}
}

func (ss *session) sever() bool {
	ss.μ.Lock()
	defer ss.μ.Unlock()
	if ss.ch == nil {
		return false
	}
	ss.ch.Close()
	ss.ch = nil
	return true
}

// An Accepter accepts channels from clients.
type Accepter interface {
	Accept(context.Context) (fedpro.Channel, error)
}

// Loop accepts connections from acc and serves each one with s in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all connections are closed. When acc closes, the
// loop waits for active connections to finish before returning.
func (s *Server) Loop(ctx context.Context, acc Accepter) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			stop := context.AfterFunc(ctx, func() { ch.Close() })
			defer stop()
			return s.Serve(ch)
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (fedpro.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
