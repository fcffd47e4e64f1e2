// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/creachadair/fedpro/internal/backlog"
	"github.com/creachadair/fedpro/seqnum"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// ErrHeartbeatTimeout is reported when the peer does not answer a heartbeat
// in time. It is fatal to the session.
var ErrHeartbeatTimeout = errors.New("heartbeat timed out")

// State is the lifecycle state of a [Session].
type State int32

const (
	StateNew        State = iota // not yet started
	StateConnecting              // establishing or resuming a connection
	StateRunning                 // connected and exchanging messages
	StateTerminated              // ended; no further transitions occur
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateRunning:
		return "RUNNING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("STATE:%d", int32(s))
	}
}

// A Transition describes a change of session state.
type Transition struct {
	From, To State
	Err      error // the cause of the transition, or nil
}

// A StateListener is notified of session state transitions.
type StateListener func(Transition)

// A ReceiveFunc receives the data messages delivered to a session. It is
// called synchronously by the receive loop, in the order messages arrive.
type ReceiveFunc func(*Message)

// A Session manages one logical connection to the runtime infrastructure.
//
// Call Start to connect. Once started, a session numbers every message it
// sends, validates the numbering of every message it receives, and probes the
// peer with heartbeats. It runs until Close is called, the connection is lost
// and cannot be resumed, or a protocol fatal error occurs. Use Wait to wait
// for the session to end and report its status.
type Session struct {
	tr   Transport
	cfg  Config
	log  zerolog.Logger
	plog atomic.Pointer[MessageLogger]
	recv ReceiveFunc

	tasks  *taskgroup.Group
	ctx    context.Context // ends when the session terminates
	cancel context.CancelFunc

	out struct {
		// Must hold the lock to send, to set ch, or to advance seq.
		sync.Mutex
		ch Channel // nil while resuming
	}
	seq       seqnum.Counter // last sequence number sent
	lastRecv  seqnum.Counter // last sequence number received
	heartbeat seqnum.Counter // outstanding heartbeat, or None
	hbSent    atomic.Int64   // when the outstanding heartbeat was sent (ns)
	id        atomic.Int64   // session ID assigned by the peer
	attempts  atomic.Int64   // channels opened
	backlog   *backlog.Buffer[*Message]

	// Transitions are serialized by notify, so that listeners observe them
	// in order. It is always acquired before μ.
	notify sync.Mutex

	μ         sync.Mutex
	state     State
	err       error // the cause of termination
	conn      *conn // the current connection
	closing   bool  // Close has been called
	listeners []listener
	nextL     int

	done     chan struct{} // closed on termination
	closeAck chan struct{} // closed when the peer acknowledges termination
	ackOnce  sync.Once
}

type listener struct {
	id int
	f  StateListener
}

// conn is one live channel and the service routines attached to it.
type conn struct {
	ch   Channel
	stop chan struct{}
	once sync.Once
}

func newConn(ch Channel) *conn { return &conn{ch: ch, stop: make(chan struct{})} }

func (c *conn) close() {
	c.once.Do(func() {
		close(c.stop)
		c.ch.Close()
	})
}

// NewSession constructs a new unstarted session that opens channels using tr.
func NewSession(tr Transport, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tr:       tr,
		cfg:      cfg,
		log:      zerolog.Nop(),
		tasks:    taskgroup.New(nil),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		closeAck: make(chan struct{}),
	}
	s.seq.Set(seqnum.None)
	s.lastRecv.Set(seqnum.None)
	s.heartbeat.Set(seqnum.None)
	return s
}

// SetLogger sets the logger used for session diagnostics, and returns s to
// permit chaining. It must be called before Start.
func (s *Session) SetLogger(log zerolog.Logger) *Session { s.log = log; return s }

// LogMessages registers a callback that will be invoked for each message
// exchanged with the peer, including messages that are discarded. Passing
// nil disables message logging. LogMessages returns s to permit chaining.
//
// The logger is invoked synchronously, prior to sending a message or to
// dispatching a received one.
func (s *Session) LogMessages(log MessageLogger) *Session {
	if log == nil {
		s.plog.Store(nil)
	} else {
		s.plog.Store(&log)
	}
	return s
}

func (s *Session) logMessage(m *Message, sent bool) {
	if f := s.plog.Load(); f != nil {
		(*f)(MessageInfo{Message: m, Sent: sent})
	}
}

// OnStateChange registers f to be notified of every subsequent state
// transition of s, and returns a function that removes the registration.
//
// Listeners are called synchronously, in order of registration, by the
// goroutine that causes the transition. A listener may inspect the session,
// but must not call Close or otherwise cause a transition itself.
func (s *Session) OnStateChange(f StateListener) (remove func()) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.nextL++
	id := s.nextL
	s.listeners = append(s.listeners, listener{id: id, f: f})
	return func() {
		s.μ.Lock()
		defer s.μ.Unlock()
		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(l listener) bool { return l.id == id })
	}
}

// AwaitState blocks until s enters the specified state, ctx ends, or s
// terminates. It reports nil if the state was reached.
func (s *Session) AwaitState(ctx context.Context, want State) error {
	reached := make(chan State, 1)
	remove := s.OnStateChange(func(t Transition) {
		if t.To == want || t.To == StateTerminated {
			select {
			case reached <- t.To:
			default:
			}
		}
	})
	defer remove()

	got := s.State()
	if got != want && got != StateTerminated {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case got = <-reached:
		}
	}
	if got == want {
		return nil
	} else if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	}
	return ErrSessionTerminated
}

// State reports the current state of s.
func (s *Session) State() State {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.state
}

// Err reports the cause of termination of s. It is nil while s is active, or
// if it was closed by the caller.
func (s *Session) Err() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.err
}

// ID reports the session ID assigned by the peer, or 0 if none has been
// assigned yet.
func (s *Session) ID() int64 { return s.id.Load() }

// Attempts reports the number of channels s has opened, including those that
// failed.
func (s *Session) Attempts() int { return int(s.attempts.Load()) }

// Done returns a channel that is closed when s terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Config returns the settings for s.
func (s *Session) Config() Config { return s.cfg }

// transition moves s from state "from" to state "to" and notifies listeners.
// It reports false without effect if s is not in state "from".
func (s *Session) transition(from, to State, cause error) bool {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.μ.Lock()
	if s.state != from {
		s.μ.Unlock()
		return false
	}
	s.state = to
	ls := slices.Clone(s.listeners)
	s.μ.Unlock()

	s.log.Info().Int64("session", s.ID()).Stringer("from", from).Stringer("to", to).
		AnErr("cause", cause).Msg("session state changed")
	notifyAll(ls, Transition{From: from, To: to, Err: cause})
	return true
}

// terminate moves s to the terminated state, closes its connection, and
// notifies listeners. Only the first call has any effect.
func (s *Session) terminate(cause error) bool {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.μ.Lock()
	if s.state == StateTerminated {
		s.μ.Unlock()
		return false
	}
	old := s.state
	s.state = StateTerminated
	s.err = cause
	c := s.conn
	ls := slices.Clone(s.listeners)
	s.μ.Unlock()

	s.cancel()
	if c != nil {
		c.close()
	}
	metrics.terminated.Add(1)

	ev := s.log.Info()
	if cause != nil {
		ev = s.log.Error().Err(cause)
	}
	ev.Int64("session", s.ID()).Stringer("from", old).Msg("session terminated")

	notifyAll(ls, Transition{From: old, To: StateTerminated, Err: cause})
	close(s.done)
	return true
}

func notifyAll(ls []listener, t Transition) {
	for _, l := range ls {
		l.f(t)
	}
}

// fail terminates s because of a fatal error.
func (s *Session) fail(err error) {
	var perr *ProtocolError
	if errors.As(err, &perr) || errors.Is(err, ErrHeartbeatTimeout) {
		metrics.protocolErr.Add(1)
	}
	s.terminate(err)
}

// Start connects s to the peer and establishes a new session. It blocks until
// the session is running or has failed. On success, data messages received
// from the peer are delivered to recv.
//
// Start retries failed connection attempts with a fresh channel, up to the
// configured limit, waiting between attempts according to the configured
// backoff. A rejection by the peer or a protocol error is not retried.
// If Start fails, s is terminated.
func (s *Session) Start(ctx context.Context, recv ReceiveFunc) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !s.transition(StateNew, StateConnecting, nil) {
		return ErrAlreadyStarted
	}
	s.recv = recv

	// Closing the session while we are connecting abandons the attempt.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ch, err := s.connect(cctx, "connect", s.handshake)
	if err != nil {
		s.fail(err)
		return err
	}
	if s.cfg.Resume {
		s.backlog = backlog.New[*Message](s.cfg.MaxBacklog)
	}

	c := newConn(ch)
	s.out.Lock()
	s.out.ch = ch
	s.out.Unlock()
	s.μ.Lock()
	s.conn = c
	s.μ.Unlock()

	if !s.transition(StateConnecting, StateRunning, nil) {
		c.close()
		return ErrSessionTerminated
	}
	s.serve(c)
	return nil
}

// connect opens a channel and runs shake on it, retrying on failure.
func (s *Session) connect(ctx context.Context, kind string, shake func(context.Context, Channel) error) (Channel, error) {
	bo := s.cfg.Backoff.NewBackOff()
	for try := 1; ; try++ {
		s.attempts.Add(1)
		metrics.connAttempt.Add(1)

		ch, err := s.open(ctx)
		if err == nil {
			if err = shake(ctx, ch); err == nil {
				return ch, nil
			}
			ch.Close()
		}
		metrics.connFailed.Add(1)

		var rerr *RejectedError
		var perr *ProtocolError
		if errors.As(err, &rerr) || errors.As(err, &perr) {
			return nil, err
		} else if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		} else if try > s.cfg.MaxRetryAttempts {
			return nil, &RetryError{Attempts: try, Err: err}
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, &RetryError{Attempts: try, Err: err}
		}
		s.log.Warn().Err(err).Int("attempt", try).Dur("delay", delay).Msg(kind + " attempt failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, context.Cause(ctx)
		case <-t.C:
		}
	}
}

func (s *Session) open(ctx context.Context) (Channel, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	return s.tr.Open(ctx)
}

// exchange sends req on ch and waits for a reply of the given type.
func (s *Session) exchange(ctx context.Context, ch Channel, req *Message, want MessageType) (*Message, error) {
	s.logMessage(req, true)
	if err := ch.Send(req); err != nil {
		return nil, err
	}
	metrics.msgSent.Add(1)

	// A channel does not obey a context, so close it to unblock the receive
	// if ctx ends or the timeout expires.
	var expired atomic.Bool
	t := time.AfterFunc(s.cfg.HandshakeTimeout, func() { expired.Store(true); ch.Close() })
	defer t.Stop()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	rsp, err := ch.Recv()
	if err != nil {
		if expired.Load() {
			return nil, fmt.Errorf("no %v within %v", want, s.cfg.HandshakeTimeout)
		}
		return nil, err
	}
	metrics.msgRecv.Add(1)
	s.logMessage(rsp, false)
	if rsp.Type != want {
		return nil, protocolErrorf("got %v, want %v", rsp.Type, want)
	} else if !rsp.Seq.Valid() {
		return nil, protocolErrorf("invalid sequence number %v in %v", rsp.Seq, rsp.Type)
	}
	return rsp, nil
}

// handshake requests a new session on ch.
func (s *Session) handshake(ctx context.Context, ch Channel) error {
	// Each attempt starts a fresh stream in both directions.
	s.seq.Set(seqnum.None)
	s.lastRecv.Set(seqnum.None)

	req := &Message{
		Header: Header{
			Seq:          s.seq.Increment(),
			LastReceived: seqnum.None,
			Type:         NewSessionRequest,
		},
		Payload: SessionRequest{Version: s.cfg.ProtocolVersion}.Encode(),
	}
	rsp, err := s.exchange(ctx, ch, req, NewSessionStatus)
	if err != nil {
		return err
	}
	var st SessionStatus
	if err := st.UnmarshalBinary(rsp.Payload); err != nil {
		return protocolErrorf("%v", err)
	} else if st.Reason != ReasonSuccess {
		return &RejectedError{Reason: st.Reason}
	}
	s.lastRecv.Set(rsp.Seq)
	s.id.Store(rsp.SessionID)
	s.log.Debug().Int64("session", rsp.SessionID).Msg("session established")
	return nil
}

// serve starts the service routines for c.
func (s *Session) serve(c *conn) {
	s.tasks.Go(func() error { s.receive(c); return nil })
	if s.cfg.HeartbeatInterval > 0 {
		s.tasks.Go(func() error { s.beat(c); return nil })
	}
}

// receive reads and dispatches messages from c until it fails.
func (s *Session) receive(c *conn) {
	for {
		msg, err := c.ch.Recv()
		if err != nil {
			s.lost(c, err)
			return
		}
		metrics.msgRecv.Add(1)
		s.logMessage(msg, false)
		if err := s.dispatch(msg); err != nil {
			s.fail(err)
			return
		}
	}
}

// dispatch routes an inbound message from the peer.
// Any error it reports is fatal to the session.
func (s *Session) dispatch(msg *Message) error {
	if msg.Type.handshake() {
		return protocolErrorf("unexpected %v outside handshake", msg.Type)
	} else if !msg.Seq.Valid() {
		return protocolErrorf("invalid sequence number %v in %v", msg.Seq, msg.Type)
	} else if want := s.lastRecv.Get().Next(); msg.Seq != want {
		return protocolErrorf("sequence number %v in %v, want %v", msg.Seq, msg.Type, want)
	}
	s.lastRecv.Set(msg.Seq)
	if s.backlog != nil {
		s.backlog.Ack(msg.LastReceived)
	}

	switch msg.Type {
	case Heartbeat:
		s.send(HeartbeatResponse, HeartbeatAck{ResponseTo: msg.Seq}.Encode(), nil)

	case HeartbeatResponse:
		var ack HeartbeatAck
		if err := ack.UnmarshalBinary(msg.Payload); err != nil {
			return protocolErrorf("%v", err)
		}
		want := s.heartbeat.GetAndSet(seqnum.None)
		if !want.Valid() {
			return protocolErrorf("heartbeat response to %v with no heartbeat outstanding", ack.ResponseTo)
		} else if ack.ResponseTo != want {
			return protocolErrorf("heartbeat response to %v, want %v", ack.ResponseTo, want)
		}

	case TerminateSession:
		s.send(SessionTerminated, nil, nil)
		return ErrTerminatedByPeer

	case SessionTerminated:
		s.ackOnce.Do(func() { close(s.closeAck) })

	default:
		if msg.Type.IsData() {
			if s.recv != nil {
				s.recv(msg)
			}
			return nil
		}
		metrics.msgDropped.Add(1)
		s.log.Debug().Int64("session", s.ID()).Stringer("type", msg.Type).Msg("dropped message of unknown type")
	}
	return nil
}

// beat sends periodic heartbeats on c and checks that they are answered.
func (s *Session) beat(c *conn) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	timeout := s.cfg.heartbeatTimeout()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
		}

		if s.heartbeat.Get().Valid() {
			if since := time.Since(time.Unix(0, s.hbSent.Load())); since >= timeout {
				s.fail(fmt.Errorf("%w: no response after %v", ErrHeartbeatTimeout, since.Round(time.Millisecond)))
				return
			}
			continue // still waiting
		}
		if _, err := s.send(Heartbeat, nil, func(seq seqnum.Value) {
			s.hbSent.Store(time.Now().UnixNano())
			s.heartbeat.Set(seq)
		}); err != nil {
			return
		}
		metrics.heartbeats.Add(1)
	}
}

// Send sends a data message of the given type with the specified payload,
// and returns the sequence number assigned to it. Only data message types
// may be sent.
func (s *Session) Send(t MessageType, payload []byte) (seqnum.Value, error) {
	if !t.IsData() {
		return seqnum.None, fmt.Errorf("cannot send %v", t)
	}
	return s.send(t, payload, nil)
}

// send numbers and sends a message. If before != nil, it is called with the
// assigned sequence number before the message is written.
//
// While a connection is being resumed, the message is retained and sent once
// the connection is restored. If a write fails, the channel is closed so that
// the receive loop will handle the loss.
func (s *Session) send(t MessageType, payload []byte, before func(seqnum.Value)) (seqnum.Value, error) {
	s.out.Lock()
	defer s.out.Unlock()

	switch s.State() {
	case StateRunning:
	case StateConnecting:
		if s.backlog == nil || s.ID() == 0 {
			return seqnum.None, ErrNotStarted
		}
	case StateTerminated:
		return seqnum.None, ErrSessionTerminated
	default:
		return seqnum.None, ErrNotStarted
	}

	seq := s.seq.Increment()
	msg := &Message{
		Header: Header{
			Seq:          seq,
			SessionID:    s.ID(),
			LastReceived: s.lastRecv.Get(),
			Type:         t,
		},
		Payload: payload,
	}
	if before != nil {
		before(seq)
	}
	if s.backlog != nil && !s.backlog.Add(seq, msg) {
		s.log.Warn().Int64("session", s.ID()).Msg("retransmit backlog overflow, session cannot be resumed")
	}
	if s.out.ch == nil {
		return seq, nil // resuming
	}

	s.logMessage(msg, true)
	if err := s.out.ch.Send(msg); err != nil {
		s.out.ch.Close()
		if s.canResume() {
			return seq, nil
		}
		return seq, err
	}
	metrics.msgSent.Add(1)
	return seq, nil
}

func (s *Session) canResume() bool {
	return s.cfg.Resume && s.backlog != nil && s.backlog.Complete()
}

// lost handles the failure of connection c.
func (s *Session) lost(c *conn, err error) {
	c.close()

	s.μ.Lock()
	current, closing := s.conn == c, s.closing
	s.μ.Unlock()
	if !current {
		return
	} else if closing {
		s.ackOnce.Do(func() { close(s.closeAck) })
		return
	} else if !s.canResume() {
		s.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}

	if !s.transition(StateRunning, StateConnecting, err) {
		return
	}
	s.out.Lock()
	s.out.ch = nil
	s.out.Unlock()
	s.log.Warn().Err(err).Int64("session", s.ID()).Msg("connection lost, resuming")
	s.resume()
}

// resume re-establishes the session on a fresh channel and retransmits any
// messages the peer has not received.
func (s *Session) resume() {
	var peerLast seqnum.Value
	ch, err := s.connect(s.ctx, "resume", func(ctx context.Context, ch Channel) error {
		req := &Message{
			Header: Header{
				Seq:          s.seq.Get(),
				SessionID:    s.ID(),
				LastReceived: s.lastRecv.Get(),
				Type:         ResumeRequest,
			},
		}
		rsp, err := s.exchange(ctx, ch, req, ResumeStatus)
		if err != nil {
			return err
		}
		var rr ResumeResult
		if err := rr.UnmarshalBinary(rsp.Payload); err != nil {
			return protocolErrorf("%v", err)
		} else if rr.Reason != ReasonSuccess {
			return &RejectedError{Reason: rr.Reason}
		}
		peerLast = rr.LastReceived
		return nil
	})
	if err != nil {
		s.fail(fmt.Errorf("resume failed: %w", err))
		return
	}

	c := newConn(ch)
	s.out.Lock()
	s.backlog.Ack(peerLast)
	for _, msg := range s.backlog.After(peerLast) {
		s.logMessage(msg, true)
		if err := ch.Send(msg); err != nil {
			s.out.Unlock()
			c.close()
			s.fail(fmt.Errorf("resume failed: %w", err))
			return
		}
		metrics.retransmits.Add(1)
	}
	s.out.ch = ch
	s.out.Unlock()

	s.μ.Lock()
	s.conn = c
	s.μ.Unlock()

	// Restart the clock on an unanswered heartbeat; it was resent above.
	s.hbSent.Store(time.Now().UnixNano())
	if !s.transition(StateConnecting, StateRunning, nil) {
		c.close()
		return
	}
	metrics.resumes.Add(1)
	s.serve(c)
}

// Close ends the session. If s is running, Close asks the peer to terminate
// the session and waits until the peer acknowledges, ctx ends, or the
// configured close timeout elapses. Close then closes the channel, and blocks
// until the service routines have exited. Pending operations fail with
// [ErrSessionClosed].
func (s *Session) Close(ctx context.Context) error {
	s.μ.Lock()
	st := s.state
	s.closing = true
	s.μ.Unlock()

	if st == StateRunning {
		if _, err := s.send(TerminateSession, nil, nil); err == nil {
			t := time.NewTimer(s.cfg.CloseTimeout)
			select {
			case <-s.closeAck:
			case <-t.C:
				s.log.Debug().Int64("session", s.ID()).Msg("no termination acknowledgement")
			case <-ctx.Done():
			case <-s.done:
			}
			t.Stop()
		}
	}
	s.terminate(nil)
	return s.Wait()
}

// Wait blocks until s terminates and its service routines have exited, and
// reports the cause of termination. It reports nil if s was closed by the
// caller or was never started.
func (s *Session) Wait() error {
	if s.State() == StateNew {
		return nil
	}
	<-s.done
	s.tasks.Wait()
	return s.Err()
}
