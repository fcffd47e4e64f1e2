// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/fedpro/seqnum"
	"github.com/creachadair/mds/queue"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// A Callback is a request sent by the runtime infrastructure to the client.
type Callback struct {
	Seq  seqnum.Value // the sequence number of the request message
	Data []byte       // the request payload
}

// A CallbackHandler processes a callback and returns the response payload.
// If it reports an error, an empty response is sent.
type CallbackHandler func(context.Context, *Callback) ([]byte, error)

// A Client multiplexes concurrent calls over a single [Session].
//
// Each call is sent as a CallRequest message, and is correlated with its
// CallResponse by the sequence number of the request. When the session
// terminates, every call still pending fails with a [*ConnectionLostError].
type Client struct {
	s       *Session
	log     zerolog.Logger
	pending *xsync.MapOf[seqnum.Value, *PendingCall]

	cb struct {
		sync.Mutex
		queue   *queue.Queue[*Callback]
		handler CallbackHandler
	}
	wake chan struct{}
}

// NewClient constructs a new unstarted client that uses tr to open channels
// for its session.
func NewClient(tr Transport, cfg Config) *Client {
	c := &Client{
		s:       NewSession(tr, cfg),
		log:     zerolog.Nop(),
		pending: xsync.NewMapOf[seqnum.Value, *PendingCall](),
		wake:    make(chan struct{}, 1),
	}
	c.cb.queue = queue.New[*Callback]()
	c.s.OnStateChange(func(t Transition) {
		if t.To == StateTerminated {
			c.failAll(t.Err)
		}
	})
	return c
}

// Session returns the session underlying c.
func (c *Client) Session() *Session { return c.s }

// SetLogger sets the logger for c and its session, and returns c to permit
// chaining. It must be called before Start.
func (c *Client) SetLogger(log zerolog.Logger) *Client {
	c.log = log
	c.s.SetLogger(log)
	return c
}

// HandleCallback registers h to handle callbacks from the peer, and returns
// c to permit chaining. If h == nil, callbacks are answered with an empty
// response. Callbacks are handled one at a time, in the order received.
func (c *Client) HandleCallback(h CallbackHandler) *Client {
	c.cb.Lock()
	defer c.cb.Unlock()
	c.cb.handler = h
	return c
}

// Start starts the session for c. See [Session.Start].
func (c *Client) Start(ctx context.Context) error {
	if c.s.State() != StateNew {
		return ErrAlreadyStarted
	} else if err := c.s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	c.s.tasks.Go(func() error { c.serveCallbacks(); return nil })
	return c.s.Start(ctx, c.receive)
}

// Close closes the session for c and waits for it to end. Calls still
// pending fail with a [*ConnectionLostError] wrapping [ErrSessionClosed].
func (c *Client) Close(ctx context.Context) error { return c.s.Close(ctx) }

// Wait blocks until the session for c ends. See [Session.Wait].
func (c *Client) Wait() error { return c.s.Wait() }

// Pending reports the number of calls awaiting a response.
func (c *Client) Pending() int { return c.pending.Size() }

// Send sends a call with the given request payload, and returns a handle
// for its result without waiting for the response.
func (c *Client) Send(payload []byte) (*PendingCall, error) {
	metrics.callAsync.Add(1)
	return c.dispatch(payload)
}

// Call sends a call with the given request payload and blocks until the
// response arrives, ctx ends, or the session terminates. If ctx ends first,
// the call is canceled and Call reports an [*InternalError].
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	metrics.callSync.Add(1)
	p, err := c.dispatch(payload)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx)
}

func (c *Client) dispatch(payload []byte) (*PendingCall, error) {
	p := newPendingCall(c)

	// Register the call before the request is written, so that its response
	// cannot arrive ahead of the registration.
	_, err := c.s.send(CallRequest, payload, func(seq seqnum.Value) {
		p.token = seq
		c.pending.Store(seq, p)
		metrics.callPending.Add(1)
	})
	if err != nil {
		if p.token.Valid() {
			c.release(p.token)
		}
		return nil, err
	}

	// If the session terminated after the call was registered, the sweep of
	// pending calls may have missed it.
	if c.s.State() == StateTerminated && c.release(p.token) {
		p.resolve(Result{Status: StatusFailed, Err: &ConnectionLostError{Err: c.terminationCause()}})
	}
	return p, nil
}

// release removes the pending call for tok, and reports whether it was
// present.
func (c *Client) release(tok seqnum.Value) bool {
	if _, ok := c.pending.LoadAndDelete(tok); ok {
		metrics.callPending.Add(-1)
		return true
	}
	return false
}

func (c *Client) terminationCause() error {
	if err := c.s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// failAll resolves every pending call with a connection lost failure.
func (c *Client) failAll(cause error) {
	if cause == nil {
		cause = ErrSessionClosed
	}
	var n int
	c.pending.Range(func(tok seqnum.Value, p *PendingCall) bool {
		if c.release(tok) {
			p.resolve(Result{Status: StatusFailed, Err: &ConnectionLostError{Err: cause}})
			n++
		}
		return true
	})
	if n > 0 {
		c.log.Debug().Int64("session", c.s.ID()).Int("calls", n).Msg("failed pending calls")
	}
}

// receive handles the data messages delivered by the session.
func (c *Client) receive(msg *Message) {
	switch msg.Type {
	case CallResponse:
		var rep Reply
		if err := rep.UnmarshalBinary(msg.Payload); err != nil {
			metrics.msgDropped.Add(1)
			c.log.Debug().Err(err).Int32("seq", int32(msg.Seq)).Msg("invalid call response")
			return
		}
		p, ok := c.pending.Load(rep.ResponseTo)
		if !ok || !c.release(rep.ResponseTo) {
			metrics.rspDropped.Add(1)
			c.log.Debug().Int64("session", c.s.ID()).Int32("token", int32(rep.ResponseTo)).
				Msg("dropped response with no pending call")
			return
		}
		p.resolve(Result{Status: StatusOK, Data: rep.Data})

	case CallbackRequest:
		metrics.callbackIn.Add(1)
		c.cb.Lock()
		c.cb.queue.Add(&Callback{Seq: msg.Seq, Data: msg.Payload})
		c.cb.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}

	case CallbackResponse:
		// A callback response is never addressed to a call. If it names a
		// pending call, that call can no longer be trusted to complete.
		var rep Reply
		if err := rep.UnmarshalBinary(msg.Payload); err == nil {
			if p, ok := c.pending.Load(rep.ResponseTo); ok && c.release(rep.ResponseTo) {
				p.resolve(Result{Status: StatusFailed, Err: &InternalError{
					Err: fmt.Errorf("unexpected %v for call %v", msg.Type, rep.ResponseTo),
				}})
				return
			}
		}
		fallthrough

	default:
		metrics.msgDropped.Add(1)
		c.log.Debug().Int64("session", c.s.ID()).Stringer("type", msg.Type).Msg("dropped unexpected message")
	}
}

// serveCallbacks handles queued callbacks until the session ends.
func (c *Client) serveCallbacks() {
	for {
		select {
		case <-c.s.Done():
			return
		case <-c.wake:
		}
		for {
			c.cb.Lock()
			cb, ok := c.cb.queue.Pop()
			h := c.cb.handler
			c.cb.Unlock()
			if !ok {
				break
			}
			c.handleCallback(h, cb)
		}
	}
}

func (c *Client) handleCallback(h CallbackHandler, cb *Callback) {
	var data []byte
	if h != nil {
		var err error
		data, err = safeCallback(c.s.ctx, h, cb)
		if err != nil {
			metrics.callbackErr.Add(1)
			c.log.Warn().Err(err).Int32("seq", int32(cb.Seq)).Msg("callback handler failed")
			data = nil
		}
	}
	rep := Reply{ResponseTo: cb.Seq, Data: data}.Encode()
	if _, err := c.s.send(CallbackResponse, rep, nil); err != nil {
		c.log.Debug().Err(err).Int32("seq", int32(cb.Seq)).Msg("callback response not sent")
	}
}

func safeCallback(ctx context.Context, h CallbackHandler, cb *Callback) (_ []byte, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("callback handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, cb)
}
