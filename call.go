// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/fedpro/seqnum"
)

// Status is the outcome of a call.
type Status int

const (
	StatusOK       Status = iota // the call completed with a response
	StatusCanceled               // the call was canceled by the caller
	StatusFailed                 // the call failed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCanceled:
		return "CANCELED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// A Result is the resolution of a [PendingCall].
type Result struct {
	Status Status
	Data   []byte // the response payload, if Status == StatusOK
	Err    error  // the cause, if Status != StatusOK
}

// Unwrap returns the response payload of r, or the error a synchronous
// caller should see. A canceled call is reported as an [*InternalError]
// wrapping the cause of cancellation.
func (r Result) Unwrap() ([]byte, error) {
	switch r.Status {
	case StatusOK:
		return r.Data, nil
	case StatusCanceled:
		return nil, &InternalError{Err: r.Err}
	default:
		return nil, r.Err
	}
}

func (r Result) String() string {
	if r.Status == StatusOK {
		return fmt.Sprintf("Result(OK, %d bytes)", len(r.Data))
	}
	return fmt.Sprintf("Result(%v, %v)", r.Status, r.Err)
}

// A PendingCall is the handle for a call awaiting its response.
// It is resolved exactly once: by the response, by cancellation, or by the
// termination of its session.
type PendingCall struct {
	token   seqnum.Value
	created time.Time
	c       *Client
	done    chan struct{}

	μ         sync.Mutex
	result    Result
	resolved  bool
	callbacks []func(Result)
}

func newPendingCall(c *Client) *PendingCall {
	return &PendingCall{
		token:   seqnum.None,
		created: time.Now(),
		c:       c,
		done:    make(chan struct{}),
	}
}

// Token returns the correlation token of p, the sequence number of its
// request message.
func (p *PendingCall) Token() seqnum.Value { return p.token }

// Created reports when p was dispatched.
func (p *PendingCall) Created() time.Time { return p.created }

// Done returns a channel that is closed when p is resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result reports the result of p and whether p has been resolved.
func (p *PendingCall) Result() (Result, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.result, p.resolved
}

// Wait blocks until p is resolved or ctx ends, and returns its result. If
// ctx ends first, p is canceled.
func (p *PendingCall) Wait(ctx context.Context) Result {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel(fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx)))
		<-p.done // a concurrent release resolves p promptly
	}
	r, _ := p.Result()
	return r
}

// Await blocks until p is resolved or ctx ends, and returns its unwrapped
// result. See [Result.Unwrap].
func (p *PendingCall) Await(ctx context.Context) ([]byte, error) { return p.Wait(ctx).Unwrap() }

// Cancel cancels p, if it has not already been resolved, and reports whether
// it did so. It does not recall a request already sent; a response that
// arrives later is discarded.
func (p *PendingCall) Cancel() bool { return p.cancel(ErrCanceled) }

func (p *PendingCall) cancel(err error) bool {
	if !p.c.release(p.token) {
		return false
	}
	metrics.callCanceled.Add(1)
	return p.resolve(Result{Status: StatusCanceled, Err: err})
}

// OnDone arranges for f to be called with the result of p once it is
// resolved. If p is already resolved, f is called immediately. Otherwise, f
// runs on the goroutine that resolves p, and must not block.
func (p *PendingCall) OnDone(f func(Result)) {
	p.μ.Lock()
	if !p.resolved {
		p.callbacks = append(p.callbacks, f)
		p.μ.Unlock()
		return
	}
	r := p.result
	p.μ.Unlock()
	f(r)
}

// resolve records r as the result of p, if p is not already resolved, and
// reports whether it did so.
func (p *PendingCall) resolve(r Result) bool {
	p.μ.Lock()
	if p.resolved {
		p.μ.Unlock()
		return false
	}
	p.result = r
	p.resolved = true
	cbs := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.μ.Unlock()

	if r.Status == StatusFailed {
		metrics.callFailed.Add(1)
	}
	for _, f := range cbs {
		f(r)
	}
	return true
}
