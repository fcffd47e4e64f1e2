// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package typed provides adapters for making calls and serving them with
// typed parameters and results instead of raw payloads.
//
// Parameters may be []byte or string, or a type that supports one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
//
// Results may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
package typed

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/fedtest"
)

// A Caller issues a call with a raw payload and waits for its response.
// [*fedpro.Client] implements this interface.
type Caller interface {
	Call(context.Context, []byte) ([]byte, error)
}

// A Sender issues a call with a raw payload without waiting.
// [*fedpro.Client] implements this interface.
type Sender interface {
	Send([]byte) (*fedpro.PendingCall, error)
}

// Call encodes p, calls c with it, and decodes the response as an R.
func Call[R, P any](ctx context.Context, c Caller, p P) (R, error) {
	var r R
	req, err := marshal(p)
	if err != nil {
		return r, fmt.Errorf("encode request: %w", err)
	}
	rsp, err := c.Call(ctx, req)
	if err != nil {
		return r, err
	}
	if err := unmarshal(rsp, &r); err != nil {
		return r, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}

// Send encodes p and sends it with s, returning the pending call.
// Use [Await] to obtain a typed result.
func Send[P any](s Sender, p P) (*fedpro.PendingCall, error) {
	req, err := marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s.Send(req)
}

// Await waits for pc to complete and decodes its response as an R.
func Await[R any](ctx context.Context, pc *fedpro.PendingCall) (R, error) {
	var r R
	rsp, err := pc.Await(ctx)
	if err != nil {
		return r, err
	}
	if err := unmarshal(rsp, &r); err != nil {
		return r, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}

// Handler adapts a function f that accepts parameters of type P and returns
// a result of type R, to a fedtest.Handler. If the request cannot be decoded
// or the result cannot be encoded, the response is empty.
func Handler[P, R any](f func(context.Context, P) R) fedtest.Handler {
	return func(ctx context.Context, req []byte) []byte {
		var p P
		if err := unmarshal(req, &p); err != nil {
			return nil
		}
		rsp, err := marshal(f(ctx, p))
		if err != nil {
			return nil
		}
		return rsp
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
