// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package typed_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/fedtest"
	"github.com/creachadair/fedpro/typed"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvBinary string

func (v tvBinary) MarshalBinary() ([]byte, error)     { return []byte(v), nil }
func (v *tvBinary) UnmarshalBinary(data []byte) error { *v = tvBinary(data); return nil }

type tvBad struct{}

// fakeCaller answers calls in-process by passing them to a handler.
type fakeCaller fedtest.Handler

func (f fakeCaller) Call(ctx context.Context, req []byte) ([]byte, error) {
	if string(req) == "fail" {
		return nil, errors.New("call failed")
	}
	return f(ctx, req), nil
}

func TestCall(t *testing.T) {
	upper := fakeCaller(typed.Handler(func(_ context.Context, s string) string {
		return strings.ToUpper(s)
	}))
	ctx := context.Background()

	t.Run("StringString", func(t *testing.T) {
		got, err := typed.Call[string](ctx, upper, "input")
		if err != nil || got != "INPUT" {
			t.Errorf("Call: got (%q, %v), want (INPUT, nil)", got, err)
		}
	})
	t.Run("BytesText", func(t *testing.T) {
		got, err := typed.Call[tvText](ctx, upper, []byte("input"))
		if err != nil || got != "INPUT" {
			t.Errorf("Call: got (%q, %v), want (INPUT, nil)", got, err)
		}
	})
	t.Run("BinaryBytes", func(t *testing.T) {
		got, err := typed.Call[[]byte](ctx, upper, tvBinary("input"))
		if err != nil || string(got) != "INPUT" {
			t.Errorf("Call: got (%q, %v), want (INPUT, nil)", got, err)
		}
	})
	t.Run("TextBinary", func(t *testing.T) {
		got, err := typed.Call[tvBinary](ctx, upper, tvText("input"))
		if err != nil || got != "INPUT" {
			t.Errorf("Call: got (%q, %v), want (INPUT, nil)", got, err)
		}
	})
	t.Run("NilPointer", func(t *testing.T) {
		got, err := typed.Call[string](ctx, upper, (*string)(nil))
		if err != nil || got != "" {
			t.Errorf("Call: got (%q, %v), want empty", got, err)
		}
	})
	t.Run("BadParam", func(t *testing.T) {
		if got, err := typed.Call[string](ctx, upper, tvBad{}); err == nil {
			t.Errorf("Call: got %q, want error", got)
		}
	})
	t.Run("BadResult", func(t *testing.T) {
		if got, err := typed.Call[tvBad](ctx, upper, "x"); err == nil {
			t.Errorf("Call: got %v, want error", got)
		}
	})
	t.Run("CallError", func(t *testing.T) {
		if got, err := typed.Call[string](ctx, upper, "fail"); err == nil {
			t.Errorf("Call: got %q, want error", got)
		}
	})
}

func TestSendAwait(t *testing.T) {
	defer leaktest.Check(t)()

	srv := fedtest.NewServer(typed.Handler(func(_ context.Context, s tvText) tvBinary {
		return tvBinary(s + "-ok")
	}))
	defer srv.Close()

	cfg := fedpro.DefaultConfig()
	cfg.HeartbeatInterval = 0
	c := fedpro.NewClient(srv.Transport(), cfg)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	p, err := typed.Send(c, tvText("input"))
	if err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	got, err := typed.Await[string](t.Context(), p)
	if err != nil || got != "input-ok" {
		t.Errorf("Await: got (%q, %v), want (input-ok, nil)", got, err)
	}

	// The client also works directly as a Caller.
	s, err := typed.Call[string](t.Context(), c, "direct")
	if err != nil || s != "direct-ok" {
		t.Errorf("Call: got (%q, %v), want (direct-ok, nil)", s, err)
	}
}
