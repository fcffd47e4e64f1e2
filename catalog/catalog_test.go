// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"testing"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/catalog"
	"github.com/creachadair/fedpro/fedtest"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func testClient(t *testing.T, h fedtest.Handler) (*fedpro.Client, func()) {
	t.Helper()
	srv := fedtest.NewServer(h)
	cfg := fedpro.DefaultConfig()
	cfg.HeartbeatInterval = 0
	c := fedpro.NewClient(srv.Transport(), cfg)
	c.Session().LogMessages(func(mi fedpro.MessageInfo) { t.Logf("Client: %v", mi) })
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c, func() {
		c.Close(context.Background())
		srv.Close()
	}
}

func reply(s string) fedtest.Handler {
	return func(context.Context, []byte) []byte { return []byte(s) }
}

func TestCatalogUsage(t *testing.T) {
	defer leaktest.Check(t)()

	cat := catalog.New().Set("test0", 0).Set("test1", 100)
	h := cat.Handler(map[string]fedtest.Handler{
		"test0": reply("default"),
		"test1": reply("one"),
	})
	client, stop := testClient(t, h)
	defer stop()

	cc := cat.Bind(client)
	if got := cc.Client(); got != client {
		t.Errorf("Client: got %p, want %p", got, client)
	}

	// The original catalog does not have a client.
	if got := cat.Client(); got != nil {
		t.Errorf("cat.Client: got %p, want nil", got)
	}

	t.Run("HandlerUnknown", func(t *testing.T) {
		mtest.MustPanic(t, func() { cat.Handler(map[string]fedtest.Handler{"nonesuch": nil}) })
	})
	t.Run("MustLookup", func(t *testing.T) {
		if got := cat.MustLookup("test1"); got != 100 {
			t.Errorf("MustLookup: got %d, want 100", got)
		}
		mtest.MustPanic(t, func() { cat.MustLookup("nonesuch") })
	})

	checkCall := func(t *testing.T, name, want string) {
		t.Helper()
		rsp, err := cc.Call(t.Context(), name, nil)
		if err != nil {
			t.Fatalf("Call %q unexpectedly failed: %v", name, err)
		} else if got := string(rsp); got != want {
			t.Fatalf("Call %q: got %q, want %q", name, got, want)
		}
	}

	t.Run("Call0", func(t *testing.T) { checkCall(t, "test0", "default") })
	t.Run("Call1", func(t *testing.T) { checkCall(t, "test1", "one") })
	t.Run("CallUnknown", func(t *testing.T) { checkCall(t, "nonesuch", "default") }) // falls through to ID 0

	t.Run("Send", func(t *testing.T) {
		p, err := cc.Send("test1", []byte("data"))
		if err != nil {
			t.Fatalf("Send: unexpected error: %v", err)
		}
		rsp, err := p.Await(t.Context())
		if err != nil || string(rsp) != "one" {
			t.Errorf("Await: got (%q, %v), want (one, nil)", rsp, err)
		}
	})
}

func TestPayload(t *testing.T) {
	p := catalog.Payload(0x01020304, []byte("xyz"))
	if diff := cmp.Diff(p, []byte("\x01\x02\x03\x04xyz")); diff != "" {
		t.Errorf("Payload (-got, +want):\n%s", diff)
	}
	id, data, err := catalog.ParsePayload(p)
	if err != nil {
		t.Fatalf("ParsePayload: unexpected error: %v", err)
	}
	if id != 0x01020304 || string(data) != "xyz" {
		t.Errorf("ParsePayload: got (%x, %q), want (1020304, xyz)", id, data)
	}
	if _, _, err := catalog.ParsePayload([]byte{1, 2}); err == nil {
		t.Error("ParsePayload short: got nil, want error")
	}
}

func TestCatalogEncoding(t *testing.T) {
	initCat := func() catalog.Catalog {
		return catalog.New().
			Set("minsc", 101).
			Set("boo", 102).
			Set("dynaheir", 100987).
			Set("viconia", 666)
	}
	checkEqual := func(t *testing.T, got, want catalog.Catalog) {
		t.Helper()
		if diff := cmp.Diff(got, want, cmp.AllowUnexported(catalog.Catalog{})); diff != "" {
			t.Fatalf("Catalog: (-got, +want):\n%s", diff)
		}
	}

	t.Run("Lookup", func(t *testing.T) {
		want := map[string]uint32{"minsc": 101, "boo": 102, "nonesuch": 0}
		cat := initCat()

		for name, id := range want {
			if got := cat.Lookup(name); got != id {
				t.Errorf("Lookup %q: got %d, want %d", name, got, id)
			}
		}
	})

	t.Run("Add", func(t *testing.T) {
		cat := initCat().Add("jaheira", "khalid")
		if got := cat.Lookup("jaheira"); got != 100988 {
			t.Errorf("Lookup jaheira: got %d, want 100988", got)
		}
		if got := cat.Lookup("khalid"); got != 100989 {
			t.Errorf("Lookup khalid: got %d, want 100989", got)
		}
	})

	t.Run("Decode", func(t *testing.T) {
		var got catalog.Catalog
		for _, bad := range []string{"\x00\x00", "\x00\x00\x00\x01\x00\x05ab", "\x00\x00\x00\x01\x00\x01a\x00"} {
			if err := got.Decode([]byte(bad)); err == nil {
				t.Errorf("Decode %q: got nil, want error", bad)
			}
		}
	})

	t.Run("Handler", func(t *testing.T) {
		defer leaktest.Check(t)()

		// Set up a catalog with a service to query the catalog itself.
		cat := initCat().Add("catalog")
		h := cat.Handler(map[string]fedtest.Handler{
			"catalog": func(context.Context, []byte) []byte { return cat.Encode() },
		})
		client, stop := testClient(t, h)
		defer stop()

		rsp, err := cat.Bind(client).Call(t.Context(), "catalog", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}

		// Make sure we got the same set back.
		var got catalog.Catalog
		if err := got.Decode(rsp); err != nil {
			t.Fatalf("Decode response: unexpected error: %v", err)
		}
		checkEqual(t, got, cat)
	})
}
