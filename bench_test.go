// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro_test

import (
	"context"
	"io"
	"testing"

	"github.com/creachadair/fedpro"
	"github.com/creachadair/fedpro/channel"
	"github.com/creachadair/fedpro/fedtest"
)

func noop(context.Context, []byte) []byte { return nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		srv := fedtest.NewServer(noop)
		defer srv.Close()
		runBench(b, srv.Transport(), nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		srv := fedtest.NewServer(fedtest.Echo)
		defer srv.Close()
		runBench(b, srv.Transport(), payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		runBench(b, pipeTransport(b, fedtest.NewServer(noop)), nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		runBench(b, pipeTransport(b, fedtest.NewServer(fedtest.Echo)), payload)
	})
}

func runBench(b *testing.B, tr fedpro.Transport, data []byte) {
	b.Helper()
	ctx := context.Background()

	c := fedpro.NewClient(tr, testConfig())
	if err := c.Start(ctx); err != nil {
		b.Fatalf("Start: %v", err)
	}
	defer c.Close(ctx)

	for b.Loop() {
		_, err := c.Call(ctx, data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

// pipeTransport returns a transport that connects to srv over in-memory
// pipes, encoding messages in binary.
func pipeTransport(tb testing.TB, srv *fedtest.Server) fedpro.Transport {
	tb.Cleanup(func() {
		if err := srv.Close(); err != nil {
			tb.Errorf("Server close: %v", err)
		}
	})
	return fedpro.TransportFunc(func(context.Context) (fedpro.Channel, error) {
		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		go srv.Serve(channel.IO(br, bw))
		return channel.IO(ar, aw), nil
	})
}
