// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package fedpro implements the client side of a federate protocol session
// with a runtime infrastructure (RTI) server.
//
// A session is a sequence of numbered binary messages exchanged over a
// reliable [Channel]. Each message carries a fixed 24-byte [Header] giving
// the payload length, the sequence number of the message, the session ID, the
// sequence number of the last message the sender received, and the message
// type. Control messages manage the session itself; data messages carry
// opaque call and callback payloads.
//
// # Sessions
//
// The core type is the [Session]. A session connects through a [Transport],
// performing a handshake to obtain a session ID, and then runs a receive loop
// and a heartbeat until it is closed or fails:
//
//	s := fedpro.NewSession(channel.Dialer{Address: "rti:15164"}, fedpro.DefaultConfig())
//	if err := s.Start(ctx, handleMessage); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//	defer s.Close(ctx)
//
// Connection attempts are retried with backoff as described by the
// [Config]. If the connection is lost and resumption is enabled, the session
// reconnects, resumes with the same ID, and resends any messages the server
// did not receive. Use [Session.OnStateChange] to observe transitions between
// the NEW, CONNECTING, RUNNING, and TERMINATED states.
//
// # Calls
//
// A [Client] multiplexes request/response calls over a session. Each call is
// identified by the sequence number of its request, and the server echoes
// that number in its response:
//
//	c := fedpro.NewClient(tr, cfg)
//	if err := c.Start(ctx); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//	rsp, err := c.Call(ctx, []byte("request"))
//
// Use [Client.Send] to issue a call without waiting. It returns a
// [PendingCall] that can be awaited, cancelled, or given completion
// callbacks. When the session terminates, all pending calls fail with a
// [*ConnectionLostError]. A response that arrives after its call was
// cancelled is discarded.
//
// Callback requests sent by the server are delivered in order to the handler
// registered with [Client.HandleCallback], and its result is returned to the
// server as a callback response.
//
// # Metrics
//
// Sessions and clients share a process-wide collection of counters. Use
// [Metrics] to obtain the [expvar.Map] that holds them:
//
//   - messages_received, messages_sent, messages_dropped
//   - connect_attempts, connect_failures
//   - resumes, retransmits, heartbeats_sent
//   - sessions_terminated, protocol_errors
//   - calls_sync, calls_async, calls_failed, calls_canceled
//   - calls_pending: gauge of calls awaiting a response
//   - responses_dropped: responses with no matching call
//   - callbacks_in, callbacks_failed
package fedpro
