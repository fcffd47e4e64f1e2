// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import "expvar"

// sessionMetrics record session and call activity counters.
type sessionMetrics struct {
	msgRecv      expvar.Int
	msgSent      expvar.Int
	msgDropped   expvar.Int
	connAttempt  expvar.Int // number of channels opened for connect or resume
	connFailed   expvar.Int // number of connect or resume attempts that failed
	resumes      expvar.Int // number of successful resumptions
	retransmits  expvar.Int // number of messages resent after a resume
	heartbeats   expvar.Int // number of heartbeats sent
	terminated   expvar.Int // number of sessions terminated
	protocolErr  expvar.Int // number of sessions ended by protocol errors
	callSync     expvar.Int // number of blocking calls
	callAsync    expvar.Int // number of non-blocking calls
	callFailed   expvar.Int // number of calls resolved with a failure
	callCanceled expvar.Int // number of calls resolved by cancellation
	callPending  expvar.Int // outbound calls awaiting a response
	rspDropped   expvar.Int // responses with no matching pending call
	callbackIn   expvar.Int // number of callbacks received
	callbackErr  expvar.Int // number of callbacks whose handler failed

	emap *expvar.Map
}

var metrics = newSessionMetrics()

func newSessionMetrics() *sessionMetrics {
	m := &sessionMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("connect_attempts", &m.connAttempt)
	m.emap.Set("connect_failures", &m.connFailed)
	m.emap.Set("resumes", &m.resumes)
	m.emap.Set("retransmits", &m.retransmits)
	m.emap.Set("heartbeats_sent", &m.heartbeats)
	m.emap.Set("sessions_terminated", &m.terminated)
	m.emap.Set("protocol_errors", &m.protocolErr)
	m.emap.Set("calls_sync", &m.callSync)
	m.emap.Set("calls_async", &m.callAsync)
	m.emap.Set("calls_failed", &m.callFailed)
	m.emap.Set("calls_canceled", &m.callCanceled)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("responses_dropped", &m.rspDropped)
	m.emap.Set("callbacks_in", &m.callbackIn)
	m.emap.Set("callbacks_failed", &m.callbackErr)
	return m
}

// Metrics returns the process-wide metrics map shared by all sessions and
// clients. It is safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return metrics.emap }
