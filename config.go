// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig defines the delay between connection attempts.
//
// If Multiplier > 1 the delay grows exponentially from InitialDelay up to
// MaxDelay; otherwise every attempt waits InitialDelay. Jitter is the
// randomization factor applied to each delay, in [0, 1).
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// NewBackOff returns a fresh delay policy for one sequence of attempts.
func (b BackoffConfig) NewBackOff() backoff.BackOff {
	if b.InitialDelay <= 0 {
		return &backoff.ZeroBackOff{}
	} else if b.Multiplier <= 1 {
		return &backoff.ConstantBackOff{Interval: b.InitialDelay}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.InitialDelay
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	eb.MaxInterval = max(b.MaxDelay, b.InitialDelay)
	eb.Reset()
	return eb
}

// Config carries the settings for a [Session].
type Config struct {
	// MaxRetryAttempts is the number of times a failed connection attempt is
	// retried, with a fresh channel each time, before the session gives up.
	// Zero means a single attempt is made.
	MaxRetryAttempts int

	// ConnectTimeout, if positive, bounds each call to the transport's Open.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the wait for the peer to answer a new session
	// or resume request.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the period between heartbeats while the session
	// is running. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a heartbeat may go unanswered before the
	// peer is considered dead. If zero, twice HeartbeatInterval is used.
	HeartbeatTimeout time.Duration

	// CloseTimeout bounds the wait for the peer to acknowledge an orderly
	// termination.
	CloseTimeout time.Duration

	// Resume enables resuming the session on a fresh channel when the
	// connection is lost while running.
	Resume bool

	// MaxBacklog bounds the number of unacknowledged messages retained for
	// retransmission after a resume. If the bound is exceeded the session can
	// no longer be resumed. Zero means no bound.
	MaxBacklog int

	// ProtocolVersion is the version offered in the new session request.
	ProtocolVersion uint32

	Backoff BackoffConfig
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  3,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		CloseTimeout:      5 * time.Second,
		Resume:            true,
		MaxBacklog:        4096,
		ProtocolVersion:   ProtocolVersion,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}
}

// Validate reports an error if c contains invalid settings.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(msg, args...))
		}
	}
	check(c.MaxRetryAttempts >= 0, "max retry attempts %d < 0", c.MaxRetryAttempts)
	check(c.ConnectTimeout >= 0, "negative connect timeout %v", c.ConnectTimeout)
	check(c.HandshakeTimeout > 0, "handshake timeout %v must be positive", c.HandshakeTimeout)
	check(c.HeartbeatInterval >= 0, "negative heartbeat interval %v", c.HeartbeatInterval)
	check(c.HeartbeatTimeout >= 0, "negative heartbeat timeout %v", c.HeartbeatTimeout)
	check(c.CloseTimeout >= 0, "negative close timeout %v", c.CloseTimeout)
	check(c.MaxBacklog >= 0, "max backlog %d < 0", c.MaxBacklog)
	check(c.Backoff.InitialDelay >= 0, "negative retry delay %v", c.Backoff.InitialDelay)
	check(c.Backoff.Jitter >= 0 && c.Backoff.Jitter < 1, "retry jitter %v not in [0, 1)", c.Backoff.Jitter)
	return errors.Join(errs...)
}

func (c Config) heartbeatTimeout() time.Duration {
	if c.HeartbeatTimeout > 0 {
		return c.HeartbeatTimeout
	}
	return 2 * c.HeartbeatInterval
}

// String renders c in a human-readable form.
func (c Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config:\n")
	fmt.Fprintf(&sb, "  MaxRetryAttempts:  %d\n", c.MaxRetryAttempts)
	fmt.Fprintf(&sb, "  ConnectTimeout:    %v\n", c.ConnectTimeout)
	fmt.Fprintf(&sb, "  HandshakeTimeout:  %v\n", c.HandshakeTimeout)
	fmt.Fprintf(&sb, "  HeartbeatInterval: %v\n", c.HeartbeatInterval)
	fmt.Fprintf(&sb, "  HeartbeatTimeout:  %v\n", c.heartbeatTimeout())
	fmt.Fprintf(&sb, "  CloseTimeout:      %v\n", c.CloseTimeout)
	fmt.Fprintf(&sb, "  Resume:            %v\n", c.Resume)
	fmt.Fprintf(&sb, "  MaxBacklog:        %d\n", c.MaxBacklog)
	fmt.Fprintf(&sb, "  ProtocolVersion:   %d\n", c.ProtocolVersion)
	fmt.Fprintf(&sb, "  Backoff:           %v initial, %v max, x%g, jitter %g\n",
		c.Backoff.InitialDelay, c.Backoff.MaxDelay, c.Backoff.Multiplier, c.Backoff.Jitter)
	return sb.String()
}
