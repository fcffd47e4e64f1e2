// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"context"
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// A Channel is a reliable ordered stream of messages shared by a client and
// the runtime infrastructure.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message in binary format to the receiver.
	Send(*Message) error

	// Receive the next available message from the channel.
	Recv() (*Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Transport opens channels to the runtime infrastructure. A session may
// ask its transport to open a channel many times: once per connection
// attempt, and again each time it resumes after losing a connection.
type Transport interface {
	Open(context.Context) (Channel, error)
}

// TransportFunc adapts a function to the [Transport] interface.
type TransportFunc func(context.Context) (Channel, error)

// Open implements the [Transport] interface.
func (f TransportFunc) Open(ctx context.Context) (Channel, error) { return f(ctx) }

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", value.Cond(m.Sent, "send", "recv"), m.Message)
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
