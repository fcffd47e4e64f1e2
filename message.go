// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package fedpro

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/fedpro/packet"
	"github.com/creachadair/fedpro/seqnum"
)

// HeaderLen is the length in bytes of an encoded message header.
const HeaderLen = 24

// MaxPayload is the largest payload a message may carry. Reading a header
// that announces a longer payload reports an error.
const MaxPayload = 64 << 20

// ProtocolVersion is the protocol version offered by default when a new
// session is requested.
const ProtocolVersion = 1

// Header is the fixed-shape metadata preceding every message payload.
//
// The encoded form is 24 bytes in big-endian order:
//
//	PayloadLen   uint32  number of payload bytes following the header
//	Seq          int32   sequence number of this message
//	SessionID    int64   session identifier, 0 before a session exists
//	LastReceived int32   last sequence number the sender received
//	Type         uint32  message type
type Header struct {
	PayloadLen   uint32
	Seq          seqnum.Value
	SessionID    int64
	LastReceived seqnum.Value
	Type         MessageType
}

// Encode encodes h in binary format.
func (h Header) Encode() []byte {
	var buf [HeaderLen]byte
	h.put(buf[:])
	return buf[:]
}

func (h Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:], uint32(h.Seq))
	binary.BigEndian.PutUint64(buf[8:], uint64(h.SessionID))
	binary.BigEndian.PutUint32(buf[16:], uint32(h.LastReceived))
	binary.BigEndian.PutUint32(buf[20:], uint32(h.Type))
}

// UnmarshalBinary decodes data into a message header.
// It implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderLen {
		return fmt.Errorf("invalid header length (%d bytes)", len(data))
	}
	h.PayloadLen = binary.BigEndian.Uint32(data[0:])
	h.Seq = seqnum.Value(binary.BigEndian.Uint32(data[4:]))
	h.SessionID = int64(binary.BigEndian.Uint64(data[8:]))
	h.LastReceived = seqnum.Value(binary.BigEndian.Uint32(data[16:]))
	h.Type = MessageType(binary.BigEndian.Uint32(data[20:]))
	return nil
}

// Message is a single header-prefixed frame exchanged between a client and
// the runtime infrastructure. When a message is written, the PayloadLen field
// of the header is taken from the length of the payload.
type Message struct {
	Header
	Payload []byte
}

// Encode encodes m in binary format.
func (m *Message) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLen+len(m.Payload)))
	if _, err := m.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the message to w in binary format. It satisfies io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if len(m.Payload) > MaxPayload {
		return 0, fmt.Errorf("payload too large (%d > %d bytes)", len(m.Payload), MaxPayload)
	}
	var buf [HeaderLen]byte
	h := m.Header
	h.PayloadLen = uint32(len(m.Payload))
	h.put(buf[:])
	nw, err := w.Write(buf[:])
	if err == nil && len(m.Payload) != 0 {
		var np int
		np, err = w.Write(m.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a message from r in binary format. It satisfies io.ReaderFrom.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var buf [HeaderLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		if err == io.EOF {
			return int64(nr), err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short message header: %w", err)
	}
	m.Header.UnmarshalBinary(buf[:]) // cannot fail, length is correct
	if m.PayloadLen > MaxPayload {
		return int64(nr), fmt.Errorf("payload too large (%d > %d bytes)", m.PayloadLen, MaxPayload)
	}

	m.Payload = nil
	if m.PayloadLen > 0 {
		m.Payload = make([]byte, int(m.PayloadLen))
		var np int
		np, err = io.ReadFull(r, m.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	var pay string
	switch m.Type {
	case NewSessionRequest:
		var req SessionRequest
		if req.UnmarshalBinary(m.Payload) == nil {
			pay = req.String()
		}
	case NewSessionStatus:
		var st SessionStatus
		if st.UnmarshalBinary(m.Payload) == nil {
			pay = st.String()
		}
	case HeartbeatResponse:
		var ack HeartbeatAck
		if ack.UnmarshalBinary(m.Payload) == nil {
			pay = ack.String()
		}
	case ResumeStatus:
		var st ResumeResult
		if st.UnmarshalBinary(m.Payload) == nil {
			pay = st.String()
		}
	case CallResponse, CallbackResponse:
		var rep Reply
		if rep.UnmarshalBinary(m.Payload) == nil {
			pay = rep.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprintf("[%d bytes]", len(m.Payload))
	}
	return fmt.Sprintf("Message(%v, seq=%v, session=%d, last=%v, %s)",
		m.Type, m.Seq, m.SessionID, m.LastReceived, pay)
}

// MessageType is the discriminator of a message. Types below 20 are control
// messages handled by the session itself; the rest are data messages
// delivered to the layer above.
type MessageType uint32

const (
	NewSessionRequest MessageType = 1  // Request a new session
	NewSessionStatus  MessageType = 2  // Reply to a new session request
	Heartbeat         MessageType = 3  // Liveness probe
	HeartbeatResponse MessageType = 4  // Reply to a liveness probe
	TerminateSession  MessageType = 5  // Request orderly termination
	SessionTerminated MessageType = 6  // Reply to a termination request
	ResumeRequest     MessageType = 10 // Request to resume an existing session
	ResumeStatus      MessageType = 11 // Reply to a resume request

	CallRequest      MessageType = 20 // An HLA call from the client
	CallResponse     MessageType = 21 // The result of an HLA call
	CallbackRequest  MessageType = 22 // An HLA callback from the runtime
	CallbackResponse MessageType = 23 // The result of an HLA callback

	minDataType = CallRequest
)

// IsData reports whether t is a data message type.
func (t MessageType) IsData() bool { return t >= minDataType }

// handshake reports whether t is only valid during connection setup.
func (t MessageType) handshake() bool { return t == NewSessionStatus || t == ResumeStatus }

func (t MessageType) String() string {
	switch t {
	case NewSessionRequest:
		return "NEW_SESSION"
	case NewSessionStatus:
		return "NEW_SESSION_STATUS"
	case Heartbeat:
		return "HEARTBEAT"
	case HeartbeatResponse:
		return "HEARTBEAT_RESPONSE"
	case TerminateSession:
		return "TERMINATE_SESSION"
	case SessionTerminated:
		return "SESSION_TERMINATED"
	case ResumeRequest:
		return "RESUME_REQUEST"
	case ResumeStatus:
		return "RESUME_STATUS"
	case CallRequest:
		return "CALL_REQUEST"
	case CallResponse:
		return "CALL_RESPONSE"
	case CallbackRequest:
		return "CALLBACK_REQUEST"
	case CallbackResponse:
		return "CALLBACK_RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", uint32(t))
	}
}

// Reason is the status code carried by a session or resume status message.
type Reason uint32

const (
	ReasonSuccess            Reason = 0 // The request was accepted
	ReasonUnsupportedVersion Reason = 1 // The protocol version is not supported
	ReasonOutOfResources     Reason = 2 // The peer cannot accept more sessions
	ReasonBadMessage         Reason = 3 // The request was malformed
	ReasonUnknownSession     Reason = 4 // The session to resume does not exist
	ReasonNotAllowed         Reason = 5 // The session may not be resumed
	ReasonOther              Reason = 99
)

func (r Reason) String() string {
	switch r {
	case ReasonSuccess:
		return "SUCCESS"
	case ReasonUnsupportedVersion:
		return "UNSUPPORTED_PROTOCOL_VERSION"
	case ReasonOutOfResources:
		return "OUT_OF_RESOURCES"
	case ReasonBadMessage:
		return "BAD_MESSAGE"
	case ReasonUnknownSession:
		return "UNKNOWN_SESSION"
	case ReasonNotAllowed:
		return "NOT_ALLOWED"
	default:
		return fmt.Sprintf("reason %d", uint32(r))
	}
}

// SessionRequest is the payload format for a NewSessionRequest message.
type SessionRequest struct {
	Version uint32
}

// Encode encodes the request in binary format.
func (r SessionRequest) Encode() []byte {
	var b packet.Builder
	b.Uint32(r.Version)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a session request.
// It implements encoding.BinaryUnmarshaler.
func (r *SessionRequest) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid session request payload (%d bytes)", len(data))
	}
	r.Version = binary.BigEndian.Uint32(data)
	return nil
}

func (r SessionRequest) String() string { return fmt.Sprintf("SessionRequest(Version=%d)", r.Version) }

// SessionStatus is the payload format for a NewSessionStatus message.
// On success, the session ID is carried in the message header.
type SessionStatus struct {
	Reason Reason
}

// Encode encodes the status in binary format.
func (s SessionStatus) Encode() []byte {
	var b packet.Builder
	b.Uint32(uint32(s.Reason))
	return b.Bytes()
}

// UnmarshalBinary decodes data into a session status.
// It implements encoding.BinaryUnmarshaler.
func (s *SessionStatus) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid session status payload (%d bytes)", len(data))
	}
	s.Reason = Reason(binary.BigEndian.Uint32(data))
	return nil
}

func (s SessionStatus) String() string { return fmt.Sprintf("SessionStatus(%v)", s.Reason) }

// HeartbeatAck is the payload format for a HeartbeatResponse message.
type HeartbeatAck struct {
	ResponseTo seqnum.Value // sequence number of the heartbeat answered
}

// Encode encodes the acknowledgement in binary format.
func (h HeartbeatAck) Encode() []byte {
	var b packet.Builder
	b.Int32(int32(h.ResponseTo))
	return b.Bytes()
}

// UnmarshalBinary decodes data into a heartbeat acknowledgement.
// It implements encoding.BinaryUnmarshaler.
func (h *HeartbeatAck) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid heartbeat response payload (%d bytes)", len(data))
	}
	h.ResponseTo = seqnum.Value(binary.BigEndian.Uint32(data))
	return nil
}

func (h HeartbeatAck) String() string { return fmt.Sprintf("HeartbeatAck(%v)", h.ResponseTo) }

// ResumeResult is the payload format for a ResumeStatus message.
type ResumeResult struct {
	Reason       Reason
	LastReceived seqnum.Value // last sequence number the peer received
}

// Encode encodes the result in binary format.
func (r ResumeResult) Encode() []byte {
	var b packet.Builder
	b.Uint32(uint32(r.Reason))
	b.Int32(int32(r.LastReceived))
	return b.Bytes()
}

// UnmarshalBinary decodes data into a resume result.
// It implements encoding.BinaryUnmarshaler.
func (r *ResumeResult) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("invalid resume status payload (%d bytes)", len(data))
	}
	s := packet.NewScanner(data)
	reason, _ := s.Uint32()
	last, _ := s.Int32()
	r.Reason = Reason(reason)
	r.LastReceived = seqnum.Value(last)
	return nil
}

func (r ResumeResult) String() string {
	return fmt.Sprintf("ResumeResult(%v, last=%v)", r.Reason, r.LastReceived)
}

// Reply is the payload format for CallResponse and CallbackResponse messages.
// ResponseTo is the sequence number of the request being answered, which
// serves as the correlation token of the call.
type Reply struct {
	ResponseTo seqnum.Value
	Data       []byte
}

// Encode encodes the reply in binary format.
func (r Reply) Encode() []byte {
	b := packet.NewBuilder(4 + len(r.Data))
	b.Int32(int32(r.ResponseTo))
	b.Put(r.Data...)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a reply. The Data field aliases data.
// It implements encoding.BinaryUnmarshaler.
func (r *Reply) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	token, err := s.Int32()
	if err != nil {
		return fmt.Errorf("short reply payload: %w", err)
	}
	r.ResponseTo = seqnum.Value(token)
	if s.Len() > 0 {
		r.Data = s.Rest()
	} else {
		r.Data = nil
	}
	return nil
}

func (r Reply) String() string {
	if len(r.Data) > 16 {
		return fmt.Sprintf("Reply(to=%v, Data=%+v ...)", r.ResponseTo, r.Data[:16])
	}
	return fmt.Sprintf("Reply(to=%v, Data=%+v)", r.ResponseTo, r.Data)
}
