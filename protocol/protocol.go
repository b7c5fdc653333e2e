// Package protocol defines the framed CBOR message envelope exchanged
// between the bus daemon and its clients: method calls, replies, typed
// errors, and signals.
//
// Each frame is a 4-byte big-endian length prefix followed by the CBOR
// encoding of one Message. The envelope is deliberately small; routing,
// match rules, and name ownership beyond the daemon's own name are
// outside this package.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/p-arndt/busbahnhof/internal/variant"
)

type MessageType uint8

const (
	TypeMethodCall MessageType = iota + 1
	TypeReply
	TypeError
	TypeSignal
)

// maxFrameLength bounds a single message frame. Metadata dicts are
// limited to a much smaller configured ceiling before they reach this.
const maxFrameLength = 16 * 1024 * 1024

// Message is the envelope for everything on the wire.
type Message struct {
	Type        MessageType `cbor:"type"`
	Serial      uint64      `cbor:"serial,omitempty"`
	ReplySerial uint64      `cbor:"reply_serial,omitempty"`
	Sender      string      `cbor:"sender,omitempty"`

	// Method call and signal addressing.
	Interface string `cbor:"interface,omitempty"`
	Member    string `cbor:"member,omitempty"`

	// Error identification, set only on TypeError.
	ErrorName string `cbor:"error_name,omitempty"`

	Args []variant.Value `cbor:"args,omitempty"`
}

// NewMethodCall builds a method-call message for iface.member with
// positional arguments.
func NewMethodCall(serial uint64, iface, member string, args ...variant.Value) Message {
	return Message{
		Type:      TypeMethodCall,
		Serial:    serial,
		Interface: iface,
		Member:    member,
		Args:      args,
	}
}

// NewReply builds a success reply to the call with the given serial.
func NewReply(replySerial uint64, args ...variant.Value) Message {
	return Message{Type: TypeReply, ReplySerial: replySerial, Args: args}
}

// NewError builds an error reply carrying a typed error name and a
// human-readable message as its single argument.
func NewError(replySerial uint64, name, text string) Message {
	return Message{
		Type:        TypeError,
		ReplySerial: replySerial,
		ErrorName:   name,
		Args:        []variant.Value{variant.String(text)},
	}
}

// NewSignal builds a signal message.
func NewSignal(iface, member string, args ...variant.Value) Message {
	return Message{Type: TypeSignal, Interface: iface, Member: member, Args: args}
}

// ErrorText returns the human-readable message of an error reply, or ""
// if the message carries none.
func (m Message) ErrorText() string {
	if m.Type != TypeError || len(m.Args) == 0 {
		return ""
	}
	text, _ := m.Args[0].AsString()
	return text
}

// Write encodes m and writes one length-prefixed frame to w.
func Write(w io.Writer, m Message) error {
	body, err := variant.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > maxFrameLength {
		return fmt.Errorf("frame length %d exceeds maximum %d", len(body), maxFrameLength)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Read reads one length-prefixed frame from r and decodes it.
func Read(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return Message{}, fmt.Errorf("frame length %d exceeds maximum %d", length, maxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}
	var m Message
	if err := variant.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
