// Package protocol defines the broker's wire message model: a tagged variant
// over doc, awareness, rpc, ack and ping/pong messages, plus the binary codec
// used on transports and on the pub/sub fabric.
package protocol

import (
	"github.com/google/uuid"
)

// Type discriminates the message variants.
type Type string

const (
	TypeDoc       Type = "doc"
	TypeAwareness Type = "awareness"
	TypeRPC       Type = "rpc"
	TypeAck       Type = "ack"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
)

// DocPayloadType discriminates the payload of a doc message.
type DocPayloadType string

const (
	DocSyncStep1   DocPayloadType = "sync-step-1"
	DocSyncStep2   DocPayloadType = "sync-step-2"
	DocUpdate      DocPayloadType = "update"
	DocSyncDone    DocPayloadType = "sync-done"
	DocAuthMessage DocPayloadType = "auth-message"
)

// RPCKind discriminates rpc traffic.
type RPCKind string

const (
	RPCRequest  RPCKind = "request"
	RPCStream   RPCKind = "stream"
	RPCResponse RPCKind = "response"
)

// PermissionDenied is the permission value carried by an auth-message that
// rejects a client operation.
const PermissionDenied = "denied"

// Context identifies the origin of a message. ClientID is always set for
// client-originated traffic; Room namespaces the document id.
type Context struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
	Room     string `json:"room,omitempty"`
}

// Message is one unit of sync traffic. Messages are immutable after
// construction; Encoded returns the canonical byte form transmitted over
// transports and pub/sub.
//
// Field population by variant:
//
//	doc        Payload + Body (auth-message also Permission/Reason)
//	awareness  Body
//	rpc        Method, Kind, OriginalRequestID, Body, Decoded
//	ack        AckID
//	ping/pong  nothing beyond the common fields
type Message struct {
	ID        string
	Type      Type
	Document  string
	Context   Context
	Encrypted bool

	Payload DocPayloadType
	Body    []byte

	AckID string

	Method            string
	Kind              RPCKind
	OriginalRequestID string
	// Decoded holds the resolver's method-specific parse of Body for rpc
	// messages; nil when the method is unknown to the resolver.
	Decoded any

	Permission string
	Reason     string

	encoded []byte
}

// NewDocMessage builds a doc message carrying a sync payload.
func NewDocMessage(document string, payload DocPayloadType, body []byte, ctx Context, encrypted bool) *Message {
	m := &Message{
		ID:        uuid.NewString(),
		Type:      TypeDoc,
		Document:  document,
		Context:   ctx,
		Encrypted: encrypted,
		Payload:   payload,
		Body:      body,
	}
	m.encoded = mustEncode(m)
	return m
}

// NewAuthDeniedMessage builds the doc/auth-message sent to a client whose
// operation was rejected by the permission callback.
func NewAuthDeniedMessage(document, reason string, ctx Context, encrypted bool) *Message {
	m := &Message{
		ID:         uuid.NewString(),
		Type:       TypeDoc,
		Document:   document,
		Context:    ctx,
		Encrypted:  encrypted,
		Payload:    DocAuthMessage,
		Permission: PermissionDenied,
		Reason:     reason,
	}
	m.encoded = mustEncode(m)
	return m
}

// NewAwarenessMessage builds an awareness message. The body is opaque to the
// broker and never touches storage.
func NewAwarenessMessage(document string, body []byte, ctx Context, encrypted bool) *Message {
	m := &Message{
		ID:        uuid.NewString(),
		Type:      TypeAwareness,
		Document:  document,
		Context:   ctx,
		Encrypted: encrypted,
		Body:      body,
	}
	m.encoded = mustEncode(m)
	return m
}

// NewAckMessage acknowledges receipt of the message with id ackID.
func NewAckMessage(document, ackID string, ctx Context) *Message {
	m := &Message{
		ID:       uuid.NewString(),
		Type:     TypeAck,
		Document: document,
		Context:  ctx,
		AckID:    ackID,
	}
	m.encoded = mustEncode(m)
	return m
}

// NewRPCMessage builds an rpc message of the given kind. originalRequestID is
// empty for requests and carries the initiating request's id for stream and
// response messages.
func NewRPCMessage(document, method string, kind RPCKind, originalRequestID string, body []byte, ctx Context, encrypted bool) *Message {
	m := &Message{
		ID:                uuid.NewString(),
		Type:              TypeRPC,
		Document:          document,
		Context:           ctx,
		Encrypted:         encrypted,
		Method:            method,
		Kind:              kind,
		OriginalRequestID: originalRequestID,
		Body:              body,
	}
	m.encoded = mustEncode(m)
	return m
}

// NewPingMessage builds a ping. Pings are answered with pongs at ingress and
// are never acked or routed to a session.
func NewPingMessage(ctx Context) *Message {
	m := &Message{ID: uuid.NewString(), Type: TypePing, Context: ctx}
	m.encoded = mustEncode(m)
	return m
}

// NewPongMessage builds the reply to a ping.
func NewPongMessage(ctx Context) *Message {
	m := &Message{ID: uuid.NewString(), Type: TypePong, Context: ctx}
	m.encoded = mustEncode(m)
	return m
}

// Encoded returns the canonical encoded form of the message.
func (m *Message) Encoded() []byte {
	if m.encoded == nil {
		m.encoded = mustEncode(m)
	}
	return m.encoded
}

// IsDoc reports whether the message is a doc message with the given payload.
func (m *Message) IsDoc(payload DocPayloadType) bool {
	return m.Type == TypeDoc && m.Payload == payload
}

// TracksInFlight reports whether a send of this message is recorded in the
// client's in-flight ledger. Awareness, acks and ping/pong are fire-and-forget.
func (m *Message) TracksInFlight() bool {
	switch m.Type {
	case TypeAwareness, TypeAck, TypePing, TypePong:
		return false
	}
	return true
}
