package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire format: a 4-byte big-endian header length, a JSON header with every
// routed field, then the raw body bytes. The body passes through untouched so
// CRDT updates and state vectors survive byte-for-byte.

// maxHeaderBytes bounds the header length prefix; anything larger is a
// corrupt or hostile frame.
const maxHeaderBytes = 1 << 20

var (
	// ErrTruncated reports a frame shorter than its declared header.
	ErrTruncated = errors.New("protocol: truncated frame")
	// ErrUnknownType reports a frame whose type tag is not a known variant.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// BodyDecoder parses rpc bodies with a method-specific schema.
type BodyDecoder interface {
	DecodeBody(kind RPCKind, body []byte) (any, error)
}

// Resolver maps rpc method names to their body decoders. Unknown methods are
// not an error at decode time; the broker answers unknown requests with a 501
// rpc response.
type Resolver interface {
	Resolve(method string) (BodyDecoder, bool)
}

type wireHeader struct {
	ID                string         `json:"id"`
	Type              Type           `json:"type"`
	Document          string         `json:"document,omitempty"`
	Context           Context        `json:"context"`
	Encrypted         bool           `json:"encrypted,omitempty"`
	Payload           DocPayloadType `json:"payload,omitempty"`
	AckID             string         `json:"messageId,omitempty"`
	Method            string         `json:"method,omitempty"`
	Kind              RPCKind        `json:"requestType,omitempty"`
	OriginalRequestID string         `json:"originalRequestId,omitempty"`
	Permission        string         `json:"permission,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// Encode serialises a message into its canonical wire form.
func Encode(m *Message) ([]byte, error) {
	hdr := wireHeader{
		ID:                m.ID,
		Type:              m.Type,
		Document:          m.Document,
		Context:           m.Context,
		Encrypted:         m.Encrypted,
		Payload:           m.Payload,
		AckID:             m.AckID,
		Method:            m.Method,
		Kind:              m.Kind,
		OriginalRequestID: m.OriginalRequestID,
		Permission:        m.Permission,
		Reason:            m.Reason,
	}
	hb, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal header: %w", err)
	}
	out := make([]byte, 4+len(hb)+len(m.Body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(hb)))
	copy(out[4:], hb)
	copy(out[4+len(hb):], m.Body)
	return out, nil
}

func mustEncode(m *Message) []byte {
	b, err := Encode(m)
	if err != nil {
		// Only reachable if the header fields themselves are unmarshalable,
		// which the constructors never produce.
		panic(err)
	}
	return b
}

// Decode parses a wire frame back into a Message. The resolver, when non-nil,
// is consulted for rpc messages so method-specific schemas can populate
// Decoded; unknown methods leave Decoded nil and keep the raw body.
func Decode(data []byte, resolver Resolver) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	hlen := binary.BigEndian.Uint32(data[:4])
	if hlen > maxHeaderBytes || uint64(4+hlen) > uint64(len(data)) {
		return nil, ErrTruncated
	}
	var hdr wireHeader
	if err := json.Unmarshal(data[4:4+hlen], &hdr); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal header: %w", err)
	}
	switch hdr.Type {
	case TypeDoc, TypeAwareness, TypeRPC, TypeAck, TypePing, TypePong:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, hdr.Type)
	}
	if hdr.ID == "" {
		return nil, errors.New("protocol: frame has no message id")
	}

	var body []byte
	if rest := data[4+hlen:]; len(rest) > 0 {
		body = make([]byte, len(rest))
		copy(body, rest)
	}

	m := &Message{
		ID:                hdr.ID,
		Type:              hdr.Type,
		Document:          hdr.Document,
		Context:           hdr.Context,
		Encrypted:         hdr.Encrypted,
		Payload:           hdr.Payload,
		Body:              body,
		AckID:             hdr.AckID,
		Method:            hdr.Method,
		Kind:              hdr.Kind,
		OriginalRequestID: hdr.OriginalRequestID,
		Permission:        hdr.Permission,
		Reason:            hdr.Reason,
	}

	if m.Type == TypeRPC && resolver != nil {
		if dec, ok := resolver.Resolve(m.Method); ok {
			decoded, err := dec.DecodeBody(m.Kind, m.Body)
			if err != nil {
				return nil, fmt.Errorf("protocol: decode rpc %q body: %w", m.Method, err)
			}
			m.Decoded = decoded
		}
	}

	// Keep the original bytes as the canonical form so a re-publish forwards
	// exactly what was received.
	m.encoded = data
	return m, nil
}
