package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocMessageRoundTrip(t *testing.T) {
	ctx := Context{ClientID: "c1", UserID: "u1", Room: "r1"}
	body := []byte{0x00, 0x01, 0xfe, 0xff, 0x7f}
	m := NewDocMessage("notes", DocUpdate, body, ctx, true)

	got, err := Decode(m.Encoded(), nil)
	require.NoError(t, err)

	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, TypeDoc, got.Type)
	assert.Equal(t, "notes", got.Document)
	assert.Equal(t, ctx, got.Context)
	assert.True(t, got.Encrypted)
	assert.Equal(t, DocUpdate, got.Payload)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, m.Encoded(), got.Encoded())
}

func TestAckMessageRoundTrip(t *testing.T) {
	m := NewAckMessage("notes", "orig-id", Context{ClientID: "c1"})

	got, err := Decode(m.Encoded(), nil)
	require.NoError(t, err)
	assert.Equal(t, TypeAck, got.Type)
	assert.Equal(t, "orig-id", got.AckID)
	assert.Nil(t, got.Body)
}

func TestAuthDeniedRoundTrip(t *testing.T) {
	m := NewAuthDeniedMessage("notes", "read-only user", Context{ClientID: "c1"}, false)

	got, err := Decode(m.Encoded(), nil)
	require.NoError(t, err)
	assert.Equal(t, DocAuthMessage, got.Payload)
	assert.Equal(t, PermissionDenied, got.Permission)
	assert.Equal(t, "read-only user", got.Reason)
}

func TestAwarenessRoundTrip(t *testing.T) {
	body := []byte(`{"cursor":4}`)
	m := NewAwarenessMessage("notes", body, Context{ClientID: "c1"}, false)

	got, err := Decode(m.Encoded(), nil)
	require.NoError(t, err)
	assert.Equal(t, TypeAwareness, got.Type)
	assert.Equal(t, body, got.Body)
	assert.False(t, got.TracksInFlight())
}

type jsonDecoder struct{}

func (jsonDecoder) DecodeBody(_ RPCKind, body []byte) (any, error) {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type mapResolver map[string]BodyDecoder

func (r mapResolver) Resolve(method string) (BodyDecoder, bool) {
	d, ok := r[method]
	return d, ok
}

func TestRPCRoundTripWithResolver(t *testing.T) {
	body := []byte(`{"name":"milestone-1"}`)
	m := NewRPCMessage("notes", "createMilestone", RPCRequest, "", body, Context{ClientID: "c1"}, false)

	resolver := mapResolver{"createMilestone": jsonDecoder{}}
	got, err := Decode(m.Encoded(), resolver)
	require.NoError(t, err)
	assert.Equal(t, "createMilestone", got.Method)
	assert.Equal(t, RPCRequest, got.Kind)
	assert.Equal(t, map[string]any{"name": "milestone-1"}, got.Decoded)
}

func TestRPCUnknownMethodStaysOpaque(t *testing.T) {
	body := []byte(`whatever bytes`)
	m := NewRPCMessage("notes", "unknownMethod", RPCRequest, "", body, Context{ClientID: "c1"}, false)

	got, err := Decode(m.Encoded(), mapResolver{})
	require.NoError(t, err)
	assert.Nil(t, got.Decoded)
	assert.Equal(t, body, got.Body)
}

func TestRPCResponseCarriesOriginalRequestID(t *testing.T) {
	m := NewRPCMessage("notes", "m", RPCResponse, "req-42", []byte(`{}`), Context{ClientID: "c1"}, false)

	got, err := Decode(m.Encoded(), nil)
	require.NoError(t, err)
	assert.Equal(t, RPCResponse, got.Kind)
	assert.Equal(t, "req-42", got.OriginalRequestID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil, nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{0, 0}, nil)
	assert.ErrorIs(t, err, ErrTruncated)

	// Declared header longer than the frame.
	_, err = Decode([]byte{0xff, 0xff, 0xff, 0xff, 'x'}, nil)
	assert.ErrorIs(t, err, ErrTruncated)

	// Valid framing, bogus type tag.
	frame, err := Encode(&Message{ID: "x", Type: Type("mystery")})
	require.NoError(t, err)
	_, err = Decode(frame, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNamespacedDocumentID(t *testing.T) {
	assert.Equal(t, "room-a/doc", NamespacedDocumentID("doc", Context{Room: "room-a"}))
	assert.Equal(t, "doc", NamespacedDocumentID("doc", Context{}))
}
