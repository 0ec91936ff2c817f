package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypad/relaypad/internal/protocol"
	"github.com/relaypad/relaypad/internal/storage"
)

func TestSizeWarningFiresOncePerCrossing(t *testing.T) {
	s := newTestServer(t, Options{SizeWarningThreshold: 6})

	warnings := make(chan Event, 8)
	s.Bus().Subscribe(EventDocumentSizeWarning, func(ev Event) { warnings <- ev })

	_, tr := connect(t, s, "a")
	ctx := protocol.Context{ClientID: "a"}

	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("aaaa"), ctx, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))
	select {
	case ev := <-warnings:
		t.Fatalf("warning below threshold: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("bbbb"), ctx, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))
	select {
	case ev := <-warnings:
		w := ev.(DocumentSizeWarningEvent)
		assert.Equal(t, int64(8), w.SizeBytes)
		assert.Equal(t, int64(6), w.Threshold)
	case <-time.After(time.Second):
		t.Fatal("expected a size warning after crossing the threshold")
	}

	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("cccc"), ctx, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))
	select {
	case ev := <-warnings:
		t.Fatalf("warning latched, must not refire: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSizeWarningRearmsAfterDroppingBelowThreshold(t *testing.T) {
	store := storage.NewMemory()
	s := newTestServer(t, Options{GetStorage: memoryProvider(store), SizeWarningThreshold: 6})

	warnings := make(chan Event, 4)
	s.Bus().Subscribe(EventDocumentSizeWarning, func(ev Event) { warnings <- ev })

	_, tr := connect(t, s, "a")
	ctx := protocol.Context{ClientID: "a"}

	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("12345678"), ctx, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))
	select {
	case <-warnings:
	case <-time.After(time.Second):
		t.Fatal("expected the first size warning")
	}

	// Compaction shrank the document; the next write observes the smaller
	// size and re-arms the warning.
	require.NoError(t, store.WriteDocumentMetadata(context.Background(), "doc1", storage.Metadata{SizeBytes: 1}))

	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("ab"), ctx, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))
	select {
	case ev := <-warnings:
		t.Fatalf("warning while below threshold: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("wxyz"), ctx, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))
	select {
	case ev := <-warnings:
		w := ev.(DocumentSizeWarningEvent)
		assert.Equal(t, int64(7), w.SizeBytes)
		assert.Equal(t, int64(6), w.Threshold)
	case <-time.After(time.Second):
		t.Fatal("expected a second warning after re-crossing the threshold")
	}
}

func TestSizeLimitExceededEvent(t *testing.T) {
	s := newTestServer(t, Options{SizeLimit: 4})

	exceeded := make(chan Event, 1)
	s.Bus().Subscribe(EventDocumentSizeLimitExceeded, func(ev Event) { exceeded <- ev })

	_, tr := connect(t, s, "a")
	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("12345678"), protocol.Context{ClientID: "a"}, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))

	select {
	case ev := <-exceeded:
		e := ev.(DocumentSizeLimitExceededEvent)
		assert.Equal(t, int64(8), e.SizeBytes)
		assert.Equal(t, int64(4), e.Limit)
	case <-time.After(time.Second):
		t.Fatal("expected a size limit event")
	}
}

func TestDocumentMetadataOverridesServerThresholds(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.WriteDocumentMetadata(context.Background(), "doc1", storage.Metadata{SizeWarningThreshold: 2}))

	s := newTestServer(t, Options{GetStorage: memoryProvider(store), SizeWarningThreshold: 1 << 20})

	warnings := make(chan Event, 1)
	s.Bus().Subscribe(EventDocumentSizeWarning, func(ev Event) { warnings <- ev })

	_, tr := connect(t, s, "a")
	tr.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, []byte("abcd"), protocol.Context{ClientID: "a"}, false)
	awaitMessage(t, tr, isType(protocol.TypeAck))

	select {
	case ev := <-warnings:
		assert.Equal(t, int64(2), ev.(DocumentSizeWarningEvent).Threshold)
	case <-time.After(time.Second):
		t.Fatal("expected the per-document threshold to apply")
	}
}

func TestEncryptedStorePassThrough(t *testing.T) {
	store := storage.NewEncryptedMemory()
	s := newTestServer(t, Options{GetStorage: memoryProvider(store)})

	_, trA := connect(t, s, "a")
	_, trB := connect(t, s, "b")

	trB.in <- protocol.NewDocMessage("doc1", protocol.DocSyncStep1, nil, protocol.Context{ClientID: "b"}, true)
	awaitMessage(t, trB, isDocPayload(protocol.DocSyncStep1))

	ciphertext := []byte{0x9f, 0x01, 0x42, 0x42}
	trA.in <- protocol.NewDocMessage("doc1", protocol.DocUpdate, ciphertext, protocol.Context{ClientID: "a"}, true)

	got := awaitMessage(t, trB, isDocPayload(protocol.DocUpdate))
	assert.Equal(t, ciphertext, got.Body)
	assert.True(t, got.Encrypted)

	doc, err := store.GetDocument(context.Background(), "doc1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, bytes.Contains(doc.Content.Update, ciphertext))
}

type rpcError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func isRPCKind(kind protocol.RPCKind) func(*protocol.Message) bool {
	return func(m *protocol.Message) bool { return m.Type == protocol.TypeRPC && m.Kind == kind }
}

func TestRPCRequestResponse(t *testing.T) {
	s := newTestServer(t, Options{
		RPCHandlers: map[string]RPCHandler{
			"echo": {
				Request: func(_ context.Context, rc *RPCContext, payload []byte) (*RPCResult, error) {
					assert.Equal(t, "doc1", rc.DocumentID)
					assert.Equal(t, "a", rc.ClientID)
					return &RPCResult{Response: payload}, nil
				},
			},
		},
	})
	_, tr := connect(t, s, "a")

	req := protocol.NewRPCMessage("doc1", "echo", protocol.RPCRequest, "", []byte(`{"x":1}`), protocol.Context{ClientID: "a"}, false)
	tr.in <- req

	resp := awaitMessage(t, tr, isRPCKind(protocol.RPCResponse))
	assert.Equal(t, req.ID, resp.OriginalRequestID)
	assert.JSONEq(t, `{"x":1}`, string(resp.Body))
}

func TestRPCUnknownMethodAnswers501(t *testing.T) {
	s := newTestServer(t, Options{})
	_, tr := connect(t, s, "a")

	req := protocol.NewRPCMessage("doc1", "no-such-method", protocol.RPCRequest, "", nil, protocol.Context{ClientID: "a"}, false)
	tr.in <- req

	resp := awaitMessage(t, tr, isRPCKind(protocol.RPCResponse))
	var e rpcError
	require.NoError(t, json.Unmarshal(resp.Body, &e))
	assert.Equal(t, rpcCodeMethodNotAllowed, e.Code)
}

func TestRPCHandlerPanicAnswers500(t *testing.T) {
	s := newTestServer(t, Options{
		RPCHandlers: map[string]RPCHandler{
			"boom": {
				Request: func(context.Context, *RPCContext, []byte) (*RPCResult, error) {
					panic("handler bug")
				},
			},
		},
	})
	_, tr := connect(t, s, "a")

	tr.in <- protocol.NewRPCMessage("doc1", "boom", protocol.RPCRequest, "", nil, protocol.Context{ClientID: "a"}, false)

	resp := awaitMessage(t, tr, isRPCKind(protocol.RPCResponse))
	var e rpcError
	require.NoError(t, json.Unmarshal(resp.Body, &e))
	assert.Equal(t, rpcCodeInternal, e.Code)
	assert.Contains(t, e.Error, "panic")
}

func TestRPCStreamChunksPrecedeResponse(t *testing.T) {
	chunks := make(chan []byte, 2)
	chunks <- []byte("part-1")
	chunks <- []byte("part-2")
	close(chunks)

	s := newTestServer(t, Options{
		RPCHandlers: map[string]RPCHandler{
			"export": {
				Request: func(context.Context, *RPCContext, []byte) (*RPCResult, error) {
					return &RPCResult{Response: []byte("done"), Stream: chunks}, nil
				},
			},
		},
	})
	_, tr := connect(t, s, "a")

	req := protocol.NewRPCMessage("doc1", "export", protocol.RPCRequest, "", nil, protocol.Context{ClientID: "a"}, false)
	tr.in <- req

	first := awaitMessage(t, tr, isType(protocol.TypeRPC))
	require.Equal(t, protocol.RPCStream, first.Kind)
	assert.Equal(t, []byte("part-1"), first.Body)
	assert.Equal(t, req.ID, first.OriginalRequestID)

	second := awaitMessage(t, tr, isType(protocol.TypeRPC))
	require.Equal(t, protocol.RPCStream, second.Kind)
	assert.Equal(t, []byte("part-2"), second.Body)

	final := awaitMessage(t, tr, isType(protocol.TypeRPC))
	require.Equal(t, protocol.RPCResponse, final.Kind)
	assert.Equal(t, []byte("done"), final.Body)
}

func TestRPCIsNeverReplicated(t *testing.T) {
	s := newTestServer(t, Options{
		RPCHandlers: map[string]RPCHandler{
			"echo": {
				Request: func(_ context.Context, _ *RPCContext, payload []byte) (*RPCResult, error) {
					return &RPCResult{Response: payload}, nil
				},
			},
		},
	})
	_, trA := connect(t, s, "a")
	_, trB := connect(t, s, "b")

	trB.in <- protocol.NewDocMessage("doc1", protocol.DocSyncStep1, nil, protocol.Context{ClientID: "b"}, false)
	awaitMessage(t, trB, isDocPayload(protocol.DocSyncStep1))

	trA.in <- protocol.NewRPCMessage("doc1", "echo", protocol.RPCRequest, "", []byte("q"), protocol.Context{ClientID: "a"}, false)
	awaitMessage(t, trA, isRPCKind(protocol.RPCResponse))

	expectSilence(t, trB, 100*time.Millisecond, isType(protocol.TypeRPC))
}

func TestDisposeIfEmptyBacksOffWhenClientAttached(t *testing.T) {
	s := newTestServer(t, Options{})
	c, _ := connect(t, s, "a")

	sess, err := s.GetOrOpenSession(context.Background(), "doc1", protocol.Context{ClientID: "a"}, false, c)
	require.NoError(t, err)

	// A client slipped in before the idle teardown ran: the session stays.
	assert.False(t, sess.DisposeIfEmpty())
	assert.Equal(t, 1, sess.ClientCount())

	sess.RemoveClient(c.ID())
	assert.True(t, sess.DisposeIfEmpty())

	aw := protocol.NewAwarenessMessage("doc1", []byte("{}"), protocol.Context{ClientID: "a"}, false)
	assert.ErrorIs(t, sess.Apply(context.Background(), aw, c, nil), ErrSessionDisposed)
}
