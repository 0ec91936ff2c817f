package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypad/relaypad/internal/protocol"
	"github.com/relaypad/relaypad/internal/storage"
)

// fakeTransport is an in-process Transport: tests feed inbound messages into
// in and observe the broker's sends on out.
type fakeTransport struct {
	in  chan *protocol.Message
	out chan *protocol.Message

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *protocol.Message, 64),
		out:    make(chan *protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) (*protocol.Message, error) {
	select {
	case m := <-t.in:
		return m, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, m *protocol.Message) error {
	select {
	case t.out <- m:
		return nil
	case <-t.closed:
		return errors.New("fake transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// awaitMessage pulls sends off the transport until match accepts one.
// Non-matching messages (acks, pongs) are discarded.
func awaitMessage(t *testing.T, tr *fakeTransport, match func(*protocol.Message) bool) *protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-tr.out:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching message")
			return nil
		}
	}
}

func isDocPayload(payload protocol.DocPayloadType) func(*protocol.Message) bool {
	return func(m *protocol.Message) bool { return m.IsDoc(payload) }
}

func isType(typ protocol.Type) func(*protocol.Message) bool {
	return func(m *protocol.Message) bool { return m.Type == typ }
}

// expectSilence fails if the transport emits a matching message within the
// window.
func expectSilence(t *testing.T, tr *fakeTransport, window time.Duration, match func(*protocol.Message) bool) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case m := <-tr.out:
			if match(m) {
				t.Fatalf("unexpected message: type=%s payload=%s", m.Type, m.Payload)
			}
		case <-deadline:
			return
		}
	}
}

// memoryProvider resolves every document to one shared in-process store.
func memoryProvider(store storage.DocumentStorage) StorageProvider {
	return func(context.Context, *StorageRequest) (storage.DocumentStorage, error) {
		return store, nil
	}
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.GetStorage == nil {
		opts.GetStorage = memoryProvider(storage.NewMemory())
	}
	opts.Logger = zerolog.Nop()
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Dispose(context.Background()) })
	return s
}

func connect(t *testing.T, s *Server, clientID string) (*Client, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c, err := s.CreateClient(context.Background(), tr, clientID)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return c, tr
}
