package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectDeliveries(t *testing.T, ch <-chan Delivery, n int) []Delivery {
	t.Helper()
	out := make([]Delivery, 0, n)
	for len(out) < n {
		select {
		case d := <-ch:
			out = append(out, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got := make(chan Delivery, 8)
	unsub, err := m.Subscribe(context.Background(), "document/d1", func(d Delivery) { got <- d })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.Publish(context.Background(), "document/d1", []byte("u1"), "node-a"))

	d := collectDeliveries(t, got, 1)[0]
	assert.Equal(t, "document/d1", d.Topic)
	assert.Equal(t, []byte("u1"), d.Data)
	assert.Equal(t, "node-a", d.OriginNode)
}

func TestMemoryTopicsAreIsolated(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got := make(chan Delivery, 8)
	_, err := m.Subscribe(context.Background(), "document/d1", func(d Delivery) { got <- d })
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), "document/other", []byte("x"), "n"))
	require.NoError(t, m.Publish(context.Background(), "document/d1", []byte("y"), "n"))

	d := collectDeliveries(t, got, 1)[0]
	assert.Equal(t, []byte("y"), d.Data)
	select {
	case d := <-got:
		t.Fatalf("unexpected extra delivery: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySerializesDeliveriesPerSubscription(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var mu sync.Mutex
	var inHandler bool
	var overlapped bool
	var order []string
	done := make(chan struct{}, 64)

	_, err := m.Subscribe(context.Background(), "document/d1", func(d Delivery) {
		mu.Lock()
		if inHandler {
			overlapped = true
		}
		inHandler = true
		order = append(order, string(d.Data))
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inHandler = false
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, m.Publish(context.Background(), "document/d1", []byte{byte('a' + i)}, "n"))
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler invocations")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlapped, "handler invocations overlapped")
	assert.Len(t, order, n)
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got := make(chan Delivery, 8)
	unsub, err := m.Subscribe(context.Background(), "document/d1", func(d Delivery) { got <- d })
	require.NoError(t, err)

	unsub()
	unsub() // idempotent

	require.NoError(t, m.Publish(context.Background(), "document/d1", []byte("u"), "n"))
	select {
	case d := <-got:
		t.Fatalf("delivery after unsubscribe: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClosedFabricRejectsOperations(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, err := m.Subscribe(context.Background(), "t", func(Delivery) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Publish(context.Background(), "t", nil, "n"), ErrClosed)
}

func TestFrameRoundTrip(t *testing.T) {
	origin := "node-1234"
	data := []byte{0x00, 0xff, 0x10}
	o, d, err := decodeFrame(encodeFrame(origin, data))
	require.NoError(t, err)
	assert.Equal(t, origin, o)
	assert.Equal(t, data, d)

	_, _, err = decodeFrame([]byte{0x00})
	assert.Error(t, err)
	_, _, err = decodeFrame([]byte{0xff, 0xff, 'x'})
	assert.Error(t, err)
}
