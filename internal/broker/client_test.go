package broker

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypad/relaypad/internal/protocol"
)

func TestClientTracksInFlightUntilAck(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient("c1", tr, zerolog.Nop())

	m := protocol.NewDocMessage("doc", protocol.DocUpdate, []byte("u"), protocol.Context{ClientID: "srv"}, false)
	require.NoError(t, c.Send(context.Background(), m))

	assert.True(t, c.HasInFlight())
	assert.Equal(t, 1, c.InFlightCount())

	assert.True(t, c.Ack(m.ID))
	assert.False(t, c.HasInFlight())
	assert.False(t, c.Ack(m.ID), "second ack for the same id should find nothing")
}

func TestClientFireAndForgetMessagesAreNotTracked(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient("c1", tr, zerolog.Nop())

	for _, m := range []*protocol.Message{
		protocol.NewAwarenessMessage("doc", []byte("cursor"), protocol.Context{}, false),
		protocol.NewAckMessage("doc", "some-id", protocol.Context{}),
		protocol.NewPingMessage(protocol.Context{}),
		protocol.NewPongMessage(protocol.Context{}),
	} {
		require.NoError(t, c.Send(context.Background(), m))
	}

	assert.Zero(t, c.InFlightCount())
}

func TestClientDestroyRejectsFurtherSends(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient("c1", tr, zerolog.Nop())

	m := protocol.NewDocMessage("doc", protocol.DocUpdate, []byte("u"), protocol.Context{}, false)
	require.NoError(t, c.Send(context.Background(), m))

	c.Destroy()
	c.Destroy()

	err := c.Send(context.Background(), m)
	assert.ErrorIs(t, err, ErrClientDisposed)
	assert.Zero(t, c.InFlightCount(), "destroy clears the in-flight ledger")
}
