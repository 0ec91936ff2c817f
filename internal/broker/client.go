package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypad/relaypad/internal/protocol"
)

// Sink is the outbound write half of a connected peer. Write is called with
// one fully-formed message at a time; the Client serialises calls.
type Sink interface {
	Write(ctx context.Context, m *protocol.Message) error
	Close() error
}

// Transport is a connected peer: a readable stream of inbound messages plus
// the outbound sink. Read blocks until a message arrives, the stream ends
// (io.EOF), or ctx is cancelled.
type Transport interface {
	Sink
	Read(ctx context.Context) (*protocol.Message, error)
}

// inFlightEntry records one sent message awaiting an ack.
type inFlightEntry struct {
	SentAt  time.Time
	Message *protocol.Message
}

// Client is the broker-side handle for one connected peer: an outbound sink
// with strictly serialised writes and the in-flight ack ledger. The Server
// owns the authoritative Client; sessions reference it by id.
type Client struct {
	id     string
	sink   Sink
	logger zerolog.Logger

	sendMu sync.Mutex // serialises writes to the sink

	inMu     sync.Mutex
	inFlight map[string]inFlightEntry

	disposed atomic.Bool
	destroy  sync.Once
}

// NewClient wraps a sink. The id must be unique per server.
func NewClient(id string, sink Sink, logger zerolog.Logger) *Client {
	return &Client{
		id:       id,
		sink:     sink,
		logger:   logger.With().Str("client_id", id).Logger(),
		inFlight: make(map[string]inFlightEntry),
	}
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Send writes one message to the peer. Sends are strictly serialised per
// client; concurrent broadcasts never interleave frames. Every message that
// tracks in-flight state is recorded before the write so a matching ack is
// never lost to a race with the peer.
func (c *Client) Send(ctx context.Context, m *protocol.Message) error {
	if c.disposed.Load() {
		return ErrClientDisposed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.disposed.Load() {
		return ErrClientDisposed
	}

	if m.TracksInFlight() {
		c.inMu.Lock()
		c.inFlight[m.ID] = inFlightEntry{SentAt: time.Now(), Message: m}
		c.inMu.Unlock()
	}

	if err := c.sink.Write(ctx, m); err != nil {
		return fmt.Errorf("broker: send to client %s: %w", c.id, err)
	}
	return nil
}

// Ack clears the in-flight entry for messageID, reporting whether one
// existed.
func (c *Client) Ack(messageID string) bool {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	_, ok := c.inFlight[messageID]
	if ok {
		delete(c.inFlight, messageID)
	}
	return ok
}

// HasInFlight reports whether any sent message is still awaiting an ack.
func (c *Client) HasInFlight() bool {
	return c.InFlightCount() > 0
}

// InFlightCount returns the number of unacked sends.
func (c *Client) InFlightCount() int {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return len(c.inFlight)
}

// Destroy aborts the sink and clears the in-flight ledger. Idempotent.
func (c *Client) Destroy() {
	c.destroy.Do(func() {
		c.disposed.Store(true)
		if err := c.sink.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Sink close failed")
		}
		c.inMu.Lock()
		c.inFlight = make(map[string]inFlightEntry)
		c.inMu.Unlock()
	})
}
