package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/relaypad/relaypad/internal/broker"
	"github.com/relaypad/relaypad/internal/protocol"
)

// Conn adapts a websocket connection to the broker's transport contract.
// Every data frame carries exactly one encoded message; control frames are
// answered by the websocket library itself.
type Conn struct {
	conn         net.Conn
	resolver     protocol.Resolver
	writeTimeout time.Duration

	onClose   func()
	closeOnce sync.Once
}

var _ broker.Transport = (*Conn)(nil)

// NewConn wraps an upgraded websocket connection. onClose, when non-nil,
// runs exactly once when the connection is torn down.
func NewConn(conn net.Conn, resolver protocol.Resolver, writeTimeout time.Duration, onClose func()) *Conn {
	return &Conn{
		conn:         conn,
		resolver:     resolver,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// Read blocks for the next inbound message. A malformed frame is a protocol
// violation and ends the connection.
func (c *Conn) Read(ctx context.Context) (*protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return nil, err
		}
		if op != ws.OpBinary && op != ws.OpText {
			continue
		}
		m, err := protocol.Decode(data, c.resolver)
		if err != nil {
			return nil, fmt.Errorf("transport: decode inbound frame: %w", err)
		}
		return m, nil
	}
}

// Write sends one message as a binary frame under the write deadline.
func (c *Conn) Write(_ context.Context, m *protocol.Message) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}
	if err := wsutil.WriteServerMessage(c.conn, ws.OpBinary, m.Encoded()); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// Close tears the connection down and fires onClose once.
func (c *Conn) Close() error {
	err := c.conn.Close()
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
