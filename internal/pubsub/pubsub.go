// Package pubsub defines the topic-keyed publish/subscribe contract used for
// cross-node replication, and provides in-memory, NATS and Redis backends.
//
// Contract requirements: every delivery is tagged with the publishing node's
// id so subscribers can filter self-echoes; delivery is at-least-once within
// a topic; deliveries for a single subscription are serialized so the
// subscriber reasons about one replicated message at a time.
package pubsub

import (
	"context"
	"encoding/binary"
	"errors"
)

// Delivery is one message handed to a subscription handler.
type Delivery struct {
	Topic      string
	Data       []byte
	OriginNode string
}

// Handler consumes deliveries for one subscription. Implementations invoke it
// serially per subscription.
type Handler func(Delivery)

// Unsubscribe tears down one subscription. Safe to call more than once.
type Unsubscribe func()

// PubSub is the replication fabric contract.
type PubSub interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Unsubscribe, error)
	Publish(ctx context.Context, topic string, data []byte, originNode string) error
	Close() error
}

// DocumentTopic returns the replication topic for a namespaced document id.
func DocumentTopic(namespacedDocumentID string) string {
	return "document/" + namespacedDocumentID
}

// ClientTopic returns the direct-delivery topic for a client id.
func ClientTopic(clientID string) string {
	return "client/" + clientID
}

// ErrClosed is returned by operations on a disposed fabric.
var ErrClosed = errors.New("pubsub: closed")

var errBadFrame = errors.New("pubsub: malformed frame")

// encodeFrame prepends the origin node id so distributed backends carry the
// tag on the wire: 2-byte big-endian origin length, origin, payload.
func encodeFrame(originNode string, data []byte) []byte {
	out := make([]byte, 2+len(originNode)+len(data))
	binary.BigEndian.PutUint16(out[:2], uint16(len(originNode)))
	copy(out[2:], originNode)
	copy(out[2+len(originNode):], data)
	return out
}

func decodeFrame(frame []byte) (originNode string, data []byte, err error) {
	if len(frame) < 2 {
		return "", nil, errBadFrame
	}
	olen := int(binary.BigEndian.Uint16(frame[:2]))
	if 2+olen > len(frame) {
		return "", nil, errBadFrame
	}
	return string(frame[2 : 2+olen]), frame[2+olen:], nil
}
