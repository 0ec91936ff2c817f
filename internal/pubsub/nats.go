package pubsub

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS backs the fabric with a NATS cluster. Each Subscribe maps to one NATS
// subscription; the NATS client dispatches messages for a subscription from a
// single goroutine, which satisfies the serialized-delivery requirement.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// NewNATS connects to the cluster and logs connection lifecycle events.
func NewNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}

	n := &NATS{
		logger: logger.With().Str("component", "pubsub-nats").Logger(),
		subs:   make(map[*nats.Subscription]struct{}),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			n.logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect to NATS: %w", err)
	}
	n.conn = conn
	return n, nil
}

// natsSubject maps a fabric topic onto a NATS subject. Topics carry document
// names chosen by clients, so every token-significant character is escaped.
func natsSubject(topic string) string {
	esc := url.QueryEscape(topic)
	esc = strings.ReplaceAll(esc, ".", "%2E")
	esc = strings.ReplaceAll(esc, "*", "%2A")
	esc = strings.ReplaceAll(esc, ">", "%3E")
	return "relaypad." + esc
}

// Subscribe registers a handler for the topic.
func (n *NATS) Subscribe(_ context.Context, topic string, h Handler) (Unsubscribe, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}

	sub, err := n.conn.Subscribe(natsSubject(topic), func(msg *nats.Msg) {
		origin, data, err := decodeFrame(msg.Data)
		if err != nil {
			n.logger.Warn().Str("topic", topic).Msg("Dropping malformed fabric frame")
			return
		}
		h(Delivery{Topic: topic, Data: data, OriginNode: origin})
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}
	n.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && !n.conn.IsClosed() {
				n.logger.Warn().Err(err).Str("topic", topic).Msg("Unsubscribe failed")
			}
			n.mu.Lock()
			delete(n.subs, sub)
			n.mu.Unlock()
		})
	}, nil
}

// Publish sends data on the topic, tagged with the origin node id.
func (n *NATS) Publish(_ context.Context, topic string, data []byte, originNode string) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := n.conn.Publish(natsSubject(topic), encodeFrame(originNode, data)); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return nil
}

// Close drains outstanding subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := make([]*nats.Subscription, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.subs = make(map[*nats.Subscription]struct{})
	n.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("pubsub: drain NATS connection: %w", err)
	}
	return nil
}
