package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis backs the fabric with Redis pub/sub. Each Subscribe opens its own
// *redis.PubSub drained by a single goroutine, so handler invocations for one
// subscription are serialized.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: connect to Redis: %w", err)
	}
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "pubsub-redis").Logger(),
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

func redisChannel(topic string) string {
	return "relaypad:" + topic
}

// Subscribe registers a handler for the topic.
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) (Unsubscribe, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	ps := r.client.Subscribe(ctx, redisChannel(topic))
	r.subs[ps] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	// Wait for the subscription to be confirmed so a publish issued right
	// after Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		r.dropSub(ps)
		r.wg.Done()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", topic, err)
	}

	go func() {
		defer r.wg.Done()
		for msg := range ps.Channel() {
			origin, data, err := decodeFrame([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Str("topic", topic).Msg("Dropping malformed fabric frame")
				continue
			}
			h(Delivery{Topic: topic, Data: data, OriginNode: origin})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				r.logger.Warn().Err(err).Str("topic", topic).Msg("Unsubscribe failed")
			}
			r.dropSub(ps)
		})
	}, nil
}

func (r *Redis) dropSub(ps *redis.PubSub) {
	r.mu.Lock()
	delete(r.subs, ps)
	r.mu.Unlock()
}

// Publish sends data on the topic, tagged with the origin node id.
func (r *Redis) Publish(ctx context.Context, topic string, data []byte, originNode string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload := encodeFrame(originNode, data)
	if err := r.client.Publish(ctx, redisChannel(topic), payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", topic, err)
	}
	return nil
}

// Close tears down every subscription and the client connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for ps := range r.subs {
		subs = append(subs, ps)
	}
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}
