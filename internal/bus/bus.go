// Package bus implements the fleet's pub/sub message bus adapter over Redis.
//
// It owns a single *redis.Client connection, validates every outbound payload
// against a per-channel schema, wraps payloads in the uniform
// {data, timestamp, sender} envelope, and dispatches inbound messages to
// per-channel handlers from one adapter-owned goroutine in receipt order.
// Parse and validation failures on the receive path are logged and dropped;
// validation failures on publish are returned to the caller.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"scale-t-fleet/pkg/types"
)

// Handler processes one decoded envelope for a channel.
type Handler func(types.Envelope)

// Bus is the message bus adapter. One instance owns one Redis connection.
type Bus struct {
	client *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]Handler
	started  bool

	wg sync.WaitGroup
}

// Config addresses the Redis instance backing the bus.
type Config struct {
	Host string
	Port int
	DB   int
}

// New connects to Redis and returns a Bus. The connection is established
// lazily by the go-redis client on first use; New only constructs the client.
func New(cfg Config, logger *slog.Logger) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:   cfg.DB,
	})
	return &Bus{
		client:   client,
		logger:   logger.With("component", "bus"),
		handlers: make(map[string]Handler),
	}
}

// Ping verifies connectivity, surfacing connection failures at startup
// rather than on the first publish/subscribe call.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish validates payload against the channel's schema, wraps it in an
// envelope, and publishes it. Validation failures are returned to the
// caller — never silently dropped.
func (b *Bus) Publish(ctx context.Context, channel string, payload any, sender string) error {
	data, err := structToMap(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", channel, err)
	}

	if schema, ok := schemaFor(channel); ok {
		if err := schema.Validate(data); err != nil {
			return &ValidationError{Channel: channel, Reason: err.Error()}
		}
	}

	env := types.Envelope{
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sender:    sender,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", channel, err)
	}

	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe installs a handler for channel. If StartListening has already
// been called, the channel is added to the live subscription immediately;
// otherwise it takes effect once StartListening runs.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[channel] = handler

	if b.pubsub != nil {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("subscribe to %s: %w", channel, err)
		}
	}
	return nil
}

// Unsubscribe removes a channel's handler and, if listening, drops the live subscription.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("unsubscribe from %s: %w", channel, err)
		}
	}
	return nil
}

// StartListening opens the Redis subscription for all channels registered so
// far via Subscribe and begins dispatching on a dedicated goroutine. It is a
// no-op if already listening.
func (b *Bus) StartListening(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}

	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}

	var pubsub *redis.PubSub
	if len(channels) > 0 {
		pubsub = b.client.Subscribe(ctx, channels...)
	} else {
		pubsub = b.client.Subscribe(ctx)
	}
	b.pubsub = pubsub
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop(pubsub.Channel())
	return nil
}

func (b *Bus) dispatchLoop(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		b.dispatch(msg)
	}
}

func (b *Bus) dispatch(msg *redis.Message) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("dropping unparseable bus message", "channel", msg.Channel, "error", err)
		return
	}
	if schema, ok := schemaFor(msg.Channel); ok {
		if err := schema.Validate(env.Data); err != nil {
			b.logger.Warn("dropping bus message that fails schema validation", "channel", msg.Channel, "error", err)
			return
		}
	}

	b.mu.Lock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("no handler registered for channel", "channel", msg.Channel)
		return
	}
	handler(env)
}

// StopListening closes the subscription and waits for the dispatch goroutine
// to drain. Safe to call even if StartListening was never called.
func (b *Bus) StopListening() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.started = false
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	b.wg.Wait()
	return err
}

// Close releases the underlying Redis connection. Call after StopListening.
func (b *Bus) Close() error {
	return b.client.Close()
}

// structToMap round-trips payload through JSON to produce the map[string]any
// shape schema validation and the envelope's Data field require.
func structToMap(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
